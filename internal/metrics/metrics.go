// Package metrics provides Prometheus instrumentation for the workflow
// session coordinator. It exposes gauges for connection and session counts,
// counters for message and fan-out throughput, and failure counters for the
// isolated delivery paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// SessionsActive tracks the current number of running session workers.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_sessions_active",
		Help: "Current number of running session workers",
	})

	// MessagesPersisted counts messages written to the external store,
	// labeled by outcome: "ok" or "error".
	MessagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_messages_persisted_total",
		Help: "Messages handed to the external store",
	}, []string{"outcome"})

	// EventsBroadcast counts broadcast events, labeled by event kind.
	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_events_broadcast_total",
		Help: "Real-time events fanned out to session connections",
	}, []string{"kind"})

	// DeliveryFailures counts per-recipient broadcast delivery failures.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_delivery_failures_total",
		Help: "Per-recipient broadcast deliveries that failed",
	})

	// NotifyPushes counts cross-actor notification pushes, labeled by
	// outcome: "ok" or "error".
	NotifyPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_notify_pushes_total",
		Help: "Lightweight pushes sent to per-user notification actors",
	}, []string{"outcome"})

	// TimeoutsFired counts idle-timeout evictions.
	TimeoutsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_timeouts_fired_total",
		Help: "Connections evicted by the idle timeout",
	})

	// CleanupEvictions counts connections evicted by the cleanup pass.
	CleanupEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_cleanup_evictions_total",
		Help: "Connections evicted by the cleanup pass",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionsActive,
		MessagesPersisted,
		EventsBroadcast,
		DeliveryFailures,
		NotifyPushes,
		TimeoutsFired,
		CleanupEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
