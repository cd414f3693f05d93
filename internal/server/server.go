// Package server exposes the coordinator's HTTP surface: the WebSocket
// upgrade endpoint, the notification injection endpoint for REST
// write-paths, connection probes, cleanup, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/pressroom/realtime/internal/metrics"
	"github.com/pressroom/realtime/internal/registry"
	"github.com/pressroom/realtime/internal/session"
)

// Config holds tunable parameters for the coordinator server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	ReadTimeout  time.Duration // timeout for WebSocket read operations
	WriteTimeout time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		ReadTimeout:  0, // reads block until the peer sends or dies
		WriteTimeout: 10 * time.Second,
	}
}

// Server routes HTTP and WebSocket traffic into the session dispatcher.
type Server struct {
	config     Config
	dispatcher *session.Dispatcher
	httpServer *http.Server
	startedAt  time.Time
}

// New creates a Server backed by the given dispatcher.
func New(config Config, dispatcher *session.Dispatcher) *Server {
	return &Server{
		config:     config,
		dispatcher: dispatcher,
	}
}

// Start configures the HTTP server and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/notification", s.handleNotification)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("server: listening on %s", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener and tears down every session worker,
// closing all live connections.
func (s *Server) Shutdown() error {
	log.Println("server: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("server: http shutdown error: %v", err)
		}
	}

	s.dispatcher.Stop()
	log.Println("server: stopped, all connections closed")
	return nil
}

// handleUpgrade validates the identity parameters, upgrades the request to a
// WebSocket connection, attaches the connection metadata to the handle, and
// registers it with the workflow's session worker. The metadata lives on the
// handle so a later worker rebuild can still interpret the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := q.Get("participantIdentity")
	sessionID := q.Get("sessionId")
	tenantID := q.Get("tenantId")

	for name, value := range map[string]string{
		"participantIdentity": identity,
		"sessionId":           sessionID,
		"tenantId":            tenantID,
	} {
		if value == "" {
			writeJSONError(w, http.StatusBadRequest, "missing_parameter", name)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed session=%s identity=%s: %v", sessionID, identity, err)
		return
	}

	now := time.Now()
	conn := registry.NewWSConn(netConn, &registry.Metadata{
		ParticipantIdentity: identity,
		SessionID:           sessionID,
		TenantID:            tenantID,
		ConnectedAt:         now,
		LastActivityAt:      now,
	}, s.config.WriteTimeout)

	worker := s.attach(sessionID, conn)
	if worker == nil {
		_ = conn.Close()
		return
	}

	go s.readLoop(worker, conn)
}

// attach registers the connection, retrying once if it raced a worker
// retirement.
func (s *Server) attach(sessionID string, conn *registry.WSConn) *session.Worker {
	for attempt := 0; attempt < 2; attempt++ {
		worker := s.dispatcher.Session(sessionID)
		if worker == nil {
			return nil // shutting down
		}
		err := worker.Attach(conn)
		if err == nil {
			return worker
		}
		if err == session.ErrStopped {
			continue
		}
		log.Printf("server: attach failed session=%s: %v", sessionID, err)
		return nil
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error     string `json:"error"`
		Parameter string `json:"parameter,omitempty"`
	}{Error: code, Parameter: detail})
}

// handleNotification lets external CRUD write-paths push an event into a
// session without a WebSocket round-trip. The event is already persisted by
// the caller; the worker only broadcasts and notifies.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		SessionID string          `json:"sessionId"`
		TenantID  string          `json:"tenantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "")
		return
	}
	if body.Type == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "type")
		return
	}
	if body.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "sessionId")
		return
	}

	worker := s.dispatcher.Session(body.SessionID)
	if worker == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := worker.Notify(body.Type, body.Data); err != nil {
		// Raced a retirement; the retry resolves a fresh worker.
		if worker = s.dispatcher.Session(body.SessionID); worker != nil {
			_ = worker.Notify(body.Type, body.Data)
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleCheck reports whether a participant has a live connection in a
// session. Used by external health and status probes.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("participantIdentity")
	sessionID := r.URL.Query().Get("sessionId")
	if identity == "" || sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "participantIdentity, sessionId")
		return
	}

	worker := s.dispatcher.Peek(sessionID)
	if worker != nil && worker.Connected(identity) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Connected")
		return
	}
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, "Not connected")
}

// handleCleanup triggers the reconciliation pass on every running
// session worker. Invoked by an external scheduler.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	evicted := s.dispatcher.CleanupAll()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Evicted int `json:"evicted"`
	}{Evicted: evicted})
}

// handleHealth responds with the server's health status as JSON, including
// current connection and session counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.dispatcher.Connections(),
		Sessions:    s.dispatcher.Sessions(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}
