// Package broadcast fans one encoded event out to every live connection of a
// session. Delivery is best-effort: a failing recipient never prevents
// delivery to the remaining recipients.
package broadcast

import (
	"log"

	"github.com/pressroom/realtime/internal/metrics"
	"github.com/pressroom/realtime/internal/registry"
)

// Fanout writes data to every connection in reg except the one registered
// under exclude (pass "" to deliver to everyone). Each delivery is
// independent; failures are collected and returned as the identities whose
// connections are dead. The caller owns the registry and is responsible for
// removing and closing the failed connections afterwards.
func Fanout(reg *registry.Registry, data []byte, exclude string) (delivered int, failed []string) {
	reg.Each(func(identity string, conn registry.Conn) {
		if identity == exclude {
			return
		}
		if err := conn.Write(data); err != nil {
			log.Printf("broadcast: delivery failed identity=%s: %v", identity, err)
			metrics.DeliveryFailures.Inc()
			failed = append(failed, identity)
			return
		}
		delivered++
	})
	return delivered, failed
}
