package session

import (
	"encoding/json"

	"github.com/pressroom/realtime/internal/registry"
)

// Commands carried on a worker's inbound channel. Every operation against a
// session goes through one of these so the worker processes them strictly
// one at a time, in arrival order.

type command interface{ cmd() }

// attachCmd registers a freshly upgraded connection.
type attachCmd struct {
	conn  registry.Conn
	reply chan error
}

func (attachCmd) cmd() {}

// inboundCmd carries one raw client frame. The reply surfaces persistence
// failures to the sender's read loop; all other failures are swallowed.
type inboundCmd struct {
	conn  registry.Conn
	data  []byte
	reply chan error
}

func (inboundCmd) cmd() {}

// notifyCmd carries an event originating outside the WebSocket path, already
// persisted by its caller.
type notifyCmd struct {
	kind string
	data json.RawMessage
}

func (notifyCmd) cmd() {}

// closeCmd reports a connection close or transport error from its read loop.
type closeCmd struct {
	conn registry.Conn
	err  error // nil for a clean close
}

func (closeCmd) cmd() {}

// evictCmd is enqueued by an expired idle timer.
type evictCmd struct {
	identity string
}

func (evictCmd) cmd() {}

// checkCmd answers a connection-status probe.
type checkCmd struct {
	identity string
	reply    chan bool
}

func (checkCmd) cmd() {}

// sizeCmd reports the registry size.
type sizeCmd struct {
	reply chan int
}

func (sizeCmd) cmd() {}

// cleanupCmd runs the idle reconciliation pass.
type cleanupCmd struct {
	reply chan int
}

func (cleanupCmd) cmd() {}

// stopCmd tears the worker down, closing every connection.
type stopCmd struct {
	reply chan struct{}
}

func (stopCmd) cmd() {}
