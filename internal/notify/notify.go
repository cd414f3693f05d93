// Package notify delivers lightweight activity pushes to per-user
// notification actors over NATS. Each user identity resolves
// deterministically to one subject, so a participant's notification actor
// receives pushes regardless of whether the user has a session connection
// open anywhere.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pressroom/realtime/internal/protocol"
)

// SubjectPrefix is the NATS subject prefix for per-user notification actors.
const SubjectPrefix = "notify.user."

// subjectReplacer rewrites characters that carry meaning in NATS subjects.
// Identities are email addresses; dots in them must not create subject
// token boundaries.
var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// SubjectFor resolves the notification-actor subject for a user identity.
// The mapping is deterministic: the same identity always yields the same
// subject.
func SubjectFor(identity string) string {
	return SubjectPrefix + subjectReplacer.Replace(identity)
}

// Pusher is the contract the session workers depend on. Push failures are
// isolated per participant by the caller.
type Pusher interface {
	Push(identity string, push protocol.NotifyPush) error
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "coordinator",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection used to reach notification actors.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] disconnected: %v", err)
			} else {
				log.Printf("[notify] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[notify] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}

	log.Printf("[notify] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// Push publishes a lightweight activity event to the notification actor for
// identity.
func (c *Client) Push(identity string, push protocol.NotifyPush) error {
	data, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("notify: marshal push: %w", err)
	}
	if err := c.conn.Publish(SubjectFor(identity), data); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", SubjectFor(identity), err)
	}
	return nil
}

// Subscribe registers a handler for pushes addressed to identity. It is used
// by notification-actor hosts and by tests; the coordinator itself only
// publishes. The returned function unsubscribes.
func (c *Client) Subscribe(identity string, handler func(protocol.NotifyPush)) (func(), error) {
	sub, err := c.conn.Subscribe(SubjectFor(identity), func(msg *nats.Msg) {
		var push protocol.NotifyPush
		if err := json.Unmarshal(msg.Data, &push); err != nil {
			log.Printf("[notify] unmarshal push for %s: %v", identity, err)
			return
		}
		handler(push)
	})
	if err != nil {
		return nil, fmt.Errorf("notify: subscribe %s: %w", SubjectFor(identity), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[notify] connection drain: %v", err)
	}
}
