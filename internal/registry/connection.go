// Package registry tracks the live connections of one workflow session. The
// registry itself is not locked: it is owned by a single session worker and
// must only ever be touched from that worker's goroutine.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Metadata is the connection context attached to every accepted connection.
// It travels with the connection handle rather than living in worker memory,
// so it survives the owning worker being torn down and later recreated.
type Metadata struct {
	ParticipantIdentity string
	SessionID           string
	TenantID            string
	ConnectedAt         time.Time
	LastActivityAt      time.Time
}

// Conn is one live bidirectional link to a participant's client. The concrete
// transport is hidden behind this interface so session workers can be tested
// without sockets.
type Conn interface {
	// ID uniquely identifies this handle. Two connections for the same
	// participant (reconnect) have distinct IDs.
	ID() string

	// Metadata returns the attached connection context, or nil if the
	// handle predates the process and lost it.
	Metadata() *Metadata

	// Write sends one text frame. Safe for concurrent use.
	Write(data []byte) error

	// Close tears down the underlying transport.
	Close() error
}

// WSConn is the production Conn backed by a gobwas/ws server-side connection.
type WSConn struct {
	id           string
	conn         net.Conn
	meta         *Metadata
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes outbound frames
}

// NewWSConn wraps an upgraded network connection with its metadata. The
// write timeout bounds each outbound frame; zero means no deadline.
func NewWSConn(conn net.Conn, meta *Metadata, writeTimeout time.Duration) *WSConn {
	return &WSConn{
		id:           uuid.New().String(),
		conn:         conn,
		meta:         meta,
		writeTimeout: writeTimeout,
	}
}

// ID returns the handle's unique id.
func (c *WSConn) ID() string { return c.id }

// Metadata returns the attached connection context.
func (c *WSConn) Metadata() *Metadata { return c.meta }

// NetConn exposes the underlying network connection for the read loop.
func (c *WSConn) NetConn() net.Conn { return c.conn }

// Write sends a WebSocket text frame. The write mutex ensures concurrent
// goroutines do not interleave frame bytes.
func (c *WSConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
