package server

import (
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pressroom/realtime/internal/registry"
	"github.com/pressroom/realtime/internal/session"
)

// readLoop reads frames from one connection and feeds them into the owning
// session worker. It runs on its own goroutine for the life of the
// connection; read errors and close frames hand the connection back to the
// worker, which owns all registry and timer state.
func (s *Server) readLoop(worker *session.Worker, conn *registry.WSConn) {
	netConn := conn.NetConn()

	for {
		if s.config.ReadTimeout > 0 {
			_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
		if err != nil {
			if isClosedErr(err) {
				worker.Closed(conn)
			} else {
				worker.Errored(conn, err)
			}
			return
		}

		// Control frames carry no payload for the session but still
		// prove the connection is alive.
		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				worker.Closed(conn)
				return
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				worker.Errored(conn, err)
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if err := worker.Inbound(conn, data); err != nil {
			if errors.Is(err, session.ErrStopped) {
				// The worker retired underneath us; the connection
				// is orphaned and the client must reconnect.
				_ = conn.Close()
				return
			}
			// Persistence failure: the worker already told the
			// sender. The connection stays open so they can retry.
			meta := conn.Metadata()
			if meta != nil {
				log.Printf("server: message rejected session=%s identity=%s: %v",
					meta.SessionID, meta.ParticipantIdentity, err)
			}
		}
	}
}

// isClosedErr distinguishes an orderly or already-closed connection from a
// genuine transport error.
func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
