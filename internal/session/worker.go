// Package session implements the per-workflow coordination actor. Each
// workflow gets one Worker: a single goroutine that owns that session's
// connection registry and idle timers and processes every operation in
// arrival order. Concurrency exists across workers, never inside one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pressroom/realtime/internal/broadcast"
	"github.com/pressroom/realtime/internal/metrics"
	"github.com/pressroom/realtime/internal/protocol"
	"github.com/pressroom/realtime/internal/registry"
	"github.com/pressroom/realtime/internal/store"
	"github.com/pressroom/realtime/internal/timeout"
)

var (
	// ErrMissingParameter rejects an upgrade whose identity fields are
	// absent or empty. No connection is registered.
	ErrMissingParameter = errors.New("session: missing required parameter")

	// ErrPersistence wraps a failed message insert. The only failure
	// class surfaced back to a sender.
	ErrPersistence = errors.New("session: message persistence failed")

	// ErrStopped is returned when an operation races with worker
	// teardown. Callers should re-resolve the session through the
	// dispatcher and retry.
	ErrStopped = errors.New("session: worker stopped")
)

// externalCallTimeout bounds store, presence, and notify calls made from a
// worker so a slow backend cannot wedge the session indefinitely.
const externalCallTimeout = 5 * time.Second

// Config holds tunable parameters for session workers.
type Config struct {
	IdleTimeout   time.Duration // evict connections idle this long
	Linger        time.Duration // tear down a worker empty this long
	CommandBuffer int           // inbound command channel capacity
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		Linger:        1 * time.Minute,
		CommandBuffer: 64,
	}
}

// Presence is the durable activity record the worker updates alongside its
// in-memory state. All calls are best-effort; a nil Presence disables them.
type Presence interface {
	Connect(ctx context.Context, sessionID, identity, tenantID string) error
	Touch(ctx context.Context, sessionID, identity string) error
	Disconnect(ctx context.Context, sessionID, identity string) error
}

// Pusher delivers lightweight pushes to per-user notification actors.
type Pusher interface {
	Push(identity string, push protocol.NotifyPush) error
}

// Deps are the external collaborators a worker calls out to. Store is
// required; Notifier and Presence may be nil.
type Deps struct {
	Store    store.MessageStore
	Notifier Pusher
	Presence Presence
}

// Worker is one workflow's session actor.
type Worker struct {
	sessionID string
	cfg       Config
	deps      Deps

	reg    *registry.Registry
	timers *timeout.Manager

	cmds chan command
	done chan struct{}

	// retire asks the dispatcher to drop this worker; it returns false
	// if commands arrived while the decision was being made.
	retire func(*Worker) bool
}

func newWorker(sessionID string, cfg Config, deps Deps, retire func(*Worker) bool) *Worker {
	w := &Worker{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		reg:       registry.New(),
		cmds:      make(chan command, cfg.CommandBuffer),
		done:      make(chan struct{}),
		retire:    retire,
	}
	w.timers = timeout.NewManager(w.enqueueEvict)
	go w.run()
	return w
}

// SessionID returns the workflow this worker coordinates.
func (w *Worker) SessionID() string { return w.sessionID }

// ---------------------------------------------------------------------------
// Operations (callable from any goroutine)
// ---------------------------------------------------------------------------

// Attach registers an upgraded connection carrying its metadata. Any prior
// connection for the same identity is closed and replaced.
func (w *Worker) Attach(conn registry.Conn) error {
	reply := make(chan error, 1)
	if err := w.send(attachCmd{conn: conn, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrStopped
	}
}

// Inbound processes one raw frame from a connection's read loop. The only
// error surfaced is a persistence failure for the sender's own message.
func (w *Worker) Inbound(conn registry.Conn, data []byte) error {
	reply := make(chan error, 1)
	if err := w.send(inboundCmd{conn: conn, data: data, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrStopped
	}
}

// Notify injects an event persisted outside the WebSocket path (e.g. by a
// REST write) into the session's broadcast/notify path.
func (w *Worker) Notify(kind string, data json.RawMessage) error {
	return w.send(notifyCmd{kind: kind, data: data})
}

// Closed reports a clean connection close.
func (w *Worker) Closed(conn registry.Conn) {
	_ = w.send(closeCmd{conn: conn})
}

// Errored reports a transport error on a connection.
func (w *Worker) Errored(conn registry.Conn, err error) {
	_ = w.send(closeCmd{conn: conn, err: err})
}

// Connected reports whether identity has a live connection in this session.
func (w *Worker) Connected(identity string) bool {
	reply := make(chan bool, 1)
	if err := w.send(checkCmd{identity: identity, reply: reply}); err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-w.done:
		return false
	}
}

// Size returns the number of live connections.
func (w *Worker) Size() int {
	reply := make(chan int, 1)
	if err := w.send(sizeCmd{reply: reply}); err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-w.done:
		return 0
	}
}

// Cleanup evicts every connection whose idle deadline elapsed without being
// serviced by its timer. Idempotent; returns the number evicted.
func (w *Worker) Cleanup() int {
	reply := make(chan int, 1)
	if err := w.send(cleanupCmd{reply: reply}); err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-w.done:
		return 0
	}
}

// Stop tears the worker down, closing all connections. Blocks until the
// run loop has exited.
func (w *Worker) Stop() {
	reply := make(chan struct{})
	if err := w.send(stopCmd{reply: reply}); err != nil {
		return // already stopped
	}
	select {
	case <-reply:
	case <-w.done:
	}
}

func (w *Worker) send(c command) error {
	select {
	case <-w.done:
		return ErrStopped
	case w.cmds <- c:
		return nil
	}
}

// enqueueEvict runs on a timer goroutine; it re-enters the worker through
// the command channel so timer expiry is serialized with everything else.
func (w *Worker) enqueueEvict(identity string) {
	select {
	case <-w.done:
	case w.cmds <- evictCmd{identity: identity}:
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (w *Worker) run() {
	linger := time.NewTimer(w.cfg.Linger)
	defer linger.Stop()

	for {
		select {
		case cmd := <-w.cmds:
			if stop, ok := cmd.(stopCmd); ok {
				w.teardown()
				close(stop.reply)
				return
			}
			w.handle(cmd)

		case <-linger.C:
			if w.reg.Len() == 0 && w.retire(w) {
				w.teardown()
				return
			}
			linger.Reset(w.cfg.Linger)
		}
	}
}

func (w *Worker) handle(cmd command) {
	switch c := cmd.(type) {
	case attachCmd:
		c.reply <- w.handleAttach(c.conn)
	case inboundCmd:
		c.reply <- w.handleInbound(c.conn, c.data)
	case notifyCmd:
		w.handleNotify(c.kind, c.data)
	case closeCmd:
		w.handleClose(c.conn, c.err)
	case evictCmd:
		w.handleEvict(c.identity)
	case checkCmd:
		c.reply <- w.reg.Contains(c.identity)
	case sizeCmd:
		c.reply <- w.reg.Len()
	case cleanupCmd:
		c.reply <- w.handleCleanup()
	}
}

// teardown drains buffered commands, rejects the ones that carry replies,
// and closes every remaining connection.
func (w *Worker) teardown() {
	close(w.done)
	for {
		select {
		case cmd := <-w.cmds:
			switch c := cmd.(type) {
			case attachCmd:
				c.reply <- ErrStopped
			case inboundCmd:
				c.reply <- ErrStopped
			case checkCmd:
				c.reply <- false
			case sizeCmd:
				c.reply <- 0
			case cleanupCmd:
				c.reply <- 0
			case stopCmd:
				close(c.reply)
			}
		default:
			w.timers.StopAll()
			w.reg.Each(func(identity string, conn registry.Conn) {
				_ = conn.Close()
				metrics.ConnectionsActive.Dec()
				w.presenceDisconnect(identity)
			})
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Command handlers (worker goroutine only)
// ---------------------------------------------------------------------------

func (w *Worker) handleAttach(conn registry.Conn) error {
	meta := conn.Metadata()
	if meta == nil || meta.ParticipantIdentity == "" || meta.SessionID == "" || meta.TenantID == "" {
		return ErrMissingParameter
	}
	identity := meta.ParticipantIdentity

	prior := w.reg.Add(identity, conn)
	if prior != nil {
		// Replace-on-reconnect: the old handle is closed first; its
		// read loop will report a stale close that Remove ignores.
		log.Printf("session: replacing connection session=%s identity=%s", w.sessionID, identity)
		_ = prior.Close()
	} else {
		metrics.ConnectionsActive.Inc()
	}

	w.timers.Arm(identity, w.cfg.IdleTimeout)

	if w.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		if err := w.deps.Presence.Connect(ctx, w.sessionID, identity, meta.TenantID); err != nil {
			log.Printf("session: presence connect session=%s identity=%s: %v", w.sessionID, identity, err)
		}
		cancel()
	}

	event, err := protocol.NewEvent(protocol.EventParticipantJoined, protocol.PresencePayload{
		SessionID: w.sessionID,
		Identity:  identity,
	})
	if err == nil {
		w.broadcastEvent(event, identity)
	}

	log.Printf("session: connected session=%s identity=%s (total=%d)", w.sessionID, identity, w.reg.Len())
	return nil
}

func (w *Worker) handleInbound(conn registry.Conn, data []byte) error {
	meta := conn.Metadata()
	if meta == nil {
		// Pre-restart handle that lost its context. Drop, never crash.
		log.Printf("session: missing metadata session=%s, dropping message", w.sessionID)
		return nil
	}
	identity := meta.ParticipantIdentity

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("session: malformed message session=%s identity=%s: %v", w.sessionID, identity, err)
		return nil
	}

	// Any inbound activity resets the sender's idle clock.
	meta.LastActivityAt = time.Now()
	w.timers.Arm(identity, w.cfg.IdleTimeout)
	if w.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		if err := w.deps.Presence.Touch(ctx, w.sessionID, identity); err != nil {
			log.Printf("session: presence touch session=%s identity=%s: %v", w.sessionID, identity, err)
		}
		cancel()
	}

	switch msg.Type {
	case protocol.EventTypingStart, protocol.EventTypingStop:
		// Ephemeral: broadcast only, no persistence or cross-actor push.
		event, err := protocol.NewEvent(msg.Type, protocol.TypingPayload{
			SessionID: w.sessionID,
			Identity:  identity,
		})
		if err == nil {
			w.broadcastEvent(event, identity)
		}
		return nil

	case protocol.EventMessage:
		return w.handleChatMessage(conn, identity, msg)
	}
	return nil
}

// handleChatMessage persists, then broadcasts, then notifies. Broadcast
// never runs ahead of persistence.
func (w *Worker) handleChatMessage(conn registry.Conn, identity string, msg *protocol.ClientMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	messageID, err := w.deps.Store.InsertMessage(ctx, w.sessionID, identity, msg.Type, msg.Content, msg.MediaFileID, msg.ShareToken)
	cancel()
	if err != nil {
		metrics.MessagesPersisted.WithLabelValues("error").Inc()
		log.Printf("session: persist failed session=%s identity=%s: %v", w.sessionID, identity, err)

		// The sender sees an explicit failure; nobody else sees anything.
		if errMsg, encErr := protocol.NewErrorMessage("persistence_failure", "message could not be saved"); encErr == nil {
			_ = conn.Write(errMsg)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesPersisted.WithLabelValues("ok").Inc()

	event, err := protocol.NewEvent(protocol.EventMessage, protocol.MessagePayload{
		MessageID:   messageID,
		SessionID:   w.sessionID,
		Sender:      identity,
		Content:     msg.Content,
		MediaFileID: msg.MediaFileID,
		ShareToken:  msg.ShareToken,
	})
	if err != nil {
		log.Printf("session: encode message event session=%s: %v", w.sessionID, err)
		return nil
	}

	w.broadcastEvent(event, identity)
	w.notifyParticipants(messageID, identity, msg.Content)
	return nil
}

func (w *Worker) handleNotify(kind string, data json.RawMessage) {
	event := protocol.RawEvent(kind, data)
	w.broadcastEvent(event, "")

	// Message events persisted by a REST caller still owe every
	// participant a badge push.
	if kind == protocol.EventMessage {
		var payload protocol.MessagePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("session: notify payload decode session=%s: %v", w.sessionID, err)
			return
		}
		w.notifyParticipants(payload.MessageID, payload.Sender, payload.Content)
	}
}

func (w *Worker) handleClose(conn registry.Conn, cause error) {
	meta := conn.Metadata()
	if meta == nil {
		log.Printf("session: close without metadata session=%s", w.sessionID)
		_ = conn.Close()
		return
	}
	identity := meta.ParticipantIdentity

	removed := w.reg.Remove(identity, conn)
	_ = conn.Close()
	if !removed {
		// Stale handle from a replacement; the live entry stays.
		return
	}

	// Disarm so the pending timeout cannot broadcast a second
	// participant_left for the same departure.
	w.timers.Disarm(identity)
	w.presenceDisconnect(identity)
	metrics.ConnectionsActive.Dec()

	if cause != nil {
		log.Printf("session: connection error session=%s identity=%s: %v", w.sessionID, identity, cause)
	} else {
		log.Printf("session: disconnected session=%s identity=%s (total=%d)", w.sessionID, identity, w.reg.Len())
	}

	w.broadcastLeft(identity)
}

func (w *Worker) handleEvict(identity string) {
	// A timer fire can race a fresh Arm; a deadline still in the future
	// means the fire is stale.
	if deadline, ok := w.timers.Deadline(identity); ok && time.Now().Before(deadline) {
		return
	}

	conn := w.reg.Get(identity)
	if conn == nil {
		return
	}

	metrics.TimeoutsFired.Inc()
	log.Printf("session: idle timeout session=%s identity=%s", w.sessionID, identity)

	w.reg.Remove(identity, conn)
	w.timers.Disarm(identity)
	_ = conn.Close()
	w.presenceDisconnect(identity)
	metrics.ConnectionsActive.Dec()

	w.broadcastLeft(identity)
}

// handleCleanup reconciles the registry against the idle deadline. It covers
// connections whose timers fired but were never serviced and connections
// with no timer at all (the post-restart case where timers were lost).
func (w *Worker) handleCleanup() int {
	now := time.Now()
	var stale []string

	w.reg.Each(func(identity string, conn registry.Conn) {
		if deadline, ok := w.timers.Deadline(identity); ok {
			if now.After(deadline) {
				stale = append(stale, identity)
			}
			return
		}
		// Unmanaged connection: no pending timeout. Judge it by the
		// metadata attached to the handle.
		meta := conn.Metadata()
		if meta == nil || now.Sub(meta.LastActivityAt) > w.cfg.IdleTimeout {
			stale = append(stale, identity)
		}
	})

	for _, identity := range stale {
		conn := w.reg.Get(identity)
		if conn == nil {
			continue
		}
		w.reg.Remove(identity, conn)
		w.timers.Disarm(identity)
		_ = conn.Close()
		w.presenceDisconnect(identity)
		metrics.ConnectionsActive.Dec()
		metrics.CleanupEvictions.Inc()
		log.Printf("session: cleanup evicted session=%s identity=%s", w.sessionID, identity)

		w.broadcastLeft(identity)
	}
	return len(stale)
}

// ---------------------------------------------------------------------------
// Fan-out helpers (worker goroutine only)
// ---------------------------------------------------------------------------

// broadcastEvent encodes and fans the event out to every live connection
// except exclude. Recipients whose delivery failed are dead: they are
// removed and closed here rather than waiting for cleanup.
func (w *Worker) broadcastEvent(event *protocol.Event, exclude string) {
	data, err := event.Encode()
	if err != nil {
		log.Printf("session: encode event session=%s kind=%s: %v", w.sessionID, event.Type, err)
		return
	}
	metrics.EventsBroadcast.WithLabelValues(event.Type).Inc()

	_, failed := broadcast.Fanout(w.reg, data, exclude)
	for _, identity := range failed {
		conn := w.reg.Get(identity)
		if conn == nil {
			continue
		}
		w.reg.Remove(identity, conn)
		w.timers.Disarm(identity)
		_ = conn.Close()
		w.presenceDisconnect(identity)
		metrics.ConnectionsActive.Dec()
	}
}

func (w *Worker) broadcastLeft(identity string) {
	event, err := protocol.NewEvent(protocol.EventParticipantLeft, protocol.PresencePayload{
		SessionID: w.sessionID,
		Identity:  identity,
	})
	if err != nil {
		return
	}
	w.broadcastEvent(event, "")
}

// notifyParticipants pushes a lightweight activity event to every listed
// participant's notification actor, connected or not. Each push is
// independent; a failure is logged and never aborts the rest.
func (w *Worker) notifyParticipants(messageID int64, sender, content string) {
	if w.deps.Notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	participants, err := w.deps.Store.ListParticipants(ctx, w.sessionID)
	cancel()
	if err != nil {
		log.Printf("session: list participants session=%s: %v", w.sessionID, err)
		return
	}

	push := protocol.NewSessionMessagePush(w.sessionID, messageID, sender, content)
	for _, identity := range participants {
		if err := w.deps.Notifier.Push(identity, push); err != nil {
			metrics.NotifyPushes.WithLabelValues("error").Inc()
			log.Printf("session: notify push failed session=%s identity=%s: %v", w.sessionID, identity, err)
			continue
		}
		metrics.NotifyPushes.WithLabelValues("ok").Inc()
	}
}

func (w *Worker) presenceDisconnect(identity string) {
	if w.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	if err := w.deps.Presence.Disconnect(ctx, w.sessionID, identity); err != nil {
		log.Printf("session: presence disconnect session=%s identity=%s: %v", w.sessionID, identity, err)
	}
	cancel()
}
