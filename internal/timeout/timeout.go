// Package timeout manages the per-connection idle timers of one session.
// A connection with no inbound activity for the armed duration is evicted
// through the expiry callback. Timers live only in memory; after a process
// restart they are gone and the periodic cleanup pass takes over eviction.
package timeout

import (
	"time"
)

// Manager tracks one pending idle timer per participant identity. Like the
// connection registry it is owned by a single session worker; Arm and Disarm
// must only be called from that worker's goroutine. The expiry callback fires
// on a timer goroutine and must re-enter the worker through its command
// channel rather than touching worker state directly.
type Manager struct {
	timers   map[string]*time.Timer
	deadline map[string]time.Time
	onExpire func(identity string)
}

// NewManager creates a Manager that invokes onExpire when a participant's
// idle timer fires.
func NewManager(onExpire func(identity string)) *Manager {
	return &Manager{
		timers:   make(map[string]*time.Timer),
		deadline: make(map[string]time.Time),
		onExpire: onExpire,
	}
}

// Arm cancels any existing timer for identity and starts a new one that
// fires after d. Called on registration and on every inbound activity.
func (m *Manager) Arm(identity string, d time.Duration) {
	if t, ok := m.timers[identity]; ok {
		t.Stop()
	}
	m.deadline[identity] = time.Now().Add(d)
	m.timers[identity] = time.AfterFunc(d, func() {
		m.onExpire(identity)
	})
}

// Disarm cancels the timer for identity without side effect. Used on manual
// close so eviction does not broadcast a second participant_left. Returns
// true if a timer was pending.
func (m *Manager) Disarm(identity string) bool {
	t, ok := m.timers[identity]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.timers, identity)
	delete(m.deadline, identity)
	return true
}

// Armed reports whether identity has a pending timer. A registered
// connection without one is unmanaged and will only be caught by cleanup.
func (m *Manager) Armed(identity string) bool {
	_, ok := m.timers[identity]
	return ok
}

// Deadline returns the expiry instant of identity's pending timer. The bool
// is false if no timer is armed.
func (m *Manager) Deadline(identity string) (time.Time, bool) {
	d, ok := m.deadline[identity]
	return d, ok
}

// StopAll cancels every pending timer. Used at worker teardown.
func (m *Manager) StopAll() {
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
		delete(m.deadline, id)
	}
}
