package session

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherReusesLiveWorker(t *testing.T) {
	d := NewDispatcher(testConfig(), Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	first := d.Session("wf-1")
	if first == nil {
		t.Fatal("Session() returned nil")
	}
	if second := d.Session("wf-1"); second != first {
		t.Error("same session id should map to the same worker")
	}
	if other := d.Session("wf-2"); other == first {
		t.Error("different session ids should map to different workers")
	}
	if d.Sessions() != 2 {
		t.Errorf("expected 2 sessions, got %d", d.Sessions())
	}
}

func TestDispatcherPeekNeverCreates(t *testing.T) {
	d := NewDispatcher(testConfig(), Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	if w := d.Peek("wf-1"); w != nil {
		t.Error("Peek() must not create a worker")
	}
	if d.Sessions() != 0 {
		t.Errorf("expected 0 sessions, got %d", d.Sessions())
	}
}

func TestDispatcherRetiresEmptyWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Linger = 30 * time.Millisecond
	d := NewDispatcher(cfg, Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	w := d.Session("wf-1")
	if w == nil {
		t.Fatal("Session() returned nil")
	}

	waitFor(t, "worker retirement", func() bool { return d.Peek("wf-1") == nil })

	// A later lookup builds a fresh worker.
	if replacement := d.Session("wf-1"); replacement == nil || replacement == w {
		t.Error("expected a fresh worker after retirement")
	}
}

func TestDispatcherKeepsBusyWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Linger = 30 * time.Millisecond
	d := NewDispatcher(cfg, Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	w := d.Session("wf-1")
	if err := w.Attach(newFakeConn("c1", "a@example.com")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if d.Peek("wf-1") != w {
		t.Error("worker with live connections must not retire")
	}
	if d.Connections() != 1 {
		t.Errorf("expected 1 connection, got %d", d.Connections())
	}
}

func TestDispatcherCleanupAll(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Hour
	d := NewDispatcher(cfg, Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	w := d.Session("wf-1")
	conn := newFakeConn("c1", "a@example.com")
	if err := w.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Nothing stale yet.
	if n := d.CleanupAll(); n != 0 {
		t.Errorf("expected 0 evictions, got %d", n)
	}

	// Lose the timer and age the handle, as after a restart.
	w.timers.StopAll()
	conn.meta.LastActivityAt = time.Now().Add(-2 * time.Hour)

	if n := d.CleanupAll(); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if !conn.isClosed() {
		t.Error("stale connection should be closed")
	}
}

func TestDispatcherPeriodicCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Hour
	d := NewDispatcher(cfg, Deps{Store: &fakeStore{}})
	t.Cleanup(d.Stop)

	w := d.Session("wf-1")
	conn := newFakeConn("c1", "a@example.com")
	if err := w.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	w.timers.StopAll()
	conn.meta.LastActivityAt = time.Now().Add(-2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.StartCleanup(ctx, 20*time.Millisecond)

	waitFor(t, "periodic cleanup sweep", func() bool { return conn.isClosed() })
}

func TestDispatcherStopRejectsNewSessions(t *testing.T) {
	d := NewDispatcher(testConfig(), Deps{Store: &fakeStore{}})

	w := d.Session("wf-1")
	conn := newFakeConn("c1", "a@example.com")
	if err := w.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	d.Stop()

	if !conn.isClosed() {
		t.Error("Stop() should close remaining connections")
	}
	if d.Session("wf-2") != nil {
		t.Error("Session() after Stop() should return nil")
	}
	if err := w.Attach(newFakeConn("c2", "b@example.com")); err != ErrStopped {
		t.Errorf("expected ErrStopped after Stop(), got %v", err)
	}
}
