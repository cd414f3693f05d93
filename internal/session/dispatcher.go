package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pressroom/realtime/internal/metrics"
)

// Dispatcher routes operations to the worker owning their workflow. Workers
// are started lazily on first use and retire themselves after lingering
// empty; the dispatcher is the only holder of the session -> worker map.
//
// It is constructed once at startup and passed by reference to the HTTP
// server; there is deliberately no package-level instance.
type Dispatcher struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	workers map[string]*Worker
	stopped bool
}

// NewDispatcher creates a Dispatcher with no running workers.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		workers: make(map[string]*Worker),
	}
}

// Session returns the worker for sessionID, starting one if none is
// running. Returns nil after Stop.
func (d *Dispatcher) Session(sessionID string) *Worker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	w, ok := d.workers[sessionID]
	if !ok {
		w = newWorker(sessionID, d.cfg, d.deps, d.tryRetire)
		d.workers[sessionID] = w
		metrics.SessionsActive.Inc()
		log.Printf("session: worker started session=%s (total=%d)", sessionID, len(d.workers))
	}
	return w
}

// Peek returns the running worker for sessionID, or nil. It never starts
// one; probes against a hibernated session simply see no connections.
func (d *Dispatcher) Peek(sessionID string) *Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workers[sessionID]
}

// Sessions returns the number of running workers.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Connections returns the total live connection count across all workers.
func (d *Dispatcher) Connections() int {
	total := 0
	for _, w := range d.snapshot() {
		total += w.Size()
	}
	return total
}

// CleanupAll runs the cleanup pass on every running worker and
// returns the total number of evicted connections.
func (d *Dispatcher) CleanupAll() int {
	evicted := 0
	for _, w := range d.snapshot() {
		evicted += w.Cleanup()
	}
	return evicted
}

// StartCleanup runs CleanupAll every interval until ctx is cancelled. This
// backstops the external scheduler hitting POST /cleanup; timers lost to a
// restart are eventually reconciled either way.
func (d *Dispatcher) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("session: cleanup loop stopped")
				return
			case <-ticker.C:
				if n := d.CleanupAll(); n > 0 {
					log.Printf("session: cleanup evicted %d connections", n)
				}
			}
		}
	}()
}

// Stop tears down every worker and rejects future Session calls.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	workers := make([]*Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*Worker)
	d.mu.Unlock()

	for _, w := range workers {
		w.Stop()
		metrics.SessionsActive.Dec()
	}
	log.Printf("session: dispatcher stopped (%d workers)", len(workers))
}

// tryRetire is called by a worker that lingered empty. It refuses if
// commands slipped into the worker's buffer while the decision was being
// made, so no accepted operation is lost to a teardown race.
func (d *Dispatcher) tryRetire(w *Worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.cmds) > 0 {
		return false
	}
	if current, ok := d.workers[w.sessionID]; !ok || current != w {
		return true // already removed; let it exit
	}
	delete(d.workers, w.sessionID)
	metrics.SessionsActive.Dec()
	log.Printf("session: worker retired session=%s (total=%d)", w.sessionID, len(d.workers))
	return true
}

func (d *Dispatcher) snapshot() []*Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	workers := make([]*Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	return workers
}
