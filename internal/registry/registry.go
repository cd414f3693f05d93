package registry

// Registry maps participant identity to that participant's single live
// connection within one session. At most one entry exists per identity;
// registering a second connection for the same identity replaces the first.
//
// Registry carries no lock. One session worker owns it and all access goes
// through that worker's event loop.
type Registry struct {
	conns map[string]Conn // participant identity -> connection
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Add registers conn under identity and returns the connection it replaced,
// or nil if the identity had no live connection. The caller is responsible
// for closing the replaced handle.
func (r *Registry) Add(identity string, conn Conn) Conn {
	prior := r.conns[identity]
	r.conns[identity] = conn
	return prior
}

// Remove deletes the entry for identity, but only if it still refers to the
// given handle. A close event from an already-replaced connection must not
// evict the replacement. Returns true if the entry was removed.
func (r *Registry) Remove(identity string, conn Conn) bool {
	current, ok := r.conns[identity]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Get returns the live connection for identity, or nil.
func (r *Registry) Get(identity string) Conn {
	return r.conns[identity]
}

// Contains reports whether identity has a live connection.
func (r *Registry) Contains(identity string) bool {
	_, ok := r.conns[identity]
	return ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Each calls fn for every (identity, connection) pair. fn must not mutate
// the registry; collect identities and mutate after iteration.
func (r *Registry) Each(fn func(identity string, conn Conn)) {
	for id, conn := range r.conns {
		fn(id, conn)
	}
}

// Identities returns a snapshot of all registered identities.
func (r *Registry) Identities() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
