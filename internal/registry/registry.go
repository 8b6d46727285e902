package registry

import "sync"

// Registry maps a session id to the connection that owns it. A session id is
// bound to at most one connection; binding again replaces the owner.
type Registry[C comparable] struct {
	mu       sync.RWMutex
	bindings map[string]C
}

func New[C comparable]() *Registry[C] {
	return &Registry[C]{bindings: make(map[string]C)}
}

// Bind records conn as the owner of sessionID and returns the previous owner,
// if any.
func (r *Registry[C]) Bind(sessionID string, conn C) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.bindings[sessionID]
	r.bindings[sessionID] = conn
	return prev, ok
}

// Unbind removes the binding for sessionID. It is a no-op for unknown ids.
func (r *Registry[C]) Unbind(sessionID string) {
	r.mu.Lock()
	delete(r.bindings, sessionID)
	r.mu.Unlock()
}

// UnbindIf removes the binding only while conn still owns sessionID.
func (r *Registry[C]) UnbindIf(sessionID string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.bindings[sessionID]
	if !ok || cur != conn {
		return false
	}
	delete(r.bindings, sessionID)
	return true
}

func (r *Registry[C]) Lookup(sessionID string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bindings[sessionID]
	return conn, ok
}

func (r *Registry[C]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
