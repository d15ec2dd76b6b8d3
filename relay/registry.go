package relay

import (
	"context"
	"sync"
)

// Registry caches one Facade per server. It is created at the composition
// root and passed to whoever dispatches executions; there is no package
// global.
type Registry struct {
	mu      sync.Mutex
	deps    Deps
	facades map[string]*Facade
}

// NewRegistry creates an empty registry. Every facade it creates shares deps.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:    deps,
		facades: make(map[string]*Facade),
	}
}

// Resolve returns the initialized Facade for a server, creating it on first
// use. Initialization failures are not cached: the next Resolve retries.
func (r *Registry) Resolve(ctx context.Context, serverID string) (*Facade, error) {
	r.mu.Lock()
	facade, ok := r.facades[serverID]
	if !ok {
		facade = NewFacade(serverID, r.deps)
		r.facades[serverID] = facade
	}
	r.mu.Unlock()

	if err := facade.Initialize(ctx); err != nil {
		r.mu.Lock()
		delete(r.facades, serverID)
		r.mu.Unlock()
		return nil, err
	}
	return facade, nil
}

// Evict disconnects and removes the facade for a server, if present.
func (r *Registry) Evict(serverID string) {
	r.mu.Lock()
	facade, ok := r.facades[serverID]
	delete(r.facades, serverID)
	r.mu.Unlock()

	if ok {
		facade.Disconnect()
	}
}

// Close disconnects every cached facade.
func (r *Registry) Close() {
	r.mu.Lock()
	facades := make([]*Facade, 0, len(r.facades))
	for id, facade := range r.facades {
		facades = append(facades, facade)
		delete(r.facades, id)
	}
	r.mu.Unlock()

	for _, facade := range facades {
		facade.Disconnect()
	}
}
