package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes a job and returns a result for the status record.
// Handlers must be idempotent over at least one retry: two messages of the
// same conversation may run on different workers.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Registry resolves handler identifiers to code. It is populated once at
// startup; jobs carry only the identifier so they can be serialised.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an identifier. Re-registering an identifier
// replaces the previous handler.
func (r *Registry) Register(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

// Resolve returns the handler for id.
func (r *Registry) Resolve(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", id)
	}
	return h, nil
}

// IDs lists registered handler identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
