package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/you/drcal/internal/domain"
)

// Handler processes one kind of job. Implementations own the decoding of
// their payload; the returned bytes are stored as the job result.
type Handler interface {
	Kind() domain.Kind
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Registry maps job kinds to handlers. New kinds plug in here without
// touching the pool's dispatch loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Kind]Handler)}
}

// Register binds h to its kind, replacing any previous binding.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Resolve returns the handler for kind, if any.
func (r *Registry) Resolve(kind domain.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
