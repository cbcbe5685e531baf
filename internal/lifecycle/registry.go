package lifecycle

import (
	"context"
	"sync"

	"tradepipe/internal/task"
)

// Handler executes one task's business logic. It returns completion data
// (embedded into downstream payloads by the orchestration layer) or an error.
//
// Handlers must honor ctx cancellation; the execution wrapper enforces a hard
// ceiling and a bounded grace period on top.
type Handler func(ctx context.Context, t *task.Task) (map[string]any, error)

// Registry maps task types to handlers. It is constructed at startup and
// passed by reference into the scheduler; there is no package-level state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[task.Type]Handler{}}
}

// Register installs a handler for a task type. Later registrations replace
// earlier ones.
func (r *Registry) Register(typ task.Type, h Handler) {
	if typ == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Handler looks up the handler for a task type.
func (r *Registry) Handler(typ task.Type) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[typ]
	r.mu.RUnlock()
	return h, ok
}

// Types returns the registered task types.
func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Type, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	return out
}
