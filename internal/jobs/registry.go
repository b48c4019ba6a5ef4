package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job type.
type Handler interface {
	Type() string
	Run(ctx context.Context, run *Run) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	JobType string
	Fn      func(ctx context.Context, run *Run) error
}

// Type implements Handler.
func (h HandlerFunc) Type() string { return h.JobType }

// Run implements Handler.
func (h HandlerFunc) Run(ctx context.Context, run *Run) error { return h.Fn(ctx, run) }

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h. Registering a type twice is an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Type()]; ok {
		return fmt.Errorf("handler for %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
