package a2abus

import (
	"context"
	"sort"
	"sync"
)

// Handler processes one request envelope and returns the reply payload.
// A returned error (or a panic) becomes an error-typed reply; it never stops the reply loop.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) (Payload, error)
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) (Payload, error)

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) (Payload, error) {
	return f(ctx, env)
}

// HandlerRegistry maps message types to handlers. Safe for concurrent use, so
// handlers may be registered while a reply loop is running.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register associates msgType with h. A later registration for the same type replaces the earlier one.
func (r *HandlerRegistry) Register(msgType string, h Handler) error {
	if msgType == "" {
		return &ValidationError{Field: fieldType, Reason: "must not be empty"}
	}
	if h == nil {
		return &ValidationError{Field: "handler", Reason: "must not be nil"}
	}
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
	return nil
}

// Lookup returns the handler for msgType, if any.
func (r *HandlerRegistry) Lookup(msgType string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[msgType]
	r.mu.RUnlock()
	return h, ok
}

// Types lists registered message types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
