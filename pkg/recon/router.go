package recon

import (
	"context"
	"sort"
	"sync"
)

// Handler applies one verified event. The returned Result carries the side
// effect count and warnings; the engine fills in stage, outcome and kind.
type Handler func(ctx context.Context, ev *Event) (Result, error)

// Router dispatches events to handlers by type
type Router struct {
	mu       sync.RWMutex
	handlers map[EventType]Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[EventType]Handler)}
}

// Handle registers h for t, replacing any previous handler
func (r *Router) Handle(t EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Route returns the handler for t
func (r *Router) Route(t EventType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered event types, sorted
func (r *Router) Types() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
