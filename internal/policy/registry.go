package policy

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps policy type identifiers to handlers.
// Registration normally happens once while an engine is built; lookups are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry seeded from an explicit handler map keyed by
// policy type. A nil map yields an empty registry.
func NewRegistry(handlers map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for typ, h := range handlers {
		if h == nil {
			continue
		}
		r.handlers[typ] = h
	}
	return r
}

// Register stores h under h.Type(). An existing handler for the same type
// is replaced (last registration wins).
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	typ := h.Type()
	if _, exists := r.handlers[typ]; exists {
		slog.Warn("policy handler overwritten", "type", typ)
	}
	r.handlers[typ] = h
}

// Get returns the handler for a policy type.
func (r *Registry) Get(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Has reports whether a handler is registered for typ.
func (r *Registry) Has(typ string) bool {
	_, ok := r.Get(typ)
	return ok
}

// List returns the registered policy types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Unregister removes the handler for typ. Returns false if none was registered.
func (r *Registry) Unregister(typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[typ]; !ok {
		return false
	}
	delete(r.handlers, typ)
	return true
}

// Clear removes every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]Handler)
}

// Reset clears the in-process counters of every stateful handler.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if rs, ok := h.(Resetter); ok {
			rs.Reset()
		}
	}
}
