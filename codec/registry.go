package codec

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps stable handler names to process-local handler functions.
// Workers look up the handler named by an envelope at dispatch time.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler name to fn. The name must be non-empty and not
// already registered; registration normally happens once at startup.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("codec: handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("codec: handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("codec: handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(name string, fn HandlerFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup resolves a handler name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered handler names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
