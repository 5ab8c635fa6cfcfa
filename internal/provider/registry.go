package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Driver for one model of a provider. model may be empty,
// in which case the factory picks the provider's default.
type Factory func(model string) (Driver, error)

// Registry maps provider identifiers to driver factories. Adding a backend
// means registering a factory under its key; resolution happens at runtime
// from the provider string stored on each conversation side.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a provider key.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve builds a driver for the given provider and model.
// Returns ErrNotRegistered for unknown provider keys.
func (r *Registry) Resolve(name, model string) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNotRegistered)
	}
	return f(model)
}

// Providers returns the registered provider keys, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
