package loader

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"coursepilot/internal/unit"
)

// Factory constructs a compiled-in unit.
type Factory func() unit.Unit

// Registry maps builtin names to compiled-in unit factories. Descriptors
// reference them as "builtin:<name>".
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns an error if the name already exists.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.TrimPrefix(name, unit.BuiltinPrefix)
	if name == "" {
		return fmt.Errorf("loader: builtin name is required")
	}
	if factory == nil {
		return fmt.Errorf("loader: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("loader: builtin %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for a builtin source reference or bare name.
func (r *Registry) Lookup(source string) (Factory, bool) {
	name := strings.TrimPrefix(source, unit.BuiltinPrefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the sorted builtin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
