package source

import (
	"fmt"
	"sort"

	"streamfetch/internal"
)

// Registry maps backend names to their implementations. The engine asks the
// registry at dispatch time, so adding a backend means registering it here
// and nowhere else.
type Registry struct {
	backends map[string]internal.StreamBackend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]internal.StreamBackend)}
}

// Register adds a backend. Registering twice under one name replaces the
// earlier entry.
func (r *Registry) Register(b internal.StreamBackend) {
	r.backends[b.Name()] = b
}

// Get returns the backend with the given name.
func (r *Registry) Get(name string) (internal.StreamBackend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", name)
	}
	return b, nil
}

// Names lists the registered backends in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
