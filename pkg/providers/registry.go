// Package providers implements the provider registry and the built-in
// providers. A provider kind is the leading segment of a resource kind:
// "postgres_table" routes to the "postgres" provider. Selection is a flat
// lookup table.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// Registry is the default engine.ProviderRegistry implementation.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]engine.Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]engine.Provider)}
}

// Register binds a provider to a kind. Rebinding a kind is an error.
func (r *Registry) Register(kind string, p engine.Provider) error {
	if kind == "" {
		return engine.NewPermanentError("provider kind is empty", nil).
			WithCode(engine.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[kind]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("provider %q already registered", kind), nil).
			WithCode(engine.ErrCodeDuplicateResource)
	}
	r.providers[kind] = p
	return nil
}

// Get retrieves the provider for a kind.
func (r *Registry) Get(kind string) (engine.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[kind]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no provider registered for kind %q", kind), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return p, nil
}

// Kinds lists registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
