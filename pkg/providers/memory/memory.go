// Package memory implements an in-process provider that records operations
// instead of touching an external system. Dry runs and tests use it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// Provider stores resource attributes in memory.
type Provider struct {
	mu        sync.RWMutex
	resources map[string]map[string]interface{}

	// FailOn optionally names resource IDs whose mutations fail, for
	// exercising partial-apply paths.
	FailOn map[string]error
}

// New creates an empty memory provider.
func New() *Provider {
	return &Provider{resources: make(map[string]map[string]interface{})}
}

// Create stores the resource and returns a generated external ID.
func (p *Provider) Create(_ context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	if err := p.failure(resourceID); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.resources[resourceID]; exists {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s already exists", resourceID), nil).
			WithCode(engine.ErrCodeDuplicateResource).
			WithResource(resourceID)
	}
	stored := copyAttrs(attrs)
	p.resources[resourceID] = stored
	return uuid.NewString(), copyAttrs(stored), nil
}

// Update replaces the stored attributes.
func (p *Provider) Update(_ context.Context, resourceID string, _ []engine.Change, attrs map[string]interface{}) (map[string]interface{}, error) {
	if err := p.failure(resourceID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.resources[resourceID]; !exists {
		return nil, notFound(resourceID)
	}
	stored := copyAttrs(attrs)
	p.resources[resourceID] = stored
	return copyAttrs(stored), nil
}

// Delete removes the stored resource.
func (p *Provider) Delete(_ context.Context, resourceID string) error {
	if err := p.failure(resourceID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.resources[resourceID]; !exists {
		return notFound(resourceID)
	}
	delete(p.resources, resourceID)
	return nil
}

// Read returns the stored attributes.
func (p *Provider) Read(_ context.Context, resourceID string) (map[string]interface{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	attrs, exists := p.resources[resourceID]
	if !exists {
		return nil, notFound(resourceID)
	}
	return copyAttrs(attrs), nil
}

// IDs lists stored resource IDs, sorted.
func (p *Provider) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Provider) failure(resourceID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err, ok := p.FailOn[resourceID]; ok {
		return err
	}
	return nil
}

func notFound(resourceID string) *engine.EngineError {
	return engine.NewRecoverableError(
		fmt.Sprintf("resource %s not found", resourceID), nil).
		WithCode(engine.ErrCodeResourceNotFound).
		WithResource(resourceID)
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
