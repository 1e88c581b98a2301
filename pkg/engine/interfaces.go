package engine

import (
	"context"
)

// Provider executes lifecycle operations against one external system. A
// provider is selected by the leading segment of the resource kind
// ("postgres_table" -> "postgres"): a lookup table, not a hierarchy.
type Provider interface {
	// Create provisions a new resource and returns its external ID together
	// with the attributes as materialized by the target system.
	Create(ctx context.Context, node string, attrs map[string]interface{}) (string, map[string]interface{}, error)

	// Update applies an attribute diff to an existing resource and returns
	// the resulting attributes.
	Update(ctx context.Context, node string, diff []Change, attrs map[string]interface{}) (map[string]interface{}, error)

	// Delete destroys an existing resource.
	Delete(ctx context.Context, node string) error

	// Read fetches current attributes, returning a RESOURCE_NOT_FOUND
	// EngineError when the resource does not exist.
	Read(ctx context.Context, node string) (map[string]interface{}, error)
}

// ProviderRegistry maps provider kinds to implementations.
type ProviderRegistry interface {
	// Register binds a provider implementation to a kind.
	Register(kind string, p Provider) error

	// Get retrieves the provider for a kind.
	Get(kind string) (Provider, error)

	// Kinds lists registered provider kinds, sorted.
	Kinds() []string
}

// StateStore persists resource snapshots between runs. Plan computation is
// read-only against the store; only apply writes, and each write commits
// atomically per resource.
type StateStore interface {
	// Load retrieves the snapshot for a resource, or nil when none exists.
	Load(ctx context.Context, resourceID string) (*Snapshot, error)

	// Save commits a snapshot for a resource.
	Save(ctx context.Context, snap *Snapshot) error

	// Delete removes the snapshot for a resource.
	Delete(ctx context.Context, resourceID string) error

	// List returns every stored snapshot.
	List(ctx context.Context) ([]*Snapshot, error)
}
