package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// MemoryStore is an in-process engine.StateStore. It backs validate runs that
// never persist state, and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*engine.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*engine.Snapshot)}
}

// Load retrieves the snapshot for a resource, or nil when none exists.
func (m *MemoryStore) Load(_ context.Context, resourceID string) (*engine.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[resourceID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// Save commits a snapshot, bumping its serial.
func (m *MemoryStore) Save(_ context.Context, snap *engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	if existing, ok := m.snaps[snap.ResourceID]; ok {
		cp.Serial = existing.Serial + 1
	} else {
		cp.Serial = 1
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.snaps[snap.ResourceID] = &cp
	return nil
}

// Delete removes the snapshot for a resource.
func (m *MemoryStore) Delete(_ context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, resourceID)
	return nil
}

// List returns every stored snapshot ordered by resource ID.
func (m *MemoryStore) List(_ context.Context) ([]*engine.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]*engine.Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		cp := *snap
		snaps = append(snaps, &cp)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ResourceID < snaps[j].ResourceID })
	return snaps, nil
}
