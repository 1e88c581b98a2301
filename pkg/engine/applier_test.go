package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeProvider records calls and fails on demand.
type fakeProvider struct {
	mu      sync.Mutex
	created []string
	updated []string
	deleted []string
	failOn  map[string]error
	// transientUntil fails a resource with a transient error for the first
	// n attempts, then succeeds.
	transientUntil map[string]int
	attempts       map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failOn:         make(map[string]error),
		transientUntil: make(map[string]int),
		attempts:       make(map[string]int),
	}
}

func (p *fakeProvider) fail(resourceID string) (bool, error) {
	p.attempts[resourceID]++
	if n, ok := p.transientUntil[resourceID]; ok && p.attempts[resourceID] <= n {
		return true, NewTransientError("temporary outage", nil).WithCode(ErrCodeProviderFailed)
	}
	if err, ok := p.failOn[resourceID]; ok {
		return true, err
	}
	return false, nil
}

func (p *fakeProvider) Create(_ context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failed, err := p.fail(resourceID); failed {
		return "", nil, err
	}
	p.created = append(p.created, resourceID)
	return resourceID, attrs, nil
}

func (p *fakeProvider) Update(_ context.Context, resourceID string, _ []Change, attrs map[string]interface{}) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failed, err := p.fail(resourceID); failed {
		return nil, err
	}
	p.updated = append(p.updated, resourceID)
	return attrs, nil
}

func (p *fakeProvider) Delete(_ context.Context, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failed, err := p.fail(resourceID); failed {
		return err
	}
	p.deleted = append(p.deleted, resourceID)
	return nil
}

func (p *fakeProvider) Read(_ context.Context, resourceID string) (map[string]interface{}, error) {
	return nil, NewRecoverableError("not found", nil).WithCode(ErrCodeResourceNotFound)
}

type fakeRegistry struct {
	providers map[string]Provider
}

func (r *fakeRegistry) Register(kind string, p Provider) error {
	r.providers[kind] = p
	return nil
}

func (r *fakeRegistry) Get(kind string) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, NewPermanentError("unknown provider "+kind, nil).WithCode(ErrCodeProviderFailed)
	}
	return p, nil
}

func (r *fakeRegistry) Kinds() []string { return nil }

func applyFixture(t *testing.T) (*DependencyGraph, *fakeStore, *fakeProvider, *fakeRegistry) {
	t.Helper()
	g := NewDependencyGraph()
	resolvedNode(t, g, "postgres_schema", "main", map[string]interface{}{"name": "main"})
	resolvedNode(t, g, "postgres_table", "users", map[string]interface{}{"name": "users"})
	resolvedNode(t, g, "postgres_table", "orders", map[string]interface{}{"name": "orders"})
	mustEdge(t, g, "postgres_table.users", "postgres_schema.main")
	mustEdge(t, g, "postgres_table.orders", "postgres_schema.main")

	store := newFakeStore()
	provider := newFakeProvider()
	registry := &fakeRegistry{providers: map[string]Provider{"postgres": provider}}
	return g, store, provider, registry
}

func TestApplier_Apply_Succeeded(t *testing.T) {
	g, store, provider, registry := applyFixture(t)

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	applier := NewApplier(g, store, registry, WithRetry(0, time.Millisecond))
	result, err := applier.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}
	if len(result.Applied) != 3 {
		t.Errorf("expected 3 applied, got %d", len(result.Applied))
	}
	if len(provider.created) != 3 {
		t.Errorf("expected 3 creates, got %v", provider.created)
	}
	// The schema level must run before the table level.
	if provider.created[0] != "postgres_schema.main" {
		t.Errorf("schema not created first: %v", provider.created)
	}
	for _, id := range []string{"postgres_schema.main", "postgres_table.users", "postgres_table.orders"} {
		snap := store.snaps[id]
		if snap == nil {
			t.Errorf("no snapshot committed for %s", id)
		}
	}
	if deps := store.snaps["postgres_table.users"].DependsOn; len(deps) != 1 || deps[0] != "postgres_schema.main" {
		t.Errorf("snapshot edges not recorded: %v", deps)
	}
}

func TestApplier_Apply_PartialFailureHaltsAtLevelBoundary(t *testing.T) {
	g, store, provider, registry := applyFixture(t)
	provider.failOn["postgres_schema.main"] = NewPermanentError("permission denied", nil).
		WithCode(ErrCodeProviderFailed)

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	applier := NewApplier(g, store, registry, WithRetry(0, time.Millisecond))
	result, err := applier.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if len(result.Applied) != 1 || result.Applied[0].Err == nil {
		t.Errorf("expected one failed operation, got %+v", result.Applied)
	}
	if len(result.Skipped) != 2 {
		t.Errorf("dependent tables should be skipped: %v", result.Skipped)
	}
	if store.snaps["postgres_schema.main"] != nil {
		t.Error("failed operation must not commit state")
	}
}

func TestApplier_Apply_PartialStatus(t *testing.T) {
	g, store, provider, registry := applyFixture(t)
	// Schema succeeds, one table in the second level fails.
	provider.failOn["postgres_table.users"] = NewPermanentError("duplicate", nil).
		WithCode(ErrCodeDuplicateResource)

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	result, err := NewApplier(g, store, registry, WithRetry(0, time.Millisecond)).
		Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != RunStatusPartial {
		t.Fatalf("expected partial, got %s", result.Status)
	}
	// Operations in the failing level still all run; the sibling table's
	// snapshot is committed even though the run halts afterwards.
	if store.snaps["postgres_table.orders"] == nil {
		t.Error("sibling operation in the same level should have committed")
	}
	if store.snaps["postgres_table.users"] != nil {
		t.Error("failed operation must not commit state")
	}
}

func TestApplier_Apply_RetriesTransientFailures(t *testing.T) {
	g, store, provider, registry := applyFixture(t)
	provider.transientUntil["postgres_schema.main"] = 2

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	result, err := NewApplier(g, store, registry, WithRetry(2, time.Millisecond)).
		Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded after retries, got %s", result.Status)
	}
	if provider.attempts["postgres_schema.main"] != 3 {
		t.Errorf("expected 3 attempts, got %d", provider.attempts["postgres_schema.main"])
	}
}

func TestApplier_Apply_DeleteMissingResourceClearsState(t *testing.T) {
	g := NewDependencyGraph()
	store := newFakeStore()
	store.snaps["postgres_table.gone"] = &Snapshot{
		ResourceID: "postgres_table.gone",
		Attributes: map[string]interface{}{"name": "gone"},
	}

	provider := newFakeProvider()
	provider.failOn["postgres_table.gone"] = NewRecoverableError("already absent", nil).
		WithCode(ErrCodeResourceNotFound)
	registry := &fakeRegistry{providers: map[string]Provider{"postgres": provider}}

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Action != OperationDelete {
		t.Fatalf("unexpected plan: %+v", plan.Operations)
	}

	result, err := NewApplier(g, store, registry, WithRetry(0, time.Millisecond)).
		Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}
	if store.snaps["postgres_table.gone"] != nil {
		t.Error("state should clear when the resource is already gone externally")
	}
}

func TestApplier_Apply_DeleteFailureSkipsRemainder(t *testing.T) {
	g := NewDependencyGraph()
	store := newFakeStore()
	store.snaps["postgres_table.a"] = &Snapshot{
		ResourceID: "postgres_table.a",
		Attributes: map[string]interface{}{},
	}
	store.snaps["postgres_table.b"] = &Snapshot{
		ResourceID: "postgres_table.b",
		Attributes: map[string]interface{}{},
	}

	provider := newFakeProvider()
	provider.failOn["postgres_table.b"] = NewPermanentError("locked", nil).
		WithCode(ErrCodeProviderFailed)
	registry := &fakeRegistry{providers: map[string]Provider{"postgres": provider}}

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	result, err := NewApplier(g, store, registry, WithRetry(0, time.Millisecond)).
		Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}

	// Without edges the delete order is reverse lexicographic: b fails first
	// and a never starts.
	if result.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "postgres_table.a" {
		t.Errorf("unexpected skipped: %v", result.Skipped)
	}
	if store.snaps["postgres_table.b"] == nil {
		t.Error("failed delete must keep its snapshot")
	}
}
