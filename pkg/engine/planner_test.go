package engine

import (
	"context"
	"testing"
	"time"
)

// fakeStore is an in-memory StateStore for planner and applier tests.
type fakeStore struct {
	snaps map[string]*Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*Snapshot)}
}

func (s *fakeStore) Load(_ context.Context, resourceID string) (*Snapshot, error) {
	return s.snaps[resourceID], nil
}

func (s *fakeStore) Save(_ context.Context, snap *Snapshot) error {
	s.snaps[snap.ResourceID] = snap
	return nil
}

func (s *fakeStore) Delete(_ context.Context, resourceID string) error {
	delete(s.snaps, resourceID)
	return nil
}

func (s *fakeStore) List(_ context.Context) ([]*Snapshot, error) {
	var out []*Snapshot
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

func resolvedNode(t *testing.T, g *DependencyGraph, kind, name string, attrs map[string]interface{}) *ResourceNode {
	t.Helper()
	n := testNode(kind, name)
	if err := g.AddNode(n); err != nil {
		t.Fatal(err)
	}
	for k, v := range attrs {
		if err := n.SetResolved(k, v); err != nil {
			t.Fatal(err)
		}
	}
	return n
}

func TestPlanner_Plan_Create(t *testing.T) {
	g := NewDependencyGraph()
	resolvedNode(t, g, "postgres_table", "users", map[string]interface{}{
		"name":   "users",
		"schema": "public",
	})

	plan, err := NewPlanner(g, newFakeStore()).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Action != OperationCreate {
		t.Errorf("expected create, got %s", op.Action)
	}
	if op.ProviderKind != "postgres" {
		t.Errorf("expected provider kind postgres, got %s", op.ProviderKind)
	}
	if len(op.Diff) != 2 || op.Diff[0].Action != ChangeActionAdd {
		t.Errorf("unexpected diff: %+v", op.Diff)
	}
	if plan.Summary.ToCreate != 1 || !plan.Changes() {
		t.Errorf("unexpected summary: %+v", plan.Summary)
	}
}

func TestPlanner_Plan_NoopWhenUnchanged(t *testing.T) {
	g := NewDependencyGraph()
	resolvedNode(t, g, "postgres_table", "users", map[string]interface{}{
		"name":    "users",
		"retries": 3,
	})

	store := newFakeStore()
	// Snapshot value is float64, as it would be after a JSON round trip.
	store.snaps["postgres_table.users"] = &Snapshot{
		ResourceID: "postgres_table.users",
		Attributes: map[string]interface{}{"name": "users", "retries": float64(3)},
		UpdatedAt:  time.Now().UTC(),
	}

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Operations[0].Action != OperationNoop {
		t.Errorf("expected no-op, got %s", plan.Operations[0].Action)
	}
	if plan.Changes() {
		t.Error("plan should report no changes")
	}
}

func TestPlanner_Plan_Update(t *testing.T) {
	g := NewDependencyGraph()
	resolvedNode(t, g, "postgres_table", "users", map[string]interface{}{
		"name":  "users",
		"owner": "analytics",
	})

	store := newFakeStore()
	store.snaps["postgres_table.users"] = &Snapshot{
		ResourceID: "postgres_table.users",
		Attributes: map[string]interface{}{"name": "users", "owner": "legacy"},
	}

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	op := plan.Operations[0]
	if op.Action != OperationUpdate {
		t.Fatalf("expected update, got %s", op.Action)
	}
	if len(op.Diff) != 1 || op.Diff[0].Path != "owner" || op.Diff[0].Action != ChangeActionModify {
		t.Errorf("unexpected diff: %+v", op.Diff)
	}
}

func TestPlanner_Plan_DeletesReverseDependencyOrder(t *testing.T) {
	g := NewDependencyGraph()

	store := newFakeStore()
	store.snaps["postgres_schema.main"] = &Snapshot{
		ResourceID: "postgres_schema.main",
		Attributes: map[string]interface{}{"name": "main"},
	}
	store.snaps["postgres_table.users"] = &Snapshot{
		ResourceID: "postgres_table.users",
		Attributes: map[string]interface{}{"name": "users"},
		DependsOn:  []string{"postgres_schema.main"},
	}

	plan, err := NewPlanner(g, store).Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Operations) != 2 {
		t.Fatalf("expected 2 deletes, got %d", len(plan.Operations))
	}
	// The dependent table must go before the schema it depends on.
	if plan.Operations[0].ResourceID != "postgres_table.users" {
		t.Errorf("expected table first, got %s", plan.Operations[0].ResourceID)
	}
	if plan.Operations[1].ResourceID != "postgres_schema.main" {
		t.Errorf("expected schema last, got %s", plan.Operations[1].ResourceID)
	}
	for _, op := range plan.Operations {
		if op.Action != OperationDelete {
			t.Errorf("expected delete, got %s", op.Action)
		}
	}
	if plan.Summary.ToDelete != 2 {
		t.Errorf("unexpected summary: %+v", plan.Summary)
	}
}

func TestPlanner_Plan_FreezesNodes(t *testing.T) {
	g := NewDependencyGraph()
	n := resolvedNode(t, g, "postgres_table", "users", map[string]interface{}{"name": "users"})

	if _, err := NewPlanner(g, newFakeStore()).Plan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !n.Planned() {
		t.Error("node not frozen after planning")
	}
	if err := n.SetResolved("name", "other"); err == nil {
		t.Error("SetResolved should fail on a planned node")
	}
}

func TestDiffAttributes_NestedPaths(t *testing.T) {
	before := map[string]interface{}{
		"name": "users",
		"columns": map[string]interface{}{
			"id":    map[string]interface{}{"type": "uuid"},
			"email": map[string]interface{}{"type": "string"},
		},
	}
	after := map[string]interface{}{
		"name": "users",
		"columns": map[string]interface{}{
			"id":    map[string]interface{}{"type": "uuid"},
			"email": map[string]interface{}{"type": "text"},
			"age":   map[string]interface{}{"type": "int"},
		},
	}

	changes := DiffAttributes(before, after)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].Path != "columns.age" || changes[0].Action != ChangeActionAdd {
		t.Errorf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Path != "columns.email.type" || changes[1].Action != ChangeActionModify {
		t.Errorf("unexpected second change: %+v", changes[1])
	}
}

func TestDiffAttributes_NumericTolerance(t *testing.T) {
	before := map[string]interface{}{"port": float64(5432)}
	after := map[string]interface{}{"port": 5432}
	if changes := DiffAttributes(before, after); len(changes) != 0 {
		t.Errorf("numeric types should compare equal by value: %+v", changes)
	}
}

func TestDiffAttributes_Removal(t *testing.T) {
	before := map[string]interface{}{"name": "users", "deprecated": true}
	after := map[string]interface{}{"name": "users"}
	changes := DiffAttributes(before, after)
	if len(changes) != 1 || changes[0].Action != ChangeActionRemove || changes[0].Path != "deprecated" {
		t.Errorf("unexpected changes: %+v", changes)
	}
}
