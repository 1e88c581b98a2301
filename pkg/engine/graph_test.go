package engine

import (
	"strings"
	"testing"
)

func testNode(kind, name string) *ResourceNode {
	return &ResourceNode{
		Kind:  kind,
		Name:  name,
		Block: BlockCreate,
		Raw:   map[string]interface{}{},
	}
}

func TestDependencyGraph_AddNode_Duplicate(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddNode(testNode("postgres_table", "users")); err != nil {
		t.Fatalf("first AddNode failed: %v", err)
	}

	err := g.AddNode(testNode("postgres_table", "users"))
	if err == nil {
		t.Fatal("expected duplicate resource error")
	}
	if !HasCode(err, ErrCodeDuplicateResource) {
		t.Errorf("expected code %s, got %v", ErrCodeDuplicateResource, err)
	}
}

func TestDependencyGraph_AddEdge_UnknownNode(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddNode(testNode("postgres_table", "users")); err != nil {
		t.Fatal(err)
	}

	if err := g.AddEdge("postgres_table.users", "postgres_table.missing"); err == nil {
		t.Error("expected error for unknown edge target")
	}
}

func TestDependencyGraph_AddEdge_SelfReference(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddNode(testNode("postgres_table", "users")); err != nil {
		t.Fatal(err)
	}

	err := g.AddEdge("postgres_table.users", "postgres_table.users")
	if err == nil {
		t.Fatal("expected self reference error")
	}
	if !HasCode(err, ErrCodeCircularDependency) {
		t.Errorf("expected code %s, got %v", ErrCodeCircularDependency, err)
	}
}

func TestDependencyGraph_DetectCycle(t *testing.T) {
	g := NewDependencyGraph()
	for _, name := range []string{"a", "b", "c"} {
		if err := g.AddNode(testNode("postgres_table", name)); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge(t, g, "postgres_table.a", "postgres_table.b")
	mustEdge(t, g, "postgres_table.b", "postgres_table.c")
	mustEdge(t, g, "postgres_table.c", "postgres_table.a")

	cycle, found := g.DetectCycle()
	if !found {
		t.Fatal("expected a cycle")
	}
	if len(cycle) < 3 {
		t.Errorf("cycle too short: %v", cycle)
	}
	formatted := FormatCycle(cycle)
	if !strings.Contains(formatted, " -> ") {
		t.Errorf("unexpected cycle format: %s", formatted)
	}
}

func TestDependencyGraph_DetectCycle_Acyclic(t *testing.T) {
	g := NewDependencyGraph()
	for _, name := range []string{"a", "b"} {
		if err := g.AddNode(testNode("postgres_table", name)); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge(t, g, "postgres_table.b", "postgres_table.a")

	if cycle, found := g.DetectCycle(); found {
		t.Errorf("unexpected cycle: %v", cycle)
	}
}

func TestDependencyGraph_TopoLevels_Deterministic(t *testing.T) {
	build := func() *DependencyGraph {
		g := NewDependencyGraph()
		for _, name := range []string{"zeta", "alpha", "mid", "root"} {
			if err := g.AddNode(testNode("postgres_table", name)); err != nil {
				t.Fatal(err)
			}
		}
		mustEdge(t, g, "postgres_table.mid", "postgres_table.root")
		mustEdge(t, g, "postgres_table.alpha", "postgres_table.mid")
		mustEdge(t, g, "postgres_table.zeta", "postgres_table.mid")
		return g
	}

	first, err := build().TopoLevels()
	if err != nil {
		t.Fatal(err)
	}

	// Level 0 is the only node without dependencies; the final level must be
	// sorted lexicographically.
	if len(first) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(first), first)
	}
	if first[0][0] != "postgres_table.root" {
		t.Errorf("unexpected first level: %v", first[0])
	}
	last := first[2]
	if len(last) != 2 || last[0] != "postgres_table.alpha" || last[1] != "postgres_table.zeta" {
		t.Errorf("final level not sorted: %v", last)
	}

	// Rebuilding must give the same order.
	for i := 0; i < 5; i++ {
		again, err := build().TopoLevels()
		if err != nil {
			t.Fatal(err)
		}
		for li := range first {
			for ni := range first[li] {
				if again[li][ni] != first[li][ni] {
					t.Fatalf("order not deterministic: %v vs %v", again, first)
				}
			}
		}
	}
}

func TestDependencyGraph_SortedOrder_DependenciesFirst(t *testing.T) {
	g := NewDependencyGraph()
	for _, name := range []string{"table", "schema"} {
		if err := g.AddNode(testNode("postgres_"+name, "main")); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge(t, g, "postgres_table.main", "postgres_schema.main")

	order, err := g.SortedOrder()
	if err != nil {
		t.Fatal(err)
	}
	if order[0] != "postgres_schema.main" || order[1] != "postgres_table.main" {
		t.Errorf("unexpected order: %v", order)
	}
}

func mustEdge(t *testing.T, g *DependencyGraph, from, to string) {
	t.Helper()
	if err := g.AddEdge(from, to); err != nil {
		t.Fatalf("AddEdge(%s, %s) failed: %v", from, to, err)
	}
}
