package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DependencyGraph is a directed graph over resource node identities. An edge
// A -> B means A depends on B. Edges come from explicit depends_on sets and
// from reference tokens discovered during interpolation. The graph must be
// acyclic before planning.
type DependencyGraph struct {
	mu sync.RWMutex

	// nodes maps node IDs to their resource nodes
	nodes map[string]*ResourceNode

	// deps maps a node ID to the set of IDs it depends on
	deps map[string]map[string]struct{}

	// dependents maps a node ID to the set of IDs that depend on it
	dependents map[string]map[string]struct{}
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*ResourceNode),
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a node. Duplicate identities are rejected.
func (g *DependencyGraph) AddNode(n *ResourceNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := n.ID()
	if _, exists := g.nodes[id]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate resource %s", id), nil).
			WithCode(ErrCodeDuplicateResource).
			WithResource(id).
			WithSource(n.Decl.File, n.Decl.Line)
	}

	g.nodes[id] = n
	g.deps[id] = make(map[string]struct{})
	g.dependents[id] = make(map[string]struct{})
	return nil
}

// Node returns the node with the given ID, or nil.
func (g *DependencyGraph) Node(id string) *ResourceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns all node IDs, sorted.
func (g *DependencyGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddEdge records that from depends on to. Both endpoints must be registered.
// Self-edges are reported as circular dependencies immediately.
func (g *DependencyGraph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return NewPermanentError(fmt.Sprintf("edge source %s is not a known resource", from), nil).
			WithCode(ErrCodeValidation)
	}
	if _, ok := g.nodes[to]; !ok {
		return NewPermanentError(
			fmt.Sprintf("%s depends on unknown resource %s", from, to), nil).
			WithCode(ErrCodeValidation).
			WithResource(from)
	}
	if from == to {
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s -> %s", from, to), nil).
			WithCode(ErrCodeCircularDependency).
			WithResource(from)
	}

	g.deps[from][to] = struct{}{}
	g.dependents[to][from] = struct{}{}
	return nil
}

// DependenciesOf returns the sorted IDs the given node depends on.
func (g *DependencyGraph) DependenciesOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.deps[id])
}

// DependentsOf returns the sorted IDs that depend on the given node.
func (g *DependencyGraph) DependentsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependents[id])
}

// DetectCycle searches for a dependency cycle using depth-first traversal.
// It returns the full cycle path when one exists.
func (g *DependencyGraph) DetectCycle() ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	// Deterministic traversal order so the reported cycle is stable.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := g.cycleFrom(id, visited, inStack, nil); cycle != nil {
			return cycle, true
		}
	}
	return nil, false
}

func (g *DependencyGraph) cycleFrom(id string, visited, inStack map[string]bool, path []string) []string {
	visited[id] = true
	inStack[id] = true
	path = append(path, id)

	for _, dep := range sortedKeys(g.deps[id]) {
		if !visited[dep] {
			if cycle := g.cycleFrom(dep, visited, inStack, path); cycle != nil {
				return cycle
			}
		} else if inStack[dep] {
			// Close the loop from the first occurrence of dep in the path.
			for i, p := range path {
				if p == dep {
					return append(append([]string{}, path[i:]...), dep)
				}
			}
		}
	}

	inStack[id] = false
	return nil
}

// TopoLevels computes execution levels with Kahn's algorithm: level 0 holds
// nodes with no dependencies, level n holds nodes whose dependencies all sit
// in earlier levels. IDs within a level are sorted lexicographically so plan
// ordering is deterministic across runs. A cycle yields a
// CIRCULAR_DEPENDENCY error naming the cycle.
func (g *DependencyGraph) TopoLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.deps[id])
	}

	current := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(g.nodes) {
		cycle, _ := g.detectCycleLocked()
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", FormatCycle(cycle)), nil).
			WithCode(ErrCodeCircularDependency).
			WithDetail("cycle", cycle)
	}

	return levels, nil
}

// detectCycleLocked is DetectCycle for callers already holding the read lock.
func (g *DependencyGraph) detectCycleLocked() ([]string, bool) {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := g.cycleFrom(id, visited, inStack, nil); cycle != nil {
			return cycle, true
		}
	}
	return nil, false
}

// SortedOrder flattens TopoLevels into a total order consistent with the
// dependency partial order, dependencies first.
func (g *DependencyGraph) SortedOrder() ([]string, error) {
	levels, err := g.TopoLevels()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.nodes))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// ToDOT renders the graph in DOT format for visualization with Graphviz.
func (g *DependencyGraph) ToDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sb.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	for _, id := range ids {
		for _, dep := range sortedKeys(g.deps[id]) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// FormatCycle formats a cycle path for error messages.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
