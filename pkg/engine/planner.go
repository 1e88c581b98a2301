package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner computes the operation sequence that brings external systems in
// line with the resolved configuration. Planning is read-only: it loads
// snapshots but never writes state and never touches a provider.
type Planner struct {
	graph  *DependencyGraph
	store  StateStore
	logger zerolog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger supplies the component logger.
func WithPlannerLogger(logger zerolog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = logger }
}

// NewPlanner creates a planner over a resolved graph and a state store.
func NewPlanner(graph *DependencyGraph, store StateStore, opts ...PlannerOption) *Planner {
	p := &Planner{
		graph:  graph,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan diffs every managed resource against its stored snapshot and emits a
// deterministic operation sequence: creates and updates in topological order
// with lexicographic tie-breaks, then deletes for state-only resources in
// reverse dependency order. Nodes freeze once planned.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	order, err := p.graph.SortedOrder()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	managed := make(map[string]struct{})
	for _, id := range order {
		node := p.graph.Node(id)
		plan.Diagnostics = append(plan.Diagnostics, node.Diagnostics...)
		if node.Block != BlockCreate {
			continue
		}
		managed[id] = struct{}{}

		op, err := p.planNode(ctx, node)
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, op)
		node.MarkPlanned()
	}

	deletes, err := p.planDeletes(ctx, managed)
	if err != nil {
		return nil, err
	}
	plan.Operations = append(plan.Operations, deletes...)

	for _, op := range plan.Operations {
		switch op.Action {
		case OperationCreate:
			plan.Summary.ToCreate++
		case OperationUpdate:
			plan.Summary.ToUpdate++
		case OperationDelete:
			plan.Summary.ToDelete++
		case OperationNoop:
			plan.Summary.NoChange++
		}
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Int("create", plan.Summary.ToCreate).
		Int("update", plan.Summary.ToUpdate).
		Int("delete", plan.Summary.ToDelete).
		Int("no_change", plan.Summary.NoChange).
		Msg("plan computed")
	return plan, nil
}

// planNode diffs one managed resource against its snapshot.
func (p *Planner) planNode(ctx context.Context, node *ResourceNode) (Operation, error) {
	desired := node.Resolved
	if desired == nil {
		desired = map[string]interface{}{}
	}

	snap, err := p.store.Load(ctx, node.ID())
	if err != nil {
		return Operation{}, NewTransientError(
			fmt.Sprintf("loading snapshot for %s", node.ID()), err).
			WithCode(ErrCodeStateStore).
			WithResource(node.ID())
	}

	op := Operation{
		ResourceID:   node.ID(),
		Attributes:   desired,
		ProviderKind: node.ProviderKind(),
	}

	if snap == nil {
		op.Action = OperationCreate
		op.Diff = DiffAttributes(nil, desired)
		return op, nil
	}

	op.Diff = DiffAttributes(snap.Attributes, desired)
	if len(op.Diff) == 0 {
		op.Action = OperationNoop
	} else {
		op.Action = OperationUpdate
	}
	return op, nil
}

// planDeletes emits delete operations for every snapshot whose resource no
// longer exists in configuration. Order comes from the DependsOn edges stored
// in the snapshots themselves, reversed so dependents go first.
func (p *Planner) planDeletes(ctx context.Context, managed map[string]struct{}) ([]Operation, error) {
	snaps, err := p.store.List(ctx)
	if err != nil {
		return nil, NewTransientError("listing state snapshots", err).
			WithCode(ErrCodeStateStore)
	}

	doomed := make(map[string]*Snapshot)
	for _, snap := range snaps {
		if _, alive := managed[snap.ResourceID]; !alive {
			doomed[snap.ResourceID] = snap
		}
	}
	if len(doomed) == 0 {
		return nil, nil
	}

	ordered := deleteOrder(doomed)
	ops := make([]Operation, 0, len(ordered))
	for _, id := range ordered {
		ops = append(ops, Operation{
			ResourceID: id,
			Action:     OperationDelete,
			Diff: []Change{{
				Path:   "",
				Before: doomed[id].Attributes,
				Action: ChangeActionRemove,
			}},
			ProviderKind: providerKindOfID(id),
		})
	}
	return ops, nil
}

// deleteOrder sorts doomed snapshots dependency-first by their stored edges,
// then reverses, so a dependent is always deleted before what it depends on.
// Ties break lexicographically. Stale edges pointing outside the doomed set
// are ignored.
func deleteOrder(doomed map[string]*Snapshot) []string {
	indegree := make(map[string]int, len(doomed))
	dependents := make(map[string][]string, len(doomed))
	for id := range doomed {
		indegree[id] = 0
	}
	for id, snap := range doomed {
		for _, dep := range snap.DependsOn {
			if _, ok := doomed[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	// Cycles in stored edges cannot happen through normal applies; append
	// whatever remains in lexicographic order so deletes still run.
	if len(order) < len(doomed) {
		seen := make(map[string]struct{}, len(order))
		for _, id := range order {
			seen[id] = struct{}{}
		}
		var rest []string
		for id := range doomed {
			if _, ok := seen[id]; !ok {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// DiffAttributes computes the attribute-level changes between a stored
// snapshot and the desired attribute set. Nested maps diff recursively with
// dotted paths; lists compare as whole values. Output is sorted by path.
func DiffAttributes(before, after map[string]interface{}) []Change {
	changes := diffMap("", before, after)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func diffMap(prefix string, before, after map[string]interface{}) []Change {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	var changes []Change
	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		b, inBefore := before[k]
		a, inAfter := after[k]

		switch {
		case !inBefore:
			changes = append(changes, Change{Path: path, After: a, Action: ChangeActionAdd})
		case !inAfter:
			changes = append(changes, Change{Path: path, Before: b, Action: ChangeActionRemove})
		default:
			bm, bIsMap := b.(map[string]interface{})
			am, aIsMap := a.(map[string]interface{})
			if bIsMap && aIsMap {
				changes = append(changes, diffMap(path, bm, am)...)
				continue
			}
			if !equalValue(b, a) {
				changes = append(changes, Change{Path: path, Before: b, After: a, Action: ChangeActionModify})
			}
		}
	}
	return changes
}

// equalValue compares attribute leaves, treating numeric types as equal when
// their values match so a snapshot round-tripped through JSON still diffs
// clean against freshly resolved attributes.
func equalValue(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// providerKindOfID extracts the provider selector from a stored resource ID.
func providerKindOfID(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' || id[i] == '.' {
			return id[:i]
		}
	}
	return id
}
