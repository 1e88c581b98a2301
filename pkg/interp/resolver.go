package interp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/schema"
)

// ContentSource performs the lazy external read backing a discover node. The
// discover package implements it with a memoizing, single-flight cache.
type ContentSource interface {
	// Read fetches the raw content and discovered attributes for a node.
	// Missing files and unsupported formats come back as recoverable
	// EngineErrors so other nodes still resolve.
	Read(ctx context.Context, node *engine.ResourceNode) (string, map[string]interface{}, error)
}

type resolveStatus int

const (
	statusPending resolveStatus = iota
	statusResolving
	statusDone
)

// contentSuffix marks the state key for a discover node's deferred external
// read, kept separate from the node's attribute resolution so the read only
// runs when a consumer dereferences content.
const contentSuffix = "#content"

type nodeState struct {
	status resolveStatus
	done   chan struct{}
	err    error
}

// Resolver resolves every `${...}` reference in the graph's raw attribute
// expressions. Resolution is depth-first per node: referencing an unresolved
// node resolves that node first, which is also how implicit dependency edges
// are discovered. Nodes without pending references resolve in parallel;
// a node blocks on a referenced node already being resolved by another
// worker instead of duplicating work.
type Resolver struct {
	graph    *engine.DependencyGraph
	registry *schema.Registry
	vars     map[string]interface{}
	source   ContentSource
	logger   zerolog.Logger
	workers  int

	mu      sync.Mutex
	states  map[string]*nodeState
	waitFor map[string]string
	lineage *Lineage
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVars supplies the configuration variable values for the var scope.
func WithVars(vars map[string]interface{}) Option {
	return func(r *Resolver) { r.vars = vars }
}

// WithContentSource supplies the lazy reader backing discover nodes.
func WithContentSource(src ContentSource) Option {
	return func(r *Resolver) { r.source = src }
}

// WithLogger supplies the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithWorkers bounds the number of nodes resolved concurrently.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewResolver creates a resolver over a populated graph and schema registry.
func NewResolver(graph *engine.DependencyGraph, registry *schema.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		graph:    graph,
		registry: registry,
		vars:     make(map[string]interface{}),
		logger:   zerolog.Nop(),
		workers:  8,
		states:   make(map[string]*nodeState),
		waitFor:  make(map[string]string),
		lineage:  NewLineage(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lineage returns the column lineage recorded during resolution.
func (r *Resolver) Lineage() *Lineage {
	return r.lineage
}

// ResolveAll resolves every node in the graph. It first discovers dependency
// edges from a static scan of raw expressions and rejects reference cycles,
// then resolves nodes concurrently, depth-first within each worker.
func (r *Resolver) ResolveAll(ctx context.Context) error {
	if err := r.DiscoverEdges(); err != nil {
		return err
	}

	if cycle, found := r.graph.DetectCycle(); found {
		return engine.NewPermanentError(
			fmt.Sprintf("circular reference: %s", engine.FormatCycle(cycle)), nil).
			WithCode(engine.ErrCodeCircularReference).
			WithDetail("cycle", cycle)
	}

	ids := r.graph.Nodes()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			return r.resolveNode(egCtx, id, nil)
		})
	}
	return eg.Wait()
}

// DiscoverEdges performs the static reference scan: every `${...}` token in
// a raw attribute adds an edge from the declaring node to its target, and
// every explicit depends_on entry adds an edge directly. Unknown targets are
// unresolved references; unknown data objects fail here too.
func (r *Resolver) DiscoverEdges() error {
	for _, id := range r.graph.Nodes() {
		node := r.graph.Node(id)

		for _, dep := range node.DependsOn {
			if err := r.graph.AddEdge(id, dep); err != nil {
				return err
			}
		}

		refs, err := collectRefs(node.Raw)
		if err != nil {
			return wrapSyntax(err, node)
		}
		for _, ref := range refs {
			if err := r.checkRef(node, ref); err != nil {
				return err
			}
			if target := ref.Target(); target != "" && target != id {
				if err := r.graph.AddEdge(id, target); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkRef validates that a reference token points at something that exists.
func (r *Resolver) checkRef(node *engine.ResourceNode, ref *Reference) error {
	switch ref.Scope {
	case ScopeVar, ScopeInput, ScopeEnv:
		return nil
	case ScopeDataObject:
		if len(ref.Path) == 0 {
			return r.unresolved(node, ref)
		}
		if _, err := r.registry.Resolve(ref.Path[0]); err != nil {
			return err
		}
		return nil
	default:
		target := ref.Target()
		if target == "" {
			return r.unresolved(node, ref)
		}
		if r.graph.Node(target) == nil {
			return r.unresolved(node, ref)
		}
		return nil
	}
}

func (r *Resolver) unresolved(node *engine.ResourceNode, ref *Reference) error {
	return engine.NewPermanentError(
		fmt.Sprintf("unresolved reference %s", ref.Raw), nil).
		WithCode(engine.ErrCodeUnresolvedReference).
		WithResource(node.ID()).
		WithSource(node.Decl.File, node.Decl.Line).
		WithDetail("token", ref.Raw)
}

// resolveNode resolves a single node, recursing into referenced nodes first.
// path is the chain of node IDs the current worker is resolving; revisiting
// one of them is a reference cycle.
func (r *Resolver) resolveNode(ctx context.Context, id string, path []string) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		st = &nodeState{done: make(chan struct{})}
		r.states[id] = st
	}

	switch st.status {
	case statusDone:
		r.mu.Unlock()
		return st.err
	case statusResolving:
		for _, p := range path {
			if p == id {
				r.mu.Unlock()
				return circularError(append(append([]string{}, path...), id))
			}
		}
		// Record what this chain is about to wait on, so a cycle whose
		// links are spread across workers still closes in the wait-for
		// graph instead of deadlocking. References found only in
		// discovered content bypass the static pre-pass, which makes this
		// the first place such a cycle can surface.
		for i := 0; i+1 < len(path); i++ {
			r.waitFor[path[i]] = path[i+1]
		}
		var leaf string
		if len(path) > 0 {
			leaf = path[len(path)-1]
			r.waitFor[leaf] = id
		}
		if cycle, found := r.waitCycle(id, path); found {
			if leaf != "" {
				delete(r.waitFor, leaf)
			}
			r.mu.Unlock()
			return circularError(cycle)
		}
		r.mu.Unlock()
		// Another worker owns this node; block until it finishes.
		defer func() {
			if leaf != "" {
				r.mu.Lock()
				delete(r.waitFor, leaf)
				r.mu.Unlock()
			}
		}()
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st.status = statusResolving
	r.mu.Unlock()

	err := r.doResolve(ctx, id, append(path, id))

	r.mu.Lock()
	st.status = statusDone
	st.err = err
	r.mu.Unlock()
	close(st.done)

	return err
}

// waitCycle reports whether blocking on id would close a loop in the
// wait-for graph, returning the cycle path. Caller holds r.mu.
func (r *Resolver) waitCycle(id string, path []string) ([]string, bool) {
	inPath := make(map[string]int, len(path))
	for i, p := range path {
		inPath[p] = i
	}

	seen := make(map[string]bool)
	var chain []string
	cur := id
	for {
		if idx, ok := inPath[cur]; ok {
			cycle := append([]string{}, path[idx:]...)
			cycle = append(cycle, chain...)
			return append(cycle, cur), true
		}
		if st, ok := r.states[cur]; ok && st.status == statusDone {
			return nil, false
		}
		next, ok := r.waitFor[cur]
		if !ok || seen[cur] {
			return nil, false
		}
		seen[cur] = true
		chain = append(chain, cur)
		cur = next
	}
}

// circularError builds the reference-cycle error. Content state keys render
// as their node ID so the reported path reads as declared resources.
func circularError(cycle []string) error {
	display := make([]string, len(cycle))
	for i, c := range cycle {
		display[i] = strings.TrimSuffix(c, contentSuffix)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("circular reference: %s", engine.FormatCycle(display)), nil).
		WithCode(engine.ErrCodeCircularReference).
		WithResource(display[0]).
		WithDetail("cycle", display)
}

// doResolve performs the actual work for one state key.
func (r *Resolver) doResolve(ctx context.Context, key string, path []string) error {
	if id, ok := strings.CutSuffix(key, contentSuffix); ok {
		return r.readDiscoverContent(ctx, id, path)
	}

	id := key
	node := r.graph.Node(id)
	if node == nil {
		return engine.NewPermanentError(fmt.Sprintf("unknown resource %s", id), nil).
			WithCode(engine.ErrCodeInternal)
	}

	r.logger.Debug().Str("resource", id).Msg("resolving node")

	if node.Block == engine.BlockDiscover {
		return r.resolveDiscoverNode(ctx, node, path)
	}

	keys := make([]string, 0, len(node.Raw))
	for k := range node.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		resolved, err := r.resolveValue(ctx, node, node.Raw[k], ContentRaw, path)
		if err != nil {
			return err
		}
		if err := node.SetResolved(k, resolved); err != nil {
			return err
		}
	}
	return nil
}

// resolveDiscoverNode resolves the declared attributes of a discover block:
// inputs first, then location and the rest, so dependency edges form during
// the normal pass. The external read itself stays deferred until a consumer
// dereferences a content-bearing attribute.
func (r *Resolver) resolveDiscoverNode(ctx context.Context, node *engine.ResourceNode, path []string) error {
	inputs := map[string]interface{}{}
	if rawInputs, ok := node.Raw["inputs"].(map[string]interface{}); ok {
		resolved, err := r.resolveValue(ctx, node, rawInputs, ContentRaw, path)
		if err != nil {
			return err
		}
		inputs = resolved.(map[string]interface{})
	}
	if err := node.SetResolved("inputs", inputs); err != nil {
		return err
	}

	keys := make([]string, 0, len(node.Raw))
	for k := range node.Raw {
		if k != "inputs" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		resolved, err := r.resolveValue(ctx, node, node.Raw[k], ContentRaw, path)
		if err != nil {
			return err
		}
		if err := node.SetResolved(k, resolved); err != nil {
			return err
		}
	}

	return nil
}

// readDiscoverContent performs the deferred external read for a discover
// node, then interpolates the content. It runs at most once, the first time
// a consumer dereferences raw_content, interpolated_content or a discovered
// attribute. Read failures become per-node diagnostics so independent nodes
// still plan; the consumer then fails its dereference as unresolved.
func (r *Resolver) readDiscoverContent(ctx context.Context, id string, path []string) error {
	node := r.graph.Node(id)
	if node == nil || r.source == nil {
		return nil
	}

	r.logger.Debug().Str("resource", id).Msg("reading discovered content")

	raw, attrs, err := r.source.Read(ctx, node)
	if err != nil {
		var engErr *engine.EngineError
		if engine.IsRecoverable(err) {
			engErr, _ = err.(*engine.EngineError)
			node.AddDiagnostic("error", engErr.Message, engErr)
			r.logger.Warn().Str("resource", id).Err(err).Msg("discovery read failed")
			return nil
		}
		return err
	}

	// Discovered attributes land after the node's declared attributes are
	// already visible to other workers, so writes go through the resolver
	// lock, matching the locked reads in resolveResourceRef.
	r.mu.Lock()
	for k, v := range attrs {
		if err := node.SetResolved(k, v); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if err := node.SetResolved("raw_content", raw); err != nil {
		r.mu.Unlock()
		return err
	}
	location, _ := node.Resolved["location"].(string)
	r.mu.Unlock()

	ct := ContentTypeForLocation(location)

	interpolated, err := r.interpolateString(ctx, node, raw, ct, path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return node.SetResolved("interpolated_content", interpolated)
}

// resolveValue resolves one raw attribute value, recursing through nested
// maps and lists.
func (r *Resolver) resolveValue(ctx context.Context, node *engine.ResourceNode, v interface{}, ct ContentType, path []string) (interface{}, error) {
	switch val := v.(type) {
	case engine.Expr:
		return r.resolveExpr(ctx, node, string(val), ct, path)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			resolved, err := r.resolveValue(ctx, node, e, ct, path)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			resolved, err := r.resolveValue(ctx, node, e, ct, path)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveExpr resolves an expression string. An expression that is exactly
// one reference token keeps the referenced value's native type; mixed
// expressions substitute formatted values into the surrounding text.
func (r *Resolver) resolveExpr(ctx context.Context, node *engine.ResourceNode, expr string, ct ContentType, path []string) (interface{}, error) {
	tokens, err := Scan(expr)
	if err != nil {
		return nil, wrapSyntax(err, node)
	}

	if len(tokens) == 1 && tokens[0].Kind == TokenRef {
		return r.resolveRef(ctx, node, tokens[0].Ref, path)
	}

	var sb strings.Builder
	for _, t := range tokens {
		if t.Kind == TokenLiteral {
			sb.WriteString(t.Text)
			continue
		}
		v, err := r.resolveRef(ctx, node, t.Ref, path)
		if err != nil {
			return nil, err
		}
		sb.WriteString(FormatValue(ct, v))
	}
	return sb.String(), nil
}

// interpolateString resolves every reference inside free-form content, such
// as a discovered file body, formatting substitutions per content type.
func (r *Resolver) interpolateString(ctx context.Context, node *engine.ResourceNode, content string, ct ContentType, path []string) (string, error) {
	tokens, err := Scan(content)
	if err != nil {
		return "", wrapSyntax(err, node)
	}

	var sb strings.Builder
	for _, t := range tokens {
		if t.Kind == TokenLiteral {
			sb.WriteString(t.Text)
			continue
		}
		v, err := r.resolveRef(ctx, node, t.Ref, path)
		if err != nil {
			return "", err
		}
		sb.WriteString(FormatValue(ct, v))
	}
	return sb.String(), nil
}

// resolveRef resolves a single reference token against its scope. Resource
// scoped references resolve the target node first (depth-first) and record
// the dependency edge and column lineage.
func (r *Resolver) resolveRef(ctx context.Context, node *engine.ResourceNode, ref *Reference, path []string) (interface{}, error) {
	switch ref.Scope {
	case ScopeVar:
		if v, ok := MapScope(r.vars).Get(ref.Path); ok {
			return v, nil
		}
		return nil, r.unresolved(node, ref)

	case ScopeEnv:
		if v, ok := (EnvScope{}).Get(ref.Path); ok {
			return v, nil
		}
		return nil, r.unresolved(node, ref)

	case ScopeInput:
		inputs, _ := node.Resolved["inputs"].(map[string]interface{})
		if v, ok := MapScope(inputs).Get(ref.Path); ok {
			return v, nil
		}
		return nil, r.unresolved(node, ref)

	case ScopeDataObject:
		v, ok := DataObjectScope{Registry: r.registry}.Get(ref.Path)
		if !ok {
			if len(ref.Path) > 0 {
				if _, err := r.registry.Resolve(ref.Path[0]); err != nil {
					return nil, err
				}
			}
			return nil, r.unresolved(node, ref)
		}
		r.recordLineage(node.ID(), ref)
		return v, nil

	default:
		return r.resolveResourceRef(ctx, node, ref, path)
	}
}

// resolveResourceRef resolves a `${kind.name.attr...}` reference.
func (r *Resolver) resolveResourceRef(ctx context.Context, node *engine.ResourceNode, ref *Reference, path []string) (interface{}, error) {
	target := ref.Target()
	if target == "" || r.graph.Node(target) == nil {
		return nil, r.unresolved(node, ref)
	}

	// The referenced node must be fully resolved first. This walk is where
	// implicit edges surface for references found only in discovered content.
	if target != node.ID() {
		if err := r.graph.AddEdge(node.ID(), target); err != nil {
			return nil, err
		}
		if err := r.resolveNode(ctx, target, path); err != nil {
			return nil, err
		}
		r.lineage.Inherit(node.ID(), target)
	}

	targetNode := r.graph.Node(target)
	rest := ref.Path[1:]

	// A bare reference yields the target's ID, matching how references
	// appear inside generated SQL and scripts.
	if len(rest) == 0 {
		return target, nil
	}

	// Dereferencing content or a discovered attribute is what triggers the
	// target's deferred external read.
	if targetNode.Block == engine.BlockDiscover && needsContent(targetNode, rest) {
		if err := r.resolveNode(ctx, target+contentSuffix, path); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	v, ok := walkPath(targetNode.Resolved, rest)
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	// Implicit attributes available on every node.
	if len(rest) == 1 {
		switch rest[0] {
		case "name":
			return targetNode.Name, nil
		case "kind":
			return targetNode.Kind, nil
		case "id":
			return target, nil
		}
	}

	return nil, r.unresolved(node, ref)
}

// needsContent reports whether a dereference can only be served by the
// discover node's external read. Declared block attributes and the implicit
// node attributes resolve without touching the file or provider.
func needsContent(node *engine.ResourceNode, rest []string) bool {
	switch rest[0] {
	case "name", "kind", "id", "inputs":
		return false
	}
	_, declared := node.Raw[rest[0]]
	return !declared
}

// recordLineage records data object column usage for a node.
func (r *Resolver) recordLineage(nodeID string, ref *Reference) {
	if len(ref.Path) == 0 {
		return
	}
	object := ref.Path[0]
	if len(ref.Path) >= 3 && ref.Path[1] == "columns" {
		r.lineage.RecordColumn(nodeID, object, ref.Path[2])
		return
	}
	// Whole-object access (the object itself, .columns, .column_names)
	// derives from every column.
	r.lineage.RecordObject(nodeID, object)
}

// collectRefs walks a raw attribute tree and returns every reference token.
func collectRefs(v interface{}) ([]*Reference, error) {
	var refs []*Reference
	var walk func(interface{}) error
	walk = func(v interface{}) error {
		switch val := v.(type) {
		case engine.Expr:
			rs, err := ScanRefs(string(val))
			if err != nil {
				return err
			}
			refs = append(refs, rs...)
		case map[string]interface{}:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if err := walk(val[k]); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, e := range val {
				if err := walk(e); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}

func wrapSyntax(err error, node *engine.ResourceNode) error {
	var engErr *engine.EngineError
	if e, ok := err.(*engine.EngineError); ok {
		engErr = e
	} else {
		engErr = engine.NewPermanentError("expression syntax error", err).
			WithCode(engine.ErrCodeSyntax)
	}
	return engErr.WithResource(node.ID()).WithSource(node.Decl.File, node.Decl.Line)
}
