package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kolumn-data/kolumn/pkg/classify"
	"github.com/kolumn-data/kolumn/pkg/config"
	"github.com/kolumn-data/kolumn/pkg/discover"
	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/interp"
	"github.com/kolumn-data/kolumn/pkg/policy"
	"github.com/kolumn-data/kolumn/pkg/providers"
	"github.com/kolumn-data/kolumn/pkg/providers/memory"
	"github.com/kolumn-data/kolumn/pkg/providers/postgres"
	"github.com/kolumn-data/kolumn/pkg/schema"
	"github.com/kolumn-data/kolumn/pkg/stores"
)

// pipeline wires the load -> resolve -> classify -> plan stages shared by
// every command.
type pipeline struct {
	registry  *schema.Registry
	graph     *engine.DependencyGraph
	providers *providers.Registry
	store     engine.StateStore
	sqlite    *stores.SQLiteStore
	watcher   *discover.Watcher
	policies  *policy.Engine
	plan      *engine.Plan
}

// buildPlan runs the full planning pipeline over the configuration directory.
// When persist is false the pipeline uses an in-memory state store, which is
// what validate wants.
func buildPlan(ctx context.Context, persist bool) (*pipeline, error) {
	ctx, span := startSpan(ctx, "plan",
		attribute.String("config_dir", configDir))
	defer span.End()
	start := time.Now()

	logger := log.Logger
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	vars, err := parseVarFlags(varFlags)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		registry:  schema.NewRegistry(),
		graph:     engine.NewDependencyGraph(),
		providers: providers.NewRegistry(),
	}

	loader := config.NewLoader(p.registry,
		config.WithLogger(logger),
		config.WithVariables(vars))
	cfg, err := loader.LoadDir(configDir)
	if err != nil {
		return nil, err
	}

	for _, node := range cfg.Nodes {
		if err := p.graph.AddNode(node); err != nil {
			return nil, err
		}
	}

	if err := p.providers.Register("memory", memory.New()); err != nil {
		return nil, err
	}
	if err := p.providers.Register("postgres", newLazyPostgres(p.graph, logger)); err != nil {
		return nil, err
	}

	sourceOpts := []discover.ResolverOption{
		discover.WithProviders(p.providers),
		discover.WithLogger(logger),
	}
	// Apply re-reads discovered files after planning; the watcher keeps the
	// cache honest for files that change in between.
	if w, werr := discover.NewWatcher(logger); werr == nil {
		p.watcher = w
		sourceOpts = append(sourceOpts, discover.WithWatcher(w))
	} else {
		logger.Warn().Err(werr).Msg("file watcher unavailable, relying on fingerprints")
	}
	source := discover.NewResolver(sourceOpts...)

	resolver := interp.NewResolver(p.graph, p.registry,
		interp.WithVars(cfg.Variables),
		interp.WithContentSource(source),
		interp.WithLogger(logger))
	if err := resolver.ResolveAll(ctx); err != nil {
		return nil, err
	}

	rules := classify.DefaultRules
	if rulesPath != "" {
		rules, err = classify.LoadRules(rulesPath, p.registry)
		if err != nil {
			return nil, err
		}
	}
	classifier := classify.NewEngine(p.registry,
		classify.WithRules(rules),
		classify.WithLogger(logger))
	classifyDiags, err := classifier.Apply(p.graph, resolver.Lineage())
	if err != nil {
		return nil, err
	}

	if persist {
		store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		p.sqlite = store
		p.store = store
	} else {
		p.store = stores.NewMemoryStore()
	}

	planner := engine.NewPlanner(p.graph, p.store,
		engine.WithPlannerLogger(logger))
	plan, err := planner.Plan(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	plan.Diagnostics = append(plan.Diagnostics, classifyDiags...)
	p.plan = plan
	metrics.RecordPlan(plan.Changes(), time.Since(start))
	span.SetAttributes(
		attribute.Int("operations", len(plan.Operations)),
		attribute.Bool("changes", plan.Changes()))

	p.policies, err = policy.NewEngine(logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// startSpan opens a tracing span, tolerating the nil tracer used in tests.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("kolumn").Start(ctx, name)
	}
	return tracer.StartSpan(ctx, name, attrs...)
}

// Close releases pipeline resources.
func (p *pipeline) Close() {
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
	if p.sqlite != nil {
		_ = p.sqlite.Close()
	}
}

// parseVarFlags parses repeated name=value flags.
func parseVarFlags(flags []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid -var %q, expected name=value", f)
		}
		vars[name] = value
	}
	return vars, nil
}

// lazyPostgres defers the database connection until the first provider call,
// reading connection settings from the resolved provider block. Plans that
// never touch postgres never open a connection.
type lazyPostgres struct {
	graph  *engine.DependencyGraph
	logger zerolog.Logger

	once sync.Once
	p    *postgres.Provider
	err  error
}

func newLazyPostgres(graph *engine.DependencyGraph, logger zerolog.Logger) *lazyPostgres {
	return &lazyPostgres{graph: graph, logger: logger}
}

func (l *lazyPostgres) connect(ctx context.Context) (*postgres.Provider, error) {
	l.once.Do(func() {
		node := l.graph.Node("provider.postgres")
		if node == nil {
			l.err = engine.NewPermanentError(
				"no postgres provider block in configuration", nil).
				WithCode(engine.ErrCodeProviderFailed)
			return
		}
		attrs := node.Resolved
		if attrs == nil {
			attrs = node.Raw
		}
		l.p, l.err = postgres.Connect(ctx, postgres.ConfigFromAttrs(attrs), l.logger)
	})
	return l.p, l.err
}

func (l *lazyPostgres) Create(ctx context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	p, err := l.connect(ctx)
	if err != nil {
		return "", nil, err
	}
	return p.Create(ctx, resourceID, attrs)
}

func (l *lazyPostgres) Update(ctx context.Context, resourceID string, diff []engine.Change, attrs map[string]interface{}) (map[string]interface{}, error) {
	p, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	return p.Update(ctx, resourceID, diff, attrs)
}

func (l *lazyPostgres) Delete(ctx context.Context, resourceID string) error {
	p, err := l.connect(ctx)
	if err != nil {
		return err
	}
	return p.Delete(ctx, resourceID)
}

func (l *lazyPostgres) Read(ctx context.Context, resourceID string) (map[string]interface{}, error) {
	p, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	return p.Read(ctx, resourceID)
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// renderPlan prints a human-readable plan summary.
func renderPlan(plan *engine.Plan) {
	for _, diag := range plan.Diagnostics {
		fmt.Printf("%s: %s\n", diag.Severity, diag.Summary)
	}
	if len(plan.Diagnostics) > 0 {
		fmt.Println()
	}

	for _, op := range plan.Operations {
		var marker string
		switch op.Action {
		case engine.OperationCreate:
			marker = "+"
		case engine.OperationUpdate:
			marker = "~"
		case engine.OperationDelete:
			marker = "-"
		default:
			continue
		}
		fmt.Printf("%s %s\n", marker, op.ResourceID)
		for _, change := range op.Diff {
			if change.Path == "" {
				continue
			}
			switch change.Action {
			case engine.ChangeActionAdd:
				fmt.Printf("    %s = %v\n", change.Path, compact(change.After))
			case engine.ChangeActionRemove:
				fmt.Printf("    %s removed (was %v)\n", change.Path, compact(change.Before))
			case engine.ChangeActionModify:
				fmt.Printf("    %s: %v -> %v\n", change.Path, compact(change.Before), compact(change.After))
			}
		}
	}

	fmt.Printf("\nPlan: %d to create, %d to update, %d to delete, %d unchanged.\n",
		plan.Summary.ToCreate, plan.Summary.ToUpdate,
		plan.Summary.ToDelete, plan.Summary.NoChange)
}

// compact renders a diff value on one line, truncated.
func compact(v interface{}) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// renderViolations prints policy violations.
func renderViolations(result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Printf("policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
	}
	for _, w := range result.Warnings {
		fmt.Printf("policy warning: %s\n", w)
	}
}
