package classify

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/interp"
	"github.com/kolumn-data/kolumn/pkg/schema"
)

// Engine computes effective column classifications and cascades the matching
// provider transformations onto every node that derives from those columns.
type Engine struct {
	registry *schema.Registry
	rules    []PatternRule
	logger   zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules replaces the built-in pattern table.
func WithRules(rules []PatternRule) EngineOption {
	return func(e *Engine) { e.rules = rules }
}

// WithLogger supplies the component logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a classification engine against a schema registry.
func NewEngine(registry *schema.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		rules:    DefaultRules,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classifications returns the effective classification set for one column.
// An explicit label list on the column wins outright; otherwise the first
// matching pattern rule decides. Extra matching rules with a different
// classification surface as ambiguity warnings.
func (e *Engine) Classifications(obj *schema.DataObject, col *schema.Column) ([]string, []engine.Diagnostic) {
	if len(col.Classifications) > 0 {
		out := append([]string(nil), col.Classifications...)
		sort.Strings(out)
		return out, nil
	}

	var (
		winner   string
		warnings []engine.Diagnostic
	)
	for _, rule := range e.rules {
		if !rule.Matches(col.Name) {
			continue
		}
		if winner == "" {
			winner = rule.Classification
			continue
		}
		if rule.Classification != winner {
			warnings = append(warnings, engine.Diagnostic{
				Severity:   "warning",
				Summary:    fmt.Sprintf("column %s.%s matches pattern %q (%s) but %q already won; declare an explicit classification to silence this", obj.Name, col.Name, rule.Fragment, rule.Classification, winner),
				ResourceID: "data_object." + obj.Name,
			})
		}
	}
	if winner == "" {
		return nil, warnings
	}
	return []string{winner}, warnings
}

// Transformation is the security requirement synthesized onto a consuming
// resource for one classified column.
type Transformation struct {
	Classifications  []string
	EncryptionMethod string
	MaskingRule      string
}

// Apply walks recorded lineage and injects a column_transformations attribute
// onto every node deriving from classified columns. Injection happens before
// planning so the synthesized requirements participate in diffs like any
// declared attribute. Nodes whose lineage no longer touches classified
// columns get the attribute removed.
func (e *Engine) Apply(graph *engine.DependencyGraph, lineage *interp.Lineage) ([]engine.Diagnostic, error) {
	var diags []engine.Diagnostic

	for _, nodeID := range lineage.Nodes() {
		node := graph.Node(nodeID)
		if node == nil || node.Block == engine.BlockDataObject {
			continue
		}

		transforms, warns, err := e.transformsFor(node, lineage)
		if err != nil {
			return diags, err
		}
		diags = append(diags, warns...)

		if len(transforms) == 0 {
			delete(node.Resolved, "column_transformations")
			continue
		}
		attr := make(map[string]interface{}, len(transforms))
		for col, t := range transforms {
			entry := map[string]interface{}{
				"classifications": toInterfaceList(t.Classifications),
			}
			if t.EncryptionMethod != "" {
				entry["encryption_method"] = t.EncryptionMethod
			}
			if t.MaskingRule != "" {
				entry["masking_rule"] = t.MaskingRule
			}
			attr[col] = entry
		}
		if err := node.SetResolved("column_transformations", attr); err != nil {
			return diags, err
		}
		e.logger.Debug().Str("resource", nodeID).Int("columns", len(transforms)).Msg("classifications cascaded")
	}
	return diags, nil
}

// transformsFor merges the requirements of every classified column the node
// derives from, keyed by column name.
func (e *Engine) transformsFor(node *engine.ResourceNode, lineage *interp.Lineage) (map[string]Transformation, []engine.Diagnostic, error) {
	var diags []engine.Diagnostic
	providerKind := node.ProviderKind()
	out := make(map[string]Transformation)

	for _, objName := range lineage.Objects(node.ID()) {
		obj, err := e.registry.Resolve(objName)
		if err != nil {
			return nil, diags, err
		}

		derived, whole := lineage.Columns(node.ID(), objName)
		cols := derived
		if whole {
			cols = obj.ColumnNames()
		}

		for _, colName := range cols {
			col := obj.Column(colName)
			if col == nil {
				// The column disappeared from the data object; drop it.
				continue
			}
			classifications, warns := e.Classifications(obj, col)
			diags = append(diags, warns...)
			if len(classifications) == 0 {
				continue
			}

			t := Transformation{Classifications: classifications}
			for _, cname := range classifications {
				cls := e.registry.Classification(cname)
				if cls == nil {
					diags = append(diags, engine.Diagnostic{
						Severity:   "warning",
						Summary:    fmt.Sprintf("column %s.%s carries undefined classification %q", objName, colName, cname),
						ResourceID: node.ID(),
					})
					continue
				}
				req, ok := cls.RequirementFor(providerKind)
				if !ok {
					continue
				}
				if t.EncryptionMethod == "" {
					t.EncryptionMethod = req.EncryptionMethod
				}
				if t.MaskingRule == "" {
					t.MaskingRule = req.MaskingRule
				}
			}
			out[colName] = t
		}
	}
	return out, diags, nil
}

func toInterfaceList(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
