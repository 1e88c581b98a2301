// Package config loads .kl configuration files into resource nodes and
// schema registrations. Files parse as HCL, but interpolation templates are
// NOT evaluated here: any expression containing `${}` references is captured
// as raw text and handed to the interpolation engine, which resolves it
// against the dependency graph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/rs/zerolog"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/schema"
)

// VariableDecl is a declared configuration variable.
type VariableDecl struct {
	Name        string
	Type        string
	Description string
	Default     interface{}
	HasDefault  bool
	Sensitive   bool
	DeclFile    string
	DeclLine    int
}

// Config is the loaded form of a configuration directory.
type Config struct {
	// Files lists the parsed file paths in load order.
	Files []string

	// Nodes holds every provider, create, discover and output declaration.
	Nodes []*engine.ResourceNode

	// Variables maps variable names to their effective values after
	// overrides are applied.
	Variables map[string]interface{}

	// Declarations indexes variable declarations by name.
	Declarations map[string]*VariableDecl
}

// Loader parses configuration files and populates a schema registry.
type Loader struct {
	parser    *hclparse.Parser
	registry  *schema.Registry
	validator *declValidator
	logger    zerolog.Logger
	overrides map[string]interface{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger supplies the component logger.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithVariables supplies variable overrides, typically from -var flags.
// Overrides replace declared defaults and satisfy required variables.
func WithVariables(vars map[string]interface{}) LoaderOption {
	return func(l *Loader) { l.overrides = vars }
}

// NewLoader creates a configuration loader that registers data objects and
// classifications into the given registry.
func NewLoader(registry *schema.Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		parser:    hclparse.NewParser(),
		registry:  registry,
		validator: newDeclValidator(),
		logger:    zerolog.Nop(),
		overrides: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadDir parses every .kl file in a directory, lexically ordered so load
// output is deterministic regardless of directory listing order.
func (l *Loader) LoadDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("reading configuration directory %s", dir), err).
			WithCode(engine.ErrCodeValidation)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".kl") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no .kl files in %s", dir), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return l.Load(paths...)
}

// Load parses the given configuration files.
func (l *Loader) Load(paths ...string) (*Config, error) {
	cfg := &Config{
		Variables:    make(map[string]interface{}),
		Declarations: make(map[string]*VariableDecl),
	}

	for _, path := range paths {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.Files = append(cfg.Files, path)
	}

	if err := l.finishVariables(cfg); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Int("files", len(cfg.Files)).
		Int("nodes", len(cfg.Nodes)).
		Int("variables", len(cfg.Variables)).
		Msg("configuration loaded")
	return cfg, nil
}

func (l *Loader) loadFile(path string, cfg *Config) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("reading %s", path), err).
			WithCode(engine.ErrCodeValidation)
	}

	file, diags := l.parser.ParseHCL(src, path)
	if diags.HasErrors() {
		return syntaxError(path, diags)
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("unexpected body type in %s", path), nil).
			WithCode(engine.ErrCodeInternal)
	}

	for _, block := range body.Blocks {
		if err := l.loadBlock(path, src, block, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadBlock(path string, src []byte, block *hclsyntax.Block, cfg *Config) error {
	line := block.TypeRange.Start.Line

	switch block.Type {
	case "provider":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addNode(cfg, src, block, engine.BlockProvider, "provider", block.Labels[0], path, line)

	case "create":
		if err := requireLabels(block, path, 2); err != nil {
			return err
		}
		decl := createDecl{Kind: block.Labels[0], Name: block.Labels[1]}
		if err := l.validator.check(decl, path, line); err != nil {
			return err
		}
		return l.addNode(cfg, src, block, engine.BlockCreate, block.Labels[0], block.Labels[1], path, line)

	case "discover":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addDiscover(cfg, src, block, path, line)

	case "output":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addNode(cfg, src, block, engine.BlockOutput, "output", block.Labels[0], path, line)

	case "variable":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addVariable(cfg, src, block, path, line)

	case "data_object", "kolumn_data_object":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addDataObject(src, block, path, line)

	case "classification":
		if err := requireLabels(block, path, 1); err != nil {
			return err
		}
		return l.addClassification(src, block, path, line)

	default:
		return engine.NewPermanentError(
			fmt.Sprintf("unknown block type %q", block.Type), nil).
			WithCode(engine.ErrCodeSyntax).
			WithSource(path, line)
	}
}

func (l *Loader) addNode(cfg *Config, src []byte, block *hclsyntax.Block, kind engine.BlockKind, resourceKind, name, path string, line int) error {
	raw, err := decodeBody(block.Body, src, path)
	if err != nil {
		return err
	}

	node := &engine.ResourceNode{
		Kind:  resourceKind,
		Name:  name,
		Block: kind,
		Decl:  engine.SourceRange{File: path, Line: line, Column: block.TypeRange.Start.Column},
		Raw:   raw,
	}
	cfg.Nodes = append(cfg.Nodes, node)
	return nil
}

func (l *Loader) addDiscover(cfg *Config, src []byte, block *hclsyntax.Block, path string, line int) error {
	raw, err := decodeBody(block.Body, src, path)
	if err != nil {
		return err
	}

	decl := discoverDecl{Name: block.Labels[0]}
	if s, ok := raw["location"].(string); ok {
		decl.Location = s
	}
	if _, ok := raw["location"].(engine.Expr); ok {
		decl.Location = "dynamic"
	}
	if s, ok := raw["provider"].(string); ok {
		decl.Provider = s
	}
	if err := l.validator.check(decl, path, line); err != nil {
		return err
	}

	node := &engine.ResourceNode{
		Kind:  "discover",
		Name:  block.Labels[0],
		Block: engine.BlockDiscover,
		Decl:  engine.SourceRange{File: path, Line: line, Column: block.TypeRange.Start.Column},
		Raw:   raw,
	}
	cfg.Nodes = append(cfg.Nodes, node)
	return nil
}

func (l *Loader) addVariable(cfg *Config, src []byte, block *hclsyntax.Block, path string, line int) error {
	raw, err := decodeBody(block.Body, src, path)
	if err != nil {
		return err
	}

	decl := &VariableDecl{
		Name:     block.Labels[0],
		DeclFile: path,
		DeclLine: line,
	}
	if s, ok := raw["type"].(string); ok {
		decl.Type = s
	}
	if s, ok := raw["description"].(string); ok {
		decl.Description = s
	}
	if b, ok := raw["sensitive"].(bool); ok {
		decl.Sensitive = b
	}
	if v, ok := raw["default"]; ok {
		decl.Default = v
		decl.HasDefault = true
	}
	if err := l.validator.check(variableShape{Name: decl.Name, Type: decl.Type}, path, line); err != nil {
		return err
	}

	if _, dup := cfg.Declarations[decl.Name]; dup {
		return engine.NewPermanentError(
			fmt.Sprintf("duplicate variable %q", decl.Name), nil).
			WithCode(engine.ErrCodeDuplicateResource).
			WithSource(path, line)
	}
	cfg.Declarations[decl.Name] = decl
	return nil
}

func (l *Loader) addDataObject(src []byte, block *hclsyntax.Block, path string, line int) error {
	obj := &schema.DataObject{
		Name:     block.Labels[0],
		DeclFile: path,
		DeclLine: line,
	}

	for _, inner := range block.Body.Blocks {
		if inner.Type != "column" {
			return engine.NewPermanentError(
				fmt.Sprintf("unexpected %q block inside data object %q", inner.Type, obj.Name), nil).
				WithCode(engine.ErrCodeSyntax).
				WithSource(path, inner.TypeRange.Start.Line)
		}
		if len(inner.Labels) != 1 {
			return engine.NewPermanentError(
				fmt.Sprintf("column block in data object %q needs exactly one label", obj.Name), nil).
				WithCode(engine.ErrCodeSyntax).
				WithSource(path, inner.TypeRange.Start.Line)
		}

		raw, err := decodeBody(inner.Body, src, path)
		if err != nil {
			return err
		}
		col := schema.Column{Name: inner.Labels[0], Nullable: true}
		if s, ok := raw["type"].(string); ok {
			col.Type = s
		}
		if b, ok := raw["nullable"].(bool); ok {
			col.Nullable = b
		}
		if b, ok := raw["primary_key"].(bool); ok {
			col.PrimaryKey = b
		}
		if s, ok := raw["default"].(string); ok {
			col.Default = s
		}
		col.Classifications = stringList(raw["classifications"])
		obj.Columns = append(obj.Columns, col)
	}

	return l.registry.Register(obj)
}

func (l *Loader) addClassification(src []byte, block *hclsyntax.Block, path string, line int) error {
	raw, err := decodeBody(block.Body, src, path)
	if err != nil {
		return err
	}

	cls := &schema.Classification{
		Name:         block.Labels[0],
		Requirements: make(map[string]schema.Transformation),
	}
	if s, ok := raw["description"].(string); ok {
		cls.Description = s
	}
	if reqs, ok := raw["requirements"].(map[string]interface{}); ok {
		for providerKind, v := range reqs {
			req, ok := v.(map[string]interface{})
			if !ok {
				return engine.NewPermanentError(
					fmt.Sprintf("classification %q: requirements.%s must be an object", cls.Name, providerKind), nil).
					WithCode(engine.ErrCodeValidation).
					WithSource(path, line)
			}
			t := schema.Transformation{}
			if s, ok := req["encryption_method"].(string); ok {
				t.EncryptionMethod = s
			}
			if s, ok := req["masking_rule"].(string); ok {
				t.MaskingRule = s
			}
			cls.Requirements[providerKind] = t
		}
	}
	return l.registry.RegisterClassification(cls)
}

// finishVariables applies overrides and enforces that every variable without
// a default received a value.
func (l *Loader) finishVariables(cfg *Config) error {
	for name, decl := range cfg.Declarations {
		if decl.HasDefault {
			cfg.Variables[name] = decl.Default
		}
	}
	for name, v := range l.overrides {
		if _, declared := cfg.Declarations[name]; !declared {
			return engine.NewPermanentError(
				fmt.Sprintf("value supplied for undeclared variable %q", name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		cfg.Variables[name] = v
	}
	for name, decl := range cfg.Declarations {
		if _, ok := cfg.Variables[name]; !ok {
			return engine.NewPermanentError(
				fmt.Sprintf("variable %q has no default and no supplied value", name), nil).
				WithCode(engine.ErrCodeValidation).
				WithSource(decl.DeclFile, decl.DeclLine)
		}
	}
	return nil
}

func requireLabels(block *hclsyntax.Block, path string, want int) error {
	if len(block.Labels) == want {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("%s block needs %d label(s), got %d", block.Type, want, len(block.Labels)), nil).
		WithCode(engine.ErrCodeSyntax).
		WithSource(path, block.TypeRange.Start.Line)
}

func stringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// syntaxError converts HCL diagnostics into a syntax EngineError carrying the
// first diagnostic's position.
func syntaxError(path string, diags hcl.Diagnostics) error {
	first := diags[0]
	line := 0
	if first.Subject != nil {
		line = first.Subject.Start.Line
	}
	return engine.NewPermanentError(first.Summary+": "+first.Detail, diags).
		WithCode(engine.ErrCodeSyntax).
		WithSource(path, line)
}
