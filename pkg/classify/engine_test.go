package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/interp"
	"github.com/kolumn-data/kolumn/pkg/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	if err := r.Register(&schema.DataObject{
		Name: "customer",
		Columns: []schema.Column{
			{Name: "id", Type: "uuid"},
			{Name: "email_address", Type: "string"},
			{Name: "api_token", Type: "string"},
			{Name: "notes", Type: "text", Classifications: []string{"internal"}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterClassification(&schema.Classification{
		Name: "pii",
		Requirements: map[string]schema.Transformation{
			"postgres": {EncryptionMethod: "pgcrypto_aes256", MaskingRule: "partial"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterClassification(&schema.Classification{
		Name: "secret",
		Requirements: map[string]schema.Transformation{
			"*": {EncryptionMethod: "vault_transit", MaskingRule: "redact"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterClassification(&schema.Classification{Name: "internal"}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEngine_Classifications_PatternFirstMatch(t *testing.T) {
	e := NewEngine(testRegistry(t))
	obj := &schema.DataObject{Name: "x"}

	got, warns := e.Classifications(obj, &schema.Column{Name: "billing_email_address"})
	if len(got) != 1 || got[0] != "pii" {
		t.Errorf("expected pii, got %v", got)
	}
	if len(warns) != 0 {
		t.Errorf("unexpected warnings: %v", warns)
	}

	if got, _ := e.Classifications(obj, &schema.Column{Name: "quantity"}); got != nil {
		t.Errorf("unmatched column should be unclassified: %v", got)
	}
}

func TestEngine_Classifications_ExplicitWins(t *testing.T) {
	e := NewEngine(testRegistry(t))
	obj := &schema.DataObject{Name: "x"}

	// The name matches the "email" pattern but the explicit label overrides.
	col := &schema.Column{Name: "email_address", Classifications: []string{"internal"}}
	got, warns := e.Classifications(obj, col)
	if len(got) != 1 || got[0] != "internal" {
		t.Errorf("explicit label should win: %v", got)
	}
	if len(warns) != 0 {
		t.Errorf("unexpected warnings: %v", warns)
	}
}

func TestEngine_Classifications_AmbiguityWarning(t *testing.T) {
	e := NewEngine(testRegistry(t))
	obj := &schema.DataObject{Name: "x"}

	// "email_token" matches both the pii "email" rule and the secret "token"
	// rule. The first rule in the table wins and the conflict surfaces as a
	// warning.
	got, warns := e.Classifications(obj, &schema.Column{Name: "email_token"})
	if len(got) != 1 || got[0] != "pii" {
		t.Errorf("first rule should win: %v", got)
	}
	if len(warns) != 1 || warns[0].Severity != "warning" {
		t.Errorf("expected one ambiguity warning, got %v", warns)
	}
}

func lineageFor(nodeID string, whole bool, cols ...string) *interp.Lineage {
	l := interp.NewLineage()
	if whole {
		l.RecordObject(nodeID, "customer")
	}
	for _, c := range cols {
		l.RecordColumn(nodeID, "customer", c)
	}
	return l
}

func TestEngine_Apply_InjectsTransformations(t *testing.T) {
	registry := testRegistry(t)
	e := NewEngine(registry)

	node := &engine.ResourceNode{Kind: "postgres_table", Name: "customers", Block: engine.BlockCreate, Raw: map[string]interface{}{}}
	g := engine.NewDependencyGraph()
	if err := g.AddNode(node); err != nil {
		t.Fatal(err)
	}

	diags, err := e.Apply(g, lineageFor(node.ID(), true))
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range diags {
		if d.Severity == "error" {
			t.Fatalf("unexpected error diagnostic: %+v", d)
		}
	}

	attr, ok := node.Resolved["column_transformations"].(map[string]interface{})
	if !ok {
		t.Fatalf("column_transformations not injected: %v", node.Resolved)
	}

	email, ok := attr["email_address"].(map[string]interface{})
	if !ok {
		t.Fatalf("email_address transformation missing: %v", attr)
	}
	if email["encryption_method"] != "pgcrypto_aes256" || email["masking_rule"] != "partial" {
		t.Errorf("postgres pii requirement not applied: %v", email)
	}

	token, ok := attr["api_token"].(map[string]interface{})
	if !ok {
		t.Fatalf("api_token transformation missing: %v", attr)
	}
	// secret only defines a wildcard requirement.
	if token["encryption_method"] != "vault_transit" {
		t.Errorf("wildcard requirement not applied: %v", token)
	}

	if _, ok := attr["id"]; ok {
		t.Error("unclassified column should not appear")
	}
}

func TestEngine_Apply_SingleColumnLineage(t *testing.T) {
	e := NewEngine(testRegistry(t))

	node := &engine.ResourceNode{Kind: "postgres_view", Name: "emails", Block: engine.BlockCreate, Raw: map[string]interface{}{}}
	g := engine.NewDependencyGraph()
	if err := g.AddNode(node); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Apply(g, lineageFor(node.ID(), false, "email_address")); err != nil {
		t.Fatal(err)
	}

	attr := node.Resolved["column_transformations"].(map[string]interface{})
	if len(attr) != 1 {
		t.Errorf("only the derived column should carry requirements: %v", attr)
	}
}

func TestEngine_Apply_RemovesStaleAttribute(t *testing.T) {
	e := NewEngine(testRegistry(t))

	node := &engine.ResourceNode{Kind: "postgres_table", Name: "plain", Block: engine.BlockCreate, Raw: map[string]interface{}{}}
	if err := node.SetResolved("column_transformations", map[string]interface{}{"old": true}); err != nil {
		t.Fatal(err)
	}
	g := engine.NewDependencyGraph()
	if err := g.AddNode(node); err != nil {
		t.Fatal(err)
	}

	// Lineage now only touches the unclassified id column.
	if _, err := e.Apply(g, lineageFor(node.ID(), false, "id")); err != nil {
		t.Fatal(err)
	}
	if _, ok := node.Resolved["column_transformations"]; ok {
		t.Error("stale attribute should be removed")
	}
}

func TestEngine_Apply_UndefinedClassificationWarns(t *testing.T) {
	registry := schema.NewRegistry()
	if err := registry.Register(&schema.DataObject{
		Name:    "orders",
		Columns: []schema.Column{{Name: "total", Classifications: []string{"undeclared"}}},
	}); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(registry)

	node := &engine.ResourceNode{Kind: "postgres_table", Name: "orders", Block: engine.BlockCreate, Raw: map[string]interface{}{}}
	g := engine.NewDependencyGraph()
	if err := g.AddNode(node); err != nil {
		t.Fatal(err)
	}
	l := interp.NewLineage()
	l.RecordColumn(node.ID(), "orders", "total")

	diags, err := e.Apply(g, l)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range diags {
		if d.Severity == "warning" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected warning for undefined classification, got %v", diags)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `classifications:
  - name: gdpr
    description: EU personal data
    requirements:
      postgres:
        encryption_method: pgcrypto_aes256
        masking_rule: hash
patterns:
  - fragment: subject
    classification: gdpr
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := schema.NewRegistry()
	rules, err := LoadRules(path, registry)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Fragment != "subject" || rules[0].Classification != "gdpr" {
		t.Errorf("unexpected rules: %+v", rules)
	}

	cls := registry.Classification("gdpr")
	if cls == nil {
		t.Fatal("classification not registered")
	}
	req, ok := cls.RequirementFor("postgres")
	if !ok || req.EncryptionMethod != "pgcrypto_aes256" {
		t.Errorf("unexpected requirement: %+v", req)
	}
}

func TestLoadRules_InvalidPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("patterns:\n  - fragment: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path, schema.NewRegistry()); err == nil {
		t.Error("expected validation error for pattern without classification")
	}
}

func TestDefaultRules_NationalIdentifiersOutrankStandardPII(t *testing.T) {
	e := NewEngine(schema.NewRegistry())
	obj := &schema.DataObject{Name: "person"}

	tests := []struct {
		column string
		want   string
	}{
		{"ssn", "sensitive_pii"},
		{"customer_ssn_hash", "sensitive_pii"},
		{"passport_number", "sensitive_pii"},
		{"social_security_no", "sensitive_pii"},
		{"email", "pii"},
		{"phone_number", "pii"},
	}
	for _, tt := range tests {
		got, warns := e.Classifications(obj, &schema.Column{Name: tt.column})
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s classified %v, want %s", tt.column, got, tt.want)
		}
		if len(warns) != 0 {
			t.Errorf("%s: unexpected warnings %v", tt.column, warns)
		}
	}
}

func TestPatternRule_Matches_CaseInsensitive(t *testing.T) {
	r := PatternRule{Fragment: "Email", Classification: "pii"}
	if !r.Matches("USER_EMAIL") {
		t.Error("matching should be case-insensitive")
	}
	if r.Matches("username") {
		t.Error("unexpected match")
	}
}
