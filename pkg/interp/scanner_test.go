package interp

import (
	"testing"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

func TestScan_LiteralOnly(t *testing.T) {
	tokens, err := Scan("SELECT * FROM users")
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0].Kind != TokenLiteral || tokens[0].Text != "SELECT * FROM users" {
		t.Errorf("unexpected tokens: %+v", tokens)
	}
}

func TestScan_MixedLiteralAndRefs(t *testing.T) {
	tokens, err := Scan("INSERT INTO ${postgres_table.users.name} VALUES (${var.batch})")
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %d: %+v", len(tokens), tokens)
	}
	if tokens[0].Text != "INSERT INTO " {
		t.Errorf("unexpected leading literal: %q", tokens[0].Text)
	}
	ref := tokens[1].Ref
	if ref.Scope != "postgres_table" || len(ref.Path) != 2 || ref.Path[0] != "users" || ref.Path[1] != "name" {
		t.Errorf("unexpected reference: %+v", ref)
	}
	if ref.Raw != "${postgres_table.users.name}" {
		t.Errorf("Raw should keep delimiters: %q", ref.Raw)
	}
	if tokens[3].Ref.Scope != ScopeVar {
		t.Errorf("unexpected scope: %q", tokens[3].Ref.Scope)
	}
}

func TestScan_EscapedDollarBrace(t *testing.T) {
	tokens, err := Scan("literal $${not.a.ref} text")
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0].Text != "literal ${not.a.ref} text" {
		t.Errorf("escape not unwrapped: %+v", tokens)
	}
}

func TestScan_NestedBraces(t *testing.T) {
	tokens, err := Scan(`${discover.schema.parsed.fields["user_{id}"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0].Kind != TokenRef {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	// The brace inside the quoted string must not close the token.
	if tokens[0].Ref.Raw != `${discover.schema.parsed.fields["user_{id}"]}` {
		t.Errorf("unexpected raw token: %q", tokens[0].Ref.Raw)
	}
}

func TestScan_UnbalancedBrace(t *testing.T) {
	_, err := Scan("before ${var.unclosed")
	if err == nil {
		t.Fatal("expected unbalanced brace error")
	}
	if !engine.HasCode(err, engine.ErrCodeSyntax) {
		t.Errorf("expected syntax error code, got %v", err)
	}
}

func TestScan_EmptyReference(t *testing.T) {
	if _, err := Scan("${  }"); err == nil {
		t.Error("expected error for empty reference")
	}
}

func TestScan_MalformedReference(t *testing.T) {
	if _, err := Scan("${var..name}"); err == nil {
		t.Error("expected error for empty path segment")
	}
}

func TestReference_Target(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"${postgres_table.users.name}", "postgres_table.users"},
		{"${discover.order_schema.content}", "discover.order_schema"},
		{"${var.environment}", ""},
		{"${env.HOME}", ""},
		{"${data_object.customer.columns}", ""},
	}
	for _, tc := range cases {
		refs, err := ScanRefs(tc.expr)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if got := refs[0].Target(); got != tc.want {
			t.Errorf("%s: Target() = %q, want %q", tc.expr, got, tc.want)
		}
	}
}

func TestParseReference_QualifiedDataObjectScope(t *testing.T) {
	refs, err := ScanRefs("${kolumn_data_object.customer.columns}")
	if err != nil {
		t.Fatal(err)
	}
	if refs[0].Scope != ScopeDataObject {
		t.Errorf("kolumn_data_object should normalize to %s, got %s", ScopeDataObject, refs[0].Scope)
	}
}
