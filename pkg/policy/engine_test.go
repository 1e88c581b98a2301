package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	kolengine "github.com/kolumn-data/kolumn/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func planWithOps(ops ...kolengine.Operation) *kolengine.Plan {
	return &kolengine.Plan{ID: "plan-test", Operations: ops}
}

func TestEngine_EvaluatePlan_CleanPlanAllowed(t *testing.T) {
	e := newTestEngine(t)

	plan := planWithOps(kolengine.Operation{
		ResourceID: "postgres_table.users",
		Action:     kolengine.OperationCreate,
		Attributes: map[string]interface{}{
			"name": "users",
			"column_transformations": map[string]interface{}{
				"email": map[string]interface{}{
					"classifications":   []interface{}{"pii"},
					"encryption_method": "pgcrypto_aes256",
					"masking_rule":      "partial",
				},
			},
		},
	})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("encrypted classified column should pass: %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestEngine_EvaluatePlan_UnencryptedClassificationBlocks(t *testing.T) {
	e := newTestEngine(t)

	plan := planWithOps(kolengine.Operation{
		ResourceID: "postgres_table.users",
		Action:     kolengine.OperationCreate,
		Attributes: map[string]interface{}{
			"column_transformations": map[string]interface{}{
				"email": map[string]interface{}{
					"classifications": []interface{}{"pii"},
				},
			},
		},
	})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("classified column without encryption must block the plan")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "classified-encryption" {
			found = true
			if v.ResourceID != "postgres_table.users" {
				t.Errorf("violation missing resource: %+v", v)
			}
			if !strings.Contains(v.Message, "email") {
				t.Errorf("violation should name the column: %s", v.Message)
			}
		}
	}
	if !found {
		t.Errorf("classified-encryption violation not raised: %+v", result.Violations)
	}
}

func TestEngine_EvaluatePlan_SecretWithoutMaskingIsCritical(t *testing.T) {
	e := newTestEngine(t)

	plan := planWithOps(kolengine.Operation{
		ResourceID: "postgres_table.credentials",
		Action:     kolengine.OperationCreate,
		Attributes: map[string]interface{}{
			"column_transformations": map[string]interface{}{
				"api_token": map[string]interface{}{
					"classifications":   []interface{}{"secret"},
					"encryption_method": "vault_transit",
				},
			},
		},
	})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("unmasked secret column must block the plan")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "secret-plaintext" && v.Severity == string(SeverityCritical) {
			found = true
		}
	}
	if !found {
		t.Errorf("secret-plaintext violation not raised: %+v", result.Violations)
	}
}

func TestEngine_EvaluatePlan_DeleteWarnsButAllows(t *testing.T) {
	e := newTestEngine(t)

	plan := planWithOps(kolengine.Operation{
		ResourceID: "postgres_table.legacy",
		Action:     kolengine.OperationDelete,
	})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("a warning-only plan must stay allowed: %+v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "destructive-change" && v.Severity == string(SeverityWarning) {
			found = true
		}
	}
	if !found {
		t.Errorf("destructive-change warning not raised: %+v", result.Violations)
	}
}

func TestEngine_EvaluatePlan_EmptyPlan(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.EvaluatePlan(context.Background(), planWithOps())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("empty plan should be clean: %+v", result)
	}
}

func TestEngine_ListPolicies(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("expected 3 built-in policies, got %d", len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("policies not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}

	if _, err := e.GetPolicy("destructive-change"); err != nil {
		t.Errorf("built-in policy lookup failed: %v", err)
	}
	if _, err := e.GetPolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestEngine_LoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	custom := `package custom.naming

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.action == "create"
	not startswith(op.resource_id, "postgres_")
	violation := {
		"message": sprintf("resource %s is outside the allowed provider", [op.resource_id]),
		"severity": "error",
		"resource": op.resource_id,
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "naming.rego"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetPolicy("naming"); err != nil {
		t.Fatalf("custom policy not registered: %v", err)
	}

	plan := planWithOps(kolengine.Operation{
		ResourceID: "kafka_topic.events",
		Action:     kolengine.OperationCreate,
		Attributes: map[string]interface{}{},
	})
	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Errorf("custom policy should block: %+v", result.Violations)
	}
}

func TestExtractPackageName(t *testing.T) {
	if got := extractPackageName("package kolumn.policies.secrets\n\ndeny := []"); got != "kolumn.policies.secrets" {
		t.Errorf("unexpected package: %s", got)
	}
	if got := extractPackageName("deny := []"); got != "kolumn.policies" {
		t.Errorf("expected fallback package, got %s", got)
	}
}
