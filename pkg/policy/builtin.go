package policy

// BuiltinPolicies returns the governance policies every plan is checked
// against.
func BuiltinPolicies() []Policy {
	return []Policy{
		classifiedEncryptionPolicy(),
		destructiveChangePolicy(),
		secretPlaintextPolicy(),
	}
}

// classifiedEncryptionPolicy blocks plans where a classified column reaches a
// provider without an encryption method.
func classifiedEncryptionPolicy() Policy {
	return Policy{
		Name:        "classified-encryption",
		Description: "Columns carrying classifications must specify an encryption method",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"governance", "classification"},
		Rego: `package kolumn.policies.classification

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.action != "delete"
	some col, spec in op.attributes.column_transformations
	count(spec.classifications) > 0
	not spec.encryption_method
	violation := {
		"message": sprintf("column %s of %s carries %v but no encryption method", [col, op.resource_id, spec.classifications]),
		"severity": "error",
		"resource": op.resource_id,
	}
}
`,
	}
}

// destructiveChangePolicy surfaces deletes so operators see data loss before
// approving an apply.
func destructiveChangePolicy() Policy {
	return Policy{
		Name:        "destructive-change",
		Description: "Flags operations that destroy existing resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		Rego: `package kolumn.policies.lifecycle

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.action == "delete"
	violation := {
		"message": sprintf("plan destroys %s and its data", [op.resource_id]),
		"severity": "warning",
		"resource": op.resource_id,
	}
}
`,
	}
}

// secretPlaintextPolicy blocks secret-classified columns that lack both
// encryption and masking.
func secretPlaintextPolicy() Policy {
	return Policy{
		Name:        "secret-plaintext",
		Description: "Secret-classified columns must be both encrypted and masked",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"governance", "secrets"},
		Rego: `package kolumn.policies.secrets

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.action != "delete"
	some col, spec in op.attributes.column_transformations
	"secret" in spec.classifications
	not spec.masking_rule
	violation := {
		"message": sprintf("secret column %s of %s has no masking rule", [col, op.resource_id]),
		"severity": "critical",
		"resource": op.resource_id,
	}
}
`,
	}
}
