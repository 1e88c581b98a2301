// Package schema holds data object definitions, the single source of truth
// for column structure, and the classifications their columns reference.
package schema

import "fmt"

// Column is a single column within a data object. Order matters: generated
// SQL and rendered output preserve declaration order.
type Column struct {
	// Name is the column name, unique within its data object.
	Name string `json:"name" yaml:"name"`

	// Type is the logical column type, e.g. "uuid", "varchar(255)", "timestamp".
	Type string `json:"type" yaml:"type"`

	// Nullable indicates whether the column accepts NULL.
	Nullable bool `json:"nullable,omitempty" yaml:"nullable,omitempty"`

	// PrimaryKey marks the column as part of the primary key.
	PrimaryKey bool `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`

	// Default is the column default expression, if any.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`

	// Classifications lists the names of explicitly declared classifications.
	// A column with none is implicitly unclassified.
	Classifications []string `json:"classifications,omitempty" yaml:"classifications,omitempty"`
}

// DataObject is a named, ordered column schema. It is owned by the registry
// and consumed read-only by every resource node that inherits its columns;
// only explicit edits in source configuration mutate it.
type DataObject struct {
	// Name is the data object name, unique within a configuration.
	Name string `json:"name" yaml:"name"`

	// Columns is the ordered column sequence.
	Columns []Column `json:"columns" yaml:"columns"`

	// Decl records the declaring file for error reporting.
	DeclFile string `json:"decl_file,omitempty" yaml:"-"`
	DeclLine int    `json:"decl_line,omitempty" yaml:"-"`
}

// Column returns the named column, or nil when absent.
func (d *DataObject) Column(name string) *Column {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns column names in declaration order.
func (d *DataObject) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Transformation is the provider-specific treatment applied to a classified
// column before it reaches the external system.
type Transformation struct {
	// EncryptionMethod names the at-rest encryption, e.g. "pgcrypto_aes256".
	EncryptionMethod string `json:"encryption_method,omitempty" yaml:"encryption_method,omitempty"`

	// MaskingRule names the read-path masking, e.g. "partial_email".
	MaskingRule string `json:"masking_rule,omitempty" yaml:"masking_rule,omitempty"`
}

// Empty reports whether the transformation carries no directives.
func (t Transformation) Empty() bool {
	return t.EncryptionMethod == "" && t.MaskingRule == ""
}

// Classification is a named security tag carrying per-provider-kind
// transformation rules.
type Classification struct {
	// Name is the classification name, e.g. "pii", "sensitive_pii".
	Name string `json:"name" yaml:"name"`

	// Description is optional human-readable documentation.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Requirements maps a provider kind ("postgres", "kafka") to the
	// transformation every column tagged with this classification receives
	// on resources of that provider.
	Requirements map[string]Transformation `json:"requirements" yaml:"requirements"`
}

// RequirementFor returns the transformation for a provider kind. The "*"
// entry acts as a fallback for kinds without an explicit rule.
func (c *Classification) RequirementFor(providerKind string) (Transformation, bool) {
	if t, ok := c.Requirements[providerKind]; ok {
		return t, true
	}
	if t, ok := c.Requirements["*"]; ok {
		return t, true
	}
	return Transformation{}, false
}

func (c *Classification) String() string {
	return fmt.Sprintf("classification %q (%d provider rules)", c.Name, len(c.Requirements))
}
