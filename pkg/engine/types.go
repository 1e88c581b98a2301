package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BlockKind identifies the declaration block a node originated from.
type BlockKind string

const (
	// BlockProvider declares a provider configuration.
	BlockProvider BlockKind = "provider"

	// BlockCreate declares a managed resource.
	BlockCreate BlockKind = "create"

	// BlockDiscover declares an external file or system to be read into the graph.
	BlockDiscover BlockKind = "discover"

	// BlockDataObject declares a reusable schema definition.
	BlockDataObject BlockKind = "data_object"

	// BlockOutput declares a value exported from the configuration.
	BlockOutput BlockKind = "output"

	// BlockVariable declares a configuration variable.
	BlockVariable BlockKind = "variable"
)

// Expr is a raw attribute expression as written in configuration. It may
// contain `${...}` reference tokens and stays unevaluated until the
// interpolation engine resolves it.
type Expr string

// ContainsRef reports whether the expression carries at least one unescaped
// `${...}` reference token.
func (e Expr) ContainsRef() bool {
	s := string(e)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '{' {
			if i > 0 && s[i-1] == '$' {
				i++
				continue
			}
			return true
		}
	}
	return false
}

// SourceRange locates a declaration in its source document.
type SourceRange struct {
	// File is the path of the declaring document.
	File string `json:"file"`

	// Line is the 1-based line of the declaration.
	Line int `json:"line"`

	// Column is the 1-based column of the declaration.
	Column int `json:"column"`
}

func (r SourceRange) String() string {
	return fmt.Sprintf("%s:%d,%d", r.File, r.Line, r.Column)
}

// Diagnostic is a recoverable, per-node problem surfaced in plan output
// instead of aborting the run. Discovery read failures are the typical case.
type Diagnostic struct {
	// Severity is "error" or "warning".
	Severity string `json:"severity"`

	// Summary is a short human-readable description.
	Summary string `json:"summary"`

	// ResourceID is the node the diagnostic is attached to.
	ResourceID string `json:"resource_id,omitempty"`

	// Err carries the classified error, if one exists.
	Err *EngineError `json:"error,omitempty"`
}

// ResourceNode is a single declared resource in the dependency graph. Identity
// is (kind, name), unique within a configuration. Raw holds unresolved
// attribute expressions as loaded; Resolved is populated by the interpolation
// engine. A node becomes immutable once it has been planned.
type ResourceNode struct {
	// Kind is the resource kind, e.g. "postgres_table" or "kafka_topic".
	Kind string `json:"kind"`

	// Name is the resource name, unique within its kind.
	Name string `json:"name"`

	// Block is the declaring block kind.
	Block BlockKind `json:"block"`

	// Decl is the source location of the declaration.
	Decl SourceRange `json:"decl"`

	// Raw maps attribute names to raw values. Leaves are either native Go
	// literals or Expr values awaiting interpolation. Nested objects and
	// lists appear as map[string]interface{} and []interface{}.
	Raw map[string]interface{} `json:"raw"`

	// Resolved maps attribute names to concrete post-interpolation values.
	Resolved map[string]interface{} `json:"resolved,omitempty"`

	// DependsOn lists explicitly declared dependency node IDs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Diagnostics holds recoverable problems attached to this node.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	planned bool
}

// ID returns the node identity in "kind.name" form.
func (n *ResourceNode) ID() string {
	return n.Kind + "." + n.Name
}

// ProviderKind returns the provider selector for this node: the leading
// segment of the kind ("postgres_table" -> "postgres").
func (n *ResourceNode) ProviderKind() string {
	if i := strings.Index(n.Kind, "_"); i > 0 {
		return n.Kind[:i]
	}
	return n.Kind
}

// SetResolved records a resolved attribute value. It fails once the node has
// been planned: planned nodes are immutable.
func (n *ResourceNode) SetResolved(key string, value interface{}) error {
	if n.planned {
		return NewPermanentError("node is immutable after planning", nil).
			WithCode(ErrCodeInternal).
			WithResource(n.ID())
	}
	if n.Resolved == nil {
		n.Resolved = make(map[string]interface{})
	}
	n.Resolved[key] = value
	return nil
}

// MarkPlanned freezes the node. Further SetResolved calls fail.
func (n *ResourceNode) MarkPlanned() {
	n.planned = true
}

// Planned reports whether the node has been frozen by the planner.
func (n *ResourceNode) Planned() bool {
	return n.planned
}

// AddDiagnostic attaches a recoverable problem to the node.
func (n *ResourceNode) AddDiagnostic(severity, summary string, err *EngineError) {
	n.Diagnostics = append(n.Diagnostics, Diagnostic{
		Severity:   severity,
		Summary:    summary,
		ResourceID: n.ID(),
		Err:        err,
	})
}

// OperationType represents the planned action for a resource.
type OperationType string

const (
	// OperationCreate indicates a new resource should be created.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates an existing resource should be updated.
	OperationUpdate OperationType = "update"

	// OperationDelete indicates a resource present in state but absent from
	// configuration should be destroyed.
	OperationDelete OperationType = "delete"

	// OperationNoop indicates the resource already matches its snapshot.
	OperationNoop OperationType = "no-op"
)

// IsMutating returns true if the operation changes external state.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ChangeAction represents the kind of change to a single attribute.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new attribute is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates an attribute is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates an attribute value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// Change is a single attribute-level difference between the desired
// configuration and the stored snapshot.
type Change struct {
	// Path is the dotted attribute path, e.g. "columns.email.encryption".
	Path string `json:"path"`

	// Before is the stored value, nil for additions.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value, nil for removals.
	After interface{} `json:"after,omitempty"`

	// Action describes the change.
	Action ChangeAction `json:"action"`
}

// Operation is one entry in a plan: an action on a single resource together
// with its attribute-level diff.
type Operation struct {
	// ResourceID is the node identity in "kind.name" form.
	ResourceID string `json:"resource_id"`

	// Action is the planned operation.
	Action OperationType `json:"action"`

	// Diff lists the attribute-level changes. Empty for no-op.
	Diff []Change `json:"diff,omitempty"`

	// Attributes is the full desired attribute set after the operation.
	// Nil for deletes.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// ProviderKind selects the provider that executes this operation.
	ProviderKind string `json:"provider_kind,omitempty"`
}

// Plan is the ordered operation list produced by the planner. Creates and
// updates appear in topological order; deletes appear afterwards in reverse
// dependency order so dependents are removed before their dependencies.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Operations is the deterministic, ordered operation sequence.
	Operations []Operation `json:"operations"`

	// Diagnostics collects recoverable per-node problems from discovery.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// Summary provides operation counts.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update.
	ToUpdate int `json:"to_update"`

	// ToDelete is the number of resources to delete.
	ToDelete int `json:"to_delete"`

	// NoChange is the number of resources already in their desired state.
	NoChange int `json:"no_change"`
}

// Changes reports whether the plan carries at least one mutating operation.
func (p *Plan) Changes() bool {
	return p.Summary.ToCreate+p.Summary.ToUpdate+p.Summary.ToDelete > 0
}

// Snapshot is the persisted attribute state of a single resource, the unit
// the state store loads and saves.
type Snapshot struct {
	// ResourceID is the node identity in "kind.name" form.
	ResourceID string `json:"resource_id"`

	// Attributes is the resolved attribute set at the time of the last apply.
	Attributes map[string]interface{} `json:"attributes"`

	// DependsOn records the dependency edges at apply time so deletes of
	// since-removed resources can still be ordered correctly.
	DependsOn []string `json:"depends_on,omitempty"`

	// Serial increments on every committed write, for optimistic locking.
	Serial int64 `json:"serial"`

	// UpdatedAt is when the snapshot was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every operation applied successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed before applying anything.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some operations applied before a failure
	// halted the remainder.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// AppliedOperation records the outcome of one executed operation.
type AppliedOperation struct {
	// ResourceID is the resource the operation acted on.
	ResourceID string `json:"resource_id"`

	// Action is the operation that was executed.
	Action OperationType `json:"action"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Err is the failure, if the operation failed.
	Err *EngineError `json:"error,omitempty"`
}

// ApplyResult reports the outcome of executing a plan, including partial
// success when a provider failure halts the remaining operations.
type ApplyResult struct {
	// RunID is the unique identifier for this apply run.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the final run status.
	Status RunStatus `json:"status"`

	// Applied lists operations that completed, in execution order.
	Applied []AppliedOperation `json:"applied"`

	// Skipped lists resource IDs whose operations never started because an
	// earlier failure halted the run.
	Skipped []string `json:"skipped,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`
}

// SortNodeIDs sorts node IDs lexicographically, the deterministic tie-break
// used everywhere plan ordering matters.
func SortNodeIDs(ids []string) {
	sort.Strings(ids)
}
