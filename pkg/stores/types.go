// Package stores provides persistent state storage for resource snapshots
// and apply run history, backed by SQLite.
package stores

import (
	"time"
)

// RunRecord is the persisted history entry for one apply run.
type RunRecord struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// PlanID is the plan this run executed.
	PlanID string `json:"plan_id"`

	// Status is the final run status ("running" until finished).
	Status string `json:"status"`

	// Error holds the failure message for failed or partial runs.
	Error *string `json:"error,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished, nil while running.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OperationRecord is the persisted outcome of one executed operation.
type OperationRecord struct {
	// RunID is the run the operation belonged to.
	RunID string `json:"run_id"`

	// ResourceID is the resource acted on.
	ResourceID string `json:"resource_id"`

	// Action is the operation type that executed.
	Action string `json:"action"`

	// Error holds the failure message, nil on success.
	Error *string `json:"error,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
}
