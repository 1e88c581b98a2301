package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Applier executes a plan against providers and commits state per resource.
// Creates and updates run level-parallel: operations in the same dependency
// level run concurrently, and a failure halts the run at the level boundary.
// Deletes run sequentially afterwards in the plan's reverse dependency order.
// Every successful operation commits its snapshot before the next level
// starts, so a halted run leaves state consistent with what was applied.
type Applier struct {
	graph     *DependencyGraph
	store     StateStore
	providers ProviderRegistry
	logger    zerolog.Logger

	parallelism int
	maxRetries  int
	retryDelay  time.Duration
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithApplierLogger supplies the component logger.
func WithApplierLogger(logger zerolog.Logger) ApplierOption {
	return func(a *Applier) { a.logger = logger }
}

// WithParallelism bounds concurrent operations within a dependency level.
func WithParallelism(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithRetry configures retries for transient provider failures.
func WithRetry(attempts int, delay time.Duration) ApplierOption {
	return func(a *Applier) {
		a.maxRetries = attempts
		a.retryDelay = delay
	}
}

// NewApplier creates an applier for a planned graph.
func NewApplier(graph *DependencyGraph, store StateStore, providers ProviderRegistry, opts ...ApplierOption) *Applier {
	a := &Applier{
		graph:       graph,
		store:       store,
		providers:   providers,
		logger:      zerolog.Nop(),
		parallelism: 4,
		maxRetries:  2,
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply executes the plan. The returned result reports partial success when
// a failure halted the remaining operations.
func (a *Applier) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	result := &ApplyResult{
		RunID:     uuid.NewString(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	ops := make(map[string]Operation, len(plan.Operations))
	var deletes []Operation
	for _, op := range plan.Operations {
		switch op.Action {
		case OperationCreate, OperationUpdate:
			ops[op.ResourceID] = op
		case OperationDelete:
			deletes = append(deletes, op)
		}
	}

	failed := a.applyMutations(ctx, ops, result)
	if !failed {
		failed = a.applyDeletes(ctx, deletes, result)
	} else {
		for _, op := range deletes {
			result.Skipped = append(result.Skipped, op.ResourceID)
		}
	}

	result.CompletedAt = time.Now().UTC()
	switch {
	case ctx.Err() != nil:
		result.Status = RunStatusCancelled
	case !failed:
		result.Status = RunStatusSucceeded
	case len(result.Applied) == 0 || allFailed(result.Applied):
		result.Status = RunStatusFailed
	default:
		result.Status = RunStatusPartial
	}

	a.logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Int("applied", len(result.Applied)).
		Int("skipped", len(result.Skipped)).
		Msg("apply finished")
	return result, nil
}

// applyMutations runs creates and updates level by level. It returns true
// when a failure halted the run; unstarted operations land in Skipped.
func (a *Applier) applyMutations(ctx context.Context, ops map[string]Operation, result *ApplyResult) bool {
	levels, err := a.graph.TopoLevels()
	if err != nil {
		// The planner already rejected cyclic graphs; reaching this is a bug.
		a.logger.Error().Err(err).Msg("apply on unordered graph")
		return true
	}

	var mu sync.Mutex
	halted := false

	for li, level := range levels {
		if halted {
			for _, id := range level {
				if _, ok := ops[id]; ok {
					result.Skipped = append(result.Skipped, id)
				}
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.parallelism)
		for _, id := range level {
			op, ok := ops[id]
			if !ok {
				continue
			}
			g.Go(func() error {
				applied := a.executeMutation(gctx, op)
				mu.Lock()
				result.Applied = append(result.Applied, applied)
				mu.Unlock()
				if applied.Err != nil {
					return applied.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			a.logger.Warn().Int("level", li).Err(err).Msg("halting apply after failure")
			halted = true
		}
	}
	return halted
}

// executeMutation runs one create or update, retrying transient provider
// failures, and commits the resulting snapshot.
func (a *Applier) executeMutation(ctx context.Context, op Operation) AppliedOperation {
	applied := AppliedOperation{
		ResourceID: op.ResourceID,
		Action:     op.Action,
		StartedAt:  time.Now().UTC(),
	}

	provider, err := a.providers.Get(op.ProviderKind)
	if err != nil {
		applied.Err = NewPermanentError(
			fmt.Sprintf("no provider for %s", op.ResourceID), err).
			WithCode(ErrCodeProviderFailed).
			WithResource(op.ResourceID)
		applied.CompletedAt = time.Now().UTC()
		return applied
	}

	attrs, opErr := a.withRetry(ctx, op.ResourceID, func() (map[string]interface{}, error) {
		switch op.Action {
		case OperationCreate:
			_, out, err := provider.Create(ctx, op.ResourceID, op.Attributes)
			return out, err
		default:
			return provider.Update(ctx, op.ResourceID, op.Diff, op.Attributes)
		}
	})
	if opErr != nil {
		applied.Err = classifyProviderError(op.ResourceID, opErr)
		applied.CompletedAt = time.Now().UTC()
		return applied
	}

	if attrs == nil {
		attrs = op.Attributes
	}
	snap := &Snapshot{
		ResourceID: op.ResourceID,
		Attributes: attrs,
		DependsOn:  a.graph.DependenciesOf(op.ResourceID),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := a.store.Save(ctx, snap); err != nil {
		applied.Err = NewTransientError(
			fmt.Sprintf("committing state for %s", op.ResourceID), err).
			WithCode(ErrCodeStateStore).
			WithResource(op.ResourceID)
	}
	applied.CompletedAt = time.Now().UTC()
	return applied
}

// applyDeletes removes state-only resources in plan order. Returns true when
// a failure halted the remainder.
func (a *Applier) applyDeletes(ctx context.Context, deletes []Operation, result *ApplyResult) bool {
	for i, op := range deletes {
		applied := AppliedOperation{
			ResourceID: op.ResourceID,
			Action:     OperationDelete,
			StartedAt:  time.Now().UTC(),
		}

		provider, err := a.providers.Get(op.ProviderKind)
		if err != nil {
			applied.Err = NewPermanentError(
				fmt.Sprintf("no provider for %s", op.ResourceID), err).
				WithCode(ErrCodeProviderFailed).
				WithResource(op.ResourceID)
		} else {
			_, delErr := a.withRetry(ctx, op.ResourceID, func() (map[string]interface{}, error) {
				return nil, provider.Delete(ctx, op.ResourceID)
			})
			// A resource already gone externally still clears from state.
			if delErr != nil && !HasCode(delErr, ErrCodeResourceNotFound) {
				applied.Err = classifyProviderError(op.ResourceID, delErr)
			}
		}

		if applied.Err == nil {
			if err := a.store.Delete(ctx, op.ResourceID); err != nil {
				applied.Err = NewTransientError(
					fmt.Sprintf("removing state for %s", op.ResourceID), err).
					WithCode(ErrCodeStateStore).
					WithResource(op.ResourceID)
			}
		}

		applied.CompletedAt = time.Now().UTC()
		result.Applied = append(result.Applied, applied)
		if applied.Err != nil {
			for _, rest := range deletes[i+1:] {
				result.Skipped = append(result.Skipped, rest.ResourceID)
			}
			return true
		}
	}
	return false
}

// withRetry retries transient failures with a flat delay.
func (a *Applier) withRetry(ctx context.Context, resourceID string, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			a.logger.Debug().
				Str("resource", resourceID).
				Int("attempt", attempt+1).
				Msg("retrying transient failure")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

// classifyProviderError wraps raw provider failures; classified errors pass
// through untouched.
func classifyProviderError(resourceID string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewPermanentError(
		fmt.Sprintf("provider operation on %s failed", resourceID), err).
		WithCode(ErrCodeProviderFailed).
		WithResource(resourceID)
}

func allFailed(applied []AppliedOperation) bool {
	for _, op := range applied {
		if op.Err == nil {
			return false
		}
	}
	return len(applied) > 0
}
