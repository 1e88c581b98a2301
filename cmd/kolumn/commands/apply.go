package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/stores"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the computed plan",
		Long: `Compute a plan and execute it against the configured providers.

Creates and updates run in dependency order with configurable parallelism
within each level. Deletes run last, dependents first. Each successful
operation commits its state snapshot immediately, so an interrupted apply
leaves state matching exactly what was applied.`,
		Example: `  # Plan and apply with confirmation
  kolumn apply

  # Apply without interactive confirmation
  kolumn apply --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := buildPlan(ctx, true)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.policies.EvaluatePlan(ctx, p.plan)
			if err != nil {
				return err
			}
			if !jsonOutput {
				renderPlan(p.plan)
				renderViolations(result)
			}
			if !result.Allowed {
				return fmt.Errorf("plan rejected by policy")
			}
			if !p.plan.Changes() {
				fmt.Println("No changes. Resources are up to date.")
				return nil
			}

			if !autoApprove {
				fmt.Print("\nDo you want to perform these actions? Only 'yes' will be accepted: ")
				var answer string
				_, _ = fmt.Scanln(&answer)
				if answer != "yes" {
					return fmt.Errorf("apply cancelled")
				}
			}

			if err := recordRunStart(ctx, p); err != nil {
				return err
			}

			applyCtx, span := startSpan(ctx, "apply",
				attribute.String("plan_id", p.plan.ID))
			applier := engine.NewApplier(p.graph, p.store, p.providers,
				engine.WithApplierLogger(log.Logger),
				engine.WithParallelism(parallelism))
			applyResult, err := applier.Apply(applyCtx, p.plan)
			span.End()
			if err != nil {
				return err
			}
			recordApplyMetrics(applyResult)

			if err := recordRunFinish(ctx, p, applyResult); err != nil {
				log.Warn().Err(err).Msg("failed to record run history")
			}

			if jsonOutput {
				return printJSON(applyResult)
			}

			fmt.Printf("\nApply %s: %d applied, %d skipped.\n",
				applyResult.Status, len(applyResult.Applied), len(applyResult.Skipped))
			for _, op := range applyResult.Applied {
				if op.Err != nil {
					fmt.Printf("  %s %s failed: %s\n", op.Action, op.ResourceID, op.Err.Message)
				}
			}
			if applyResult.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("apply finished with status %s", applyResult.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive confirmation")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "concurrent operations per dependency level")

	return cmd
}

// recordApplyMetrics counts executed operations and failed-operation classes.
func recordApplyMetrics(result *engine.ApplyResult) {
	for _, op := range result.Applied {
		status := "succeeded"
		if op.Err != nil {
			status = "failed"
			metrics.RecordError(string(op.Err.Class))
		}
		metrics.RecordOperation(string(op.Action), status,
			op.CompletedAt.Sub(op.StartedAt))
	}
}

// recordRunStart persists a running run record before execution begins.
func recordRunStart(ctx context.Context, p *pipeline) error {
	if p.sqlite == nil {
		return nil
	}
	// Run records key on the plan ID; one apply per computed plan.
	return p.sqlite.CreateRun(ctx, &stores.RunRecord{
		ID:        p.plan.ID,
		PlanID:    p.plan.ID,
		Status:    string(engine.RunStatusRunning),
		StartedAt: time.Now().UTC(),
	})
}

// recordRunFinish persists the final run status and per-operation outcomes.
func recordRunFinish(ctx context.Context, p *pipeline, result *engine.ApplyResult) error {
	if p.sqlite == nil {
		return nil
	}

	var errMsg *string
	for _, op := range result.Applied {
		rec := &stores.OperationRecord{
			RunID:       p.plan.ID,
			ResourceID:  op.ResourceID,
			Action:      string(op.Action),
			StartedAt:   op.StartedAt,
			CompletedAt: op.CompletedAt,
		}
		if op.Err != nil {
			msg := op.Err.Message
			rec.Error = &msg
			if errMsg == nil {
				errMsg = &msg
			}
		}
		if err := p.sqlite.RecordOperation(ctx, rec); err != nil {
			return err
		}
	}
	return p.sqlite.FinishRun(ctx, p.plan.ID, string(result.Status), errMsg)
}
