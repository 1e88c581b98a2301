package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the change plan",
		Long: `Compute an execution plan by comparing the declared configuration with
stored state.

The plan:
  - Loads and interpolates every .kl file in the configuration directory
  - Reads discovered files and systems lazily
  - Cascades column classifications onto consuming resources
  - Diffs resolved attributes against state snapshots
  - Orders operations topologically with deterministic tie-breaks`,
		Example: `  # Show the plan for the current directory
  kolumn plan

  # Save the plan as JSON for later apply
  kolumn plan --out plan.json

  # Emit the dependency graph for visualization
  kolumn plan --dot graph.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlan(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.policies.EvaluatePlan(cmd.Context(), p.plan)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(p.graph.ToDOT()), 0644); err != nil {
					return fmt.Errorf("writing graph: %w", err)
				}
			}
			if outFile != "" {
				if err := writePlanFile(outFile, p.plan); err != nil {
					return err
				}
				log.Info().Str("out", outFile).Msg("plan written")
			}

			if jsonOutput {
				return printJSON(struct {
					Plan   interface{} `json:"plan"`
					Policy interface{} `json:"policy"`
				}{p.plan, result})
			}

			renderPlan(p.plan)
			renderViolations(result)
			if !result.Allowed {
				return fmt.Errorf("plan rejected by policy")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output plan file path (JSON)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}

func writePlanFile(path string, plan *engine.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}
	return nil
}
