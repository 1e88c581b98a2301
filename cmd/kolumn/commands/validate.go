package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load, interpolate and classify the configuration without touching state
or providers. Validation fails on syntax errors, duplicate resources,
unresolved references, reference cycles and policy violations.`,
		Example: `  # Validate the current directory
  kolumn validate

  # Validate a specific directory
  kolumn validate -C ./environments/prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlan(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.policies.EvaluatePlan(cmd.Context(), p.plan)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Valid       bool        `json:"valid"`
					Diagnostics interface{} `json:"diagnostics,omitempty"`
					Policy      interface{} `json:"policy"`
				}{result.Allowed, p.plan.Diagnostics, result})
			}

			for _, diag := range p.plan.Diagnostics {
				fmt.Printf("%s: %s\n", diag.Severity, diag.Summary)
			}
			renderViolations(result)
			if !result.Allowed {
				return fmt.Errorf("configuration is not valid")
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
	return cmd
}
