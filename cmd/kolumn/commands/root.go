package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolumn-data/kolumn/pkg/telemetry"
)

var (
	// Global flags
	configDir  string
	statePath  string
	varFlags   []string
	rulesPath  string
	verbose    bool
	jsonOutput bool

	// Telemetry handles installed by Execute.
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
)

// Telemetry bundles the instrumentation handles the binary passes down to
// the command layer.
type Telemetry struct {
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
}

// Execute runs the root command
func Execute(ctx context.Context, tel Telemetry, version, commit, buildDate string) error {
	tracer = tel.Tracer
	metrics = tel.Metrics
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kolumn",
		Short: "Kolumn - Declarative Data Resource Engine",
		Long: `Kolumn reconciles declared data resources (tables, topics, files) against
their actual state through a plan/apply cycle.

Features:
  - Declarative .kl configuration with ${} interpolation
  - Cross-resource references with automatic dependency ordering
  - Data object schemas shared across providers
  - Column classification with cascading security requirements
  - Lazy discovery of external files and systems
  - Policy enforcement on computed plans`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configDir, "chdir", "C", ".", "configuration directory")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "kolumn.db", "state database path")
	rootCmd.PersistentFlags().StringArrayVar(&varFlags, "var", nil, "set a variable, name=value (repeatable)")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "classification-rules", "", "classification rules YAML file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}
