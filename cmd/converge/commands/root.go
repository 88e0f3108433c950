package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/pkg/engine"
)

var (
	// Global flags
	statePath     string
	logLevel      string
	logFormat     string
	jsonOutput    bool
	policyPaths   []string
	policyMode    string
	noPolicy      bool
	metricsListen string
	traceExporter string
	traceEndpoint string
)

// errRunFailed signals a completed run whose report demands a non-zero
// exit code. The report was already rendered; main only needs the code.
var errRunFailed = errors.New("run finished with failures")

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge - declarative infrastructure reconciliation engine",
		Long: `Converge reconciles declared resources against their last-applied state.

A run builds the dependency graph from YAML or CUE configs, diffs it
against the stored snapshot, schedules the changes into parallel batches,
applies them through a provider, and commits the results transactionally.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&statePath, "state", "s", "converge.db", "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console|json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "extra policy file or directory (repeatable)")
	rootCmd.PersistentFlags().StringVar(&policyMode, "policy-mode", "enforcing", "policy mode (enforcing|advisory)")
	rootCmd.PersistentFlags().BoolVar(&noPolicy, "no-policy", false, "skip the policy gate entirely")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "", "enable tracing with this exporter (otlp|stdout)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP gRPC endpoint for --trace-exporter=otlp")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// reportError converts a failed run report into the sentinel that maps to
// exit code 1 without re-printing anything.
func reportError(report *engine.RunReport) error {
	if report != nil && report.ExitCode() != 0 {
		return errRunFailed
	}
	return nil
}
