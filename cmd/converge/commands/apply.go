package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		parallel int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "apply [config...]",
		Short: "Apply the declared resources",
		Long: `Apply reconciles the declared resources against the stored snapshot:
plan, policy gate, parallel execution, transactional commit.

Interrupting an apply stops dispatching new steps; in-flight steps run to
completion and their results are still committed. The exit code is zero
only when every node succeeded.`,
		Example: `  # Apply a directory of configs
  converge apply ./infra

  # Rehearse without provider calls or a commit
  converge apply ./infra --dry-run

  # Bound provider concurrency
  converge apply ./infra --parallel 4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.run(cmd.Context(), "run.apply", func(ctx context.Context) (*engine.RunReport, error) {
				return rt.runner.Apply(ctx, rt.cfg.Specs, rt.applyOptions(parallel, dryRun))
			})
			if report != nil {
				if renderErr := renderReport(cmd.OutOrStdout(), report, jsonOutput); renderErr != nil {
					return renderErr
				}
			}
			if err != nil {
				return err
			}
			return reportError(report)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "max concurrent provider calls (0 = default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the apply without provider calls or a commit")

	return cmd
}
