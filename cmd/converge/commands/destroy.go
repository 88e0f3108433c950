package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		parallel    int
		dryRun      bool
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource in the state",
		Long: `Destroy plans the deletion of everything recorded in the snapshot and
applies it in reverse dependency order. Policies still gate the run, so
protected resources block it unless the gate is advisory or disabled.`,
		Example: `  # Delete everything, with confirmation
  converge destroy

  # Skip the confirmation prompt
  converge destroy --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !autoApprove && !dryRun {
				fmt.Fprint(cmd.OutOrStdout(), "Destroy all resources in state? Only 'yes' proceeds: ")
				var answer string
				fmt.Fscanln(cmd.InOrStdin(), &answer)
				if answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Destroy cancelled.")
					return nil
				}
			}

			report, err := rt.run(cmd.Context(), "run.destroy", func(ctx context.Context) (*engine.RunReport, error) {
				return rt.runner.Destroy(ctx, rt.applyOptions(parallel, dryRun))
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
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the destroy without provider calls or a commit")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")

	return cmd
}
