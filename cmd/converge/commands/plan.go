package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan [config...]",
		Short: "Show what an apply would change",
		Long: `Plan diffs the declared resources against the stored snapshot and
renders the resulting change set. Nothing is applied and state is not
modified.`,
		Example: `  # Show the pending changes
  converge plan ./infra

  # Save the execution plan and the graph
  converge plan ./infra --out plan.json --dot graph.dot`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer rt.Close()

			pr, err := rt.runner.Plan(cmd.Context(), rt.cfg.Specs)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(pr.Graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}
			if outFile != "" {
				data, err := json.MarshalIndent(pr.Plan, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
			}

			return renderPlan(cmd.OutOrStdout(), pr, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the execution plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph as DOT to this file")

	return cmd
}
