package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/pkg/config"
	"github.com/convergehq/converge/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "validate [config...]",
		Short: "Parse configs and build the resource graph",
		Long: `Validate parses the given config files or directories and builds the
dependency graph without touching state or providers.

It fails on parse errors, duplicate addresses, unresolved references, and
dependency cycles.`,
		Example: `  # Validate a directory of configs
  converge validate ./infra

  # Validate and emit the dependency graph as DOT
  converge validate ./infra --dot graph.dot`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().Load(args...)
			if err != nil {
				return err
			}

			graph, err := engine.NewGraphBuilder().Build(cfg.Specs)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Configuration valid: %d resources, %d edges, %d files.\n",
				graph.Len(), len(graph.Edges()), len(cfg.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph as DOT to this file")

	return cmd
}
