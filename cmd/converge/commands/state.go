package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/pkg/statestore"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage the state database",
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateHistoryCommand())
	cmd.AddCommand(newStateUnlockCommand())

	return cmd
}

// openStore opens the state database without the rest of the runtime.
func openStore(ctx context.Context) (*statestore.SQLiteStore, error) {
	store, err := statestore.NewSQLiteStore(statestore.SQLiteConfig{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			return renderSnapshot(cmd.OutOrStdout(), snap, jsonOutput)
		},
	}
}

func newStateHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List committed snapshot serials, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			serials, err := store.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(serials) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No commits recorded.")
				return nil
			}
			for _, serial := range serials {
				fmt.Fprintf(cmd.OutOrStdout(), "serial %d\n", serial)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries to list")

	return cmd
}

func newStateUnlockCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale state lock",
		Long: `Unlock removes the state lock left behind by a crashed run. Only use
this when no other converge process is running; a concurrent commit under
a force-removed lock can corrupt the serial chain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to unlock without --force")
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ForceUnlock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "State lock removed.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm no other converge process is running")

	return cmd
}
