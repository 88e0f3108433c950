package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev [config...]",
		Short: "Re-plan on every config change",
		Long: `Dev renders the pending plan and, with --watch, keeps re-planning
whenever a config file changes. Nothing is ever applied; it is a feedback
loop for editing configs.`,
		Example: `  # One-shot plan rendering
  converge dev ./infra

  # Keep watching for edits
  converge dev ./infra --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runDevPlan(cmd, args); err != nil {
				// In watch mode a broken config is something to fix and
				// save again, not a reason to exit.
				if !watch {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			}
			if !watch {
				return nil
			}
			return watchConfigs(cmd, args, debounce)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan whenever a config file changes")
	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "quiet period before re-planning")

	return cmd
}

// runDevPlan loads the configs and renders the pending plan once.
func runDevPlan(cmd *cobra.Command, paths []string) error {
	rt, err := newRuntime(cmd.Context(), paths)
	if err != nil {
		return err
	}
	defer rt.Close()

	pr, err := rt.runner.Plan(cmd.Context(), rt.cfg.Specs)
	if err != nil {
		return err
	}
	return renderPlan(cmd.OutOrStdout(), pr, jsonOutput)
}

// watchConfigs re-runs the plan whenever a watched config file changes,
// debouncing editor save bursts.
func watchConfigs(cmd *cobra.Command, paths []string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Watching for config changes. Ctrl+C to stop.")

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-cmd.Context().Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			fmt.Fprintln(cmd.OutOrStdout())
			if err := runDevPlan(cmd, paths); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Watch error: %v\n", err)
		}
	}
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}
