package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/task"
)

var retryErrored bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload pending tasks to the team memory store",
	Long: `Upload pending tasks to the team memory store.

Requires sync to be enabled with a team id and access token:
  settings:
    sync:
      enabled: true
      team_id: your-team
      access_token: ...

Example:
  driftwatch sync
  driftwatch sync --retry   # resubmit tasks that previously failed`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&retryErrored, "retry", false, "Move errored tasks back to pending before syncing")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	initLogging(cfg)

	store, err := task.NewSQLiteStore(cfg.Settings.Store.TaskDBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if retryErrored {
		n, err := store.ResetErrored()
		if err != nil {
			return fmt.Errorf("failed to reset errored tasks: %w", err)
		}
		if n > 0 {
			fmt.Printf("Requeued %d errored task(s)\n", n)
		}
	}

	engine := task.NewEngine(store, task.NewAPIClient(cfg.Settings.Sync), cfg.Settings.Sync)
	result, err := engine.SyncPending(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("Synced %d task(s), %d failed\n", result.Synced, result.Failed)
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d task(s) failed to sync", result.Failed)
	}
	return nil
}
