package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/capture"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/task"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Capture one agent turn from an IDE hook",
	Long: `Capture one agent turn from an IDE hook.

Invoked by the IDE after each agent turn with JSON on stdin:
  {"composer_id": "...", "workspace_path": "..."}

Waits briefly for the IDE's local store to settle, then reads the latest
conversation pair and routes it by mode: ask turns are skipped, plan turns
are buffered until the next agent turn, agent turns upload immediately.
Exits non-zero when local storage fails so the IDE surfaces the problem.`,
	RunE: runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(cmd *cobra.Command, args []string) error {
	// The hook runs as an IDE subprocess; keep stdout and stderr clean.
	logger.InitQuiet()

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read hook input: %w", err)
	}

	var input capture.HookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to parse hook input: %w", err)
	}

	cfg := loadConfig()

	store, err := task.NewSQLiteStore(cfg.Settings.Store.TaskDBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = store.Close() }()

	storePath := cfg.Settings.Hook.IDEStorePath
	if storePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		storePath = filepath.Join(homeDir, ".driftwatch", "turns")
	}

	driver := capture.NewHookDriver(
		store,
		task.NewAPIClient(cfg.Settings.Sync),
		capture.NewFileTurnSource(storePath),
		cfg.Settings.Hook,
		cfg.Settings.Sync,
	)
	return driver.Run(cmd.Context(), input)
}
