package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/capture"
	"github.com/driftwatch/driftwatch/internal/task"
)

var watchFlag bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan IDE session records and upload new or changed ones",
	Long: `Scan IDE session records and upload new or changed ones.

Enumerates JSON session records under the configured directory and compares
each against a persisted content fingerprint to decide insert, update, or
skip. By default runs one sweep and exits; with --watch it keeps sweeping
on the configured interval and wakes early on file changes.

Configure in your config:
  settings:
    scanner:
      dir: /path/to/session/records
      interval: 3m

Example:
  driftwatch scan
  driftwatch scan --watch`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Keep scanning on the configured interval")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	initLogging(cfg)

	if cfg.Settings.Scanner.Dir == "" {
		return fmt.Errorf("scanner directory not configured; set settings.scanner.dir")
	}

	store, err := task.NewSQLiteStore(cfg.Settings.Store.TaskDBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = store.Close() }()

	scanner := capture.NewScanner(store, task.NewAPIClient(cfg.Settings.Sync), cfg.Settings.Scanner)

	if !watchFlag {
		return scanner.Scan(cmd.Context())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scanner.Start(ctx); err != nil {
		return err
	}
	defer scanner.Stop()

	fmt.Printf("Scanning %s every %s\n", cfg.Settings.Scanner.Dir, cfg.Settings.Scanner.IntervalDuration())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
