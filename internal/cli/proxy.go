package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/adapter"
	"github.com/driftwatch/driftwatch/internal/drift"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/proxy"
	"github.com/driftwatch/driftwatch/internal/session"
	"github.com/driftwatch/driftwatch/internal/task"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the local forwarding proxy",
	Long: `Run the local forwarding proxy.

Point your agent's base URL at the proxy and it forwards every request to
the real provider while tracking sessions, steps, and drift, and syncing
completed work to the team memory store.

Enable in your config:
  settings:
    proxy:
      enabled: true
      port: 8976

Example:
  driftwatch proxy`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	initLogging(cfg)

	if !cfg.Settings.Proxy.Enabled {
		return fmt.Errorf("proxy is disabled; set settings.proxy.enabled: true")
	}

	sessions, err := session.NewSQLiteStore(cfg.Settings.Store.SessionDBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = sessions.Close() }()

	tasks, err := task.NewSQLiteStore(cfg.Settings.Store.TaskDBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = tasks.Close() }()

	// Catch up on maintenance before serving.
	if n, err := sessions.MarkAbandonedStale(cfg.Settings.Store.StalenessWindowDuration()); err != nil {
		logger.Warn().Err(err).Msg("Failed to sweep stale sessions")
	} else if n > 0 {
		logger.Info().Int64("sessions", n).Msg("Marked stale sessions abandoned")
	}
	if n, err := sessions.PurgeExpired(cfg.Settings.Store.RetentionTTLDuration()); err != nil {
		logger.Warn().Err(err).Msg("Failed to purge expired sessions")
	} else if n > 0 {
		logger.Info().Int64("sessions", n).Msg("Purged expired sessions")
	}

	uploader := task.NewAPIClient(cfg.Settings.Sync)
	engine := task.NewEngine(tasks, uploader, cfg.Settings.Sync)
	scorer := drift.NewHTTPScorer(cfg.Settings.Drift)
	pipeline := proxy.NewPipeline(sessions, tasks, scorer, engine, cfg.Settings)
	memory := proxy.NewTaskMemory(tasks)

	registry := adapter.NewRegistry(
		adapter.NewClaude(cfg.Settings.Proxy.AnthropicUpstream),
		adapter.NewCodex(cfg.Settings.Proxy.OpenAIUpstream),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := proxy.NewServer(cfg, registry, pipeline, memory)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}

	fmt.Printf("Proxy running at http://127.0.0.1:%d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	return nil
}
