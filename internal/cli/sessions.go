package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect tracked agent sessions",
	Long: `Inspect tracked agent sessions.

Commands:
  list   - List stored sessions
  show   - Show one session with its drift log
  purge  - Sweep stale sessions and purge expired ones now`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its drift log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Sweep stale sessions and purge expired ones now",
	RunE:  runSessionsPurge,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessionStore() (*session.SQLiteStore, error) {
	cfg := loadConfig()
	initLogging(cfg)

	store, err := session.NewSQLiteStore(cfg.Settings.Store.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	fmt.Printf("%-24s %-10s %-6s %8s %6s  %s\n", "SESSION", "STATUS", "MODE", "TOKENS", "DRIFT", "PROJECT")
	for _, s := range sessions {
		fmt.Printf("%-24s %-10s %-6s %8d %6.1f  %s\n",
			s.SessionID, s.Status, s.Mode, s.TokenCount, s.LastDriftScore, s.ProjectPath)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sess, err := store.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	fmt.Printf("Session:    %s\n", sess.SessionID)
	fmt.Printf("Project:    %s\n", sess.ProjectPath)
	fmt.Printf("Status:     %s\n", sess.Status)
	fmt.Printf("Mode:       %s\n", sess.Mode)
	fmt.Printf("Tokens:     %d\n", sess.TokenCount)
	fmt.Printf("Drift:      %.1f (escalation %d)\n", sess.LastDriftScore, sess.EscalationCount)
	if sess.ParentSessionID != "" {
		fmt.Printf("Parent:     %s\n", sess.ParentSessionID)
	}
	if sess.WaitingForRecovery && sess.PendingRecoveryPlan != nil {
		fmt.Printf("Recovery:   %s\n", sess.PendingRecoveryPlan.Summary)
		for _, step := range sess.PendingRecoveryPlan.Steps {
			fmt.Printf("  - %s\n", step)
		}
	}
	for _, warning := range sess.DriftWarnings {
		fmt.Printf("Warning:    %s\n", warning)
	}

	entries, err := store.ListDriftLog(sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load drift log: %w", err)
	}
	if len(entries) > 0 {
		fmt.Println("\nDrift log:")
		for _, e := range entries {
			fmt.Printf("  %s  score=%.1f  [%s] %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.DriftScore, e.CorrectionLevel, e.CorrectionGiven)
		}
	}
	return nil
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	initLogging(cfg)

	store, err := session.NewSQLiteStore(cfg.Settings.Store.SessionDBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	swept, err := store.MarkAbandonedStale(cfg.Settings.Store.StalenessWindowDuration())
	if err != nil {
		return fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	purged, err := store.PurgeExpired(cfg.Settings.Store.RetentionTTLDuration())
	if err != nil {
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}

	fmt.Printf("Marked %d session(s) abandoned, purged %d expired session(s)\n", swept, purged)
	return nil
}
