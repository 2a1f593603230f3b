package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/task"
)

// Ledger source names. One namespace per capture entry point so the scanner
// and the hook never collide on the same (composer, turn) key.
const (
	SourceCursor      = "cursor"
	SourceAntigravity = "antigravity"
)

// Turn is one captured conversation pair from the IDE's local store.
type Turn struct {
	ComposerID string `json:"composer_id"`
	TurnID     string `json:"turn_id"`
	Mode       string `json:"mode"`
	Prompt     string `json:"prompt"`
	Response   string `json:"response"`
}

// TurnSource reads the latest conversation pair for a composer. Returns
// (nil, nil) when the composer has no recorded turns yet.
type TurnSource interface {
	LatestTurn(composerID string) (*Turn, error)
}

// HookInput is the JSON the IDE passes to the hook process on stdin.
type HookInput struct {
	ComposerID    string `json:"composer_id"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

// HookDriver captures one agent turn per invocation. It is built for a
// short-lived process: all state lives in the task store, and the sync
// ledger is claimed before any network call so a re-invocation for the
// same turn performs no upload.
type HookDriver struct {
	store    task.Store
	uploader task.Uploader
	source   TurnSource
	settings config.HookSettings
	sync     config.SyncSettings
	sleep    func(time.Duration)
}

// NewHookDriver creates the hook driver
func NewHookDriver(store task.Store, uploader task.Uploader, source TurnSource, settings config.HookSettings, sync config.SyncSettings) *HookDriver {
	return &HookDriver{
		store:    store,
		uploader: uploader,
		source:   source,
		settings: settings,
		sync:     sync,
		sleep:    time.Sleep,
	}
}

// Run processes one hook invocation end to end.
func (d *HookDriver) Run(ctx context.Context, input HookInput) error {
	if input.ComposerID == "" {
		return fmt.Errorf("hook input missing composer_id")
	}

	// Without a configured destination there is nothing to do. Skipping
	// before any ledger write keeps the turn claimable once sync is set up.
	if !d.sync.Enabled || d.sync.TeamID == "" || d.sync.AccessToken == "" {
		logger.Debug().Str("composer", input.ComposerID).Msg("Sync not configured, skipping capture")
		return nil
	}

	// Let the IDE finish writing its own local store before reading it.
	d.sleep(d.settings.SettleDelayDuration())

	d.flushStalePlans(ctx, input.ComposerID)

	turn, err := d.source.LatestTurn(input.ComposerID)
	if err != nil {
		return fmt.Errorf("failed to read latest turn: %w", err)
	}
	if turn == nil {
		logger.Debug().Str("composer", input.ComposerID).Msg("No turn to capture")
		return nil
	}
	turn.ComposerID = input.ComposerID

	switch turn.Mode {
	case "ask":
		// Questions are never uploaded. Claim the ledger anyway so a
		// later mode change cannot resurrect the turn.
		_, err := d.store.CheckAndMarkSynced(SourceCursor, turn.ComposerID, turn.TurnID, fingerprintTurn(turn))
		return err
	case "plan":
		return d.bufferPlan(turn)
	default:
		return d.captureAgentTurn(ctx, turn)
	}
}

// flushStalePlans uploads plan turns buffered by other composers that have
// sat idle past the timeout. Failures leave the entry buffered for the next
// invocation.
func (d *HookDriver) flushStalePlans(ctx context.Context, currentComposer string) {
	idle := d.settings.PlanBufferTimeoutDuration()
	entries, err := d.store.StalePlanTurns(idle, currentComposer)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load stale plan turns")
		return
	}
	for _, entry := range entries {
		if err := d.uploadPlanEntry(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("composer", entry.ComposerID).Msg("Failed to flush stale plan turn")
		}
	}
}

func (d *HookDriver) bufferPlan(turn *Turn) error {
	claimed, err := d.store.CheckAndMarkSynced(SourceCursor, turn.ComposerID, turn.TurnID, fingerprintTurn(turn))
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode plan turn: %w", err)
	}
	return d.store.BufferPlanTurn(turn.ComposerID, turn.TurnID, string(payload))
}

func (d *HookDriver) captureAgentTurn(ctx context.Context, turn *Turn) error {
	// Accumulated plan context for this composer goes up first so the
	// server sees the planning that led to the work.
	pending, err := d.store.PendingPlanTurns(turn.ComposerID)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if err := d.uploadPlanEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to flush plan buffer: %w", err)
		}
	}

	claimed, err := d.store.CheckAndMarkSynced(SourceCursor, turn.ComposerID, turn.TurnID, fingerprintTurn(turn))
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug().
			Str("composer", turn.ComposerID).
			Str("turn", turn.TurnID).
			Msg("Turn already captured, skipping upload")
		return nil
	}

	if err := d.uploader.ExtractCursor(ctx, turn); err != nil {
		// The ledger claim stands: at-most-once wins over at-least-once.
		return fmt.Errorf("failed to upload turn: %w", err)
	}
	return nil
}

func (d *HookDriver) uploadPlanEntry(ctx context.Context, entry *task.PlanEntry) error {
	if err := d.uploader.ExtractCursor(ctx, json.RawMessage(entry.Payload)); err != nil {
		return err
	}
	return d.store.MarkPlanSynced(entry.ID)
}

func fingerprintTurn(turn *Turn) string {
	return contentFingerprint([]byte(turn.Prompt + "\x00" + turn.Response))
}

// FileTurnSource reads turns from per-composer JSON files the IDE writes
// under one directory.
type FileTurnSource struct {
	dir string
}

// NewFileTurnSource creates a turn source over an IDE store directory
func NewFileTurnSource(dir string) *FileTurnSource {
	return &FileTurnSource{dir: dir}
}

// LatestTurn reads the composer's current turn file.
func (s *FileTurnSource) LatestTurn(composerID string) (*Turn, error) {
	path := filepath.Join(s.dir, composerID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read turn file: %w", err)
	}

	var turn Turn
	if err := json.Unmarshal(data, &turn); err != nil {
		return nil, fmt.Errorf("failed to parse turn file: %w", err)
	}
	if turn.TurnID == "" {
		return nil, nil
	}
	return &turn, nil
}
