package task

import (
	"context"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"
)

const (
	defaultBatchSize = 10
	maxAttempts      = 3
	baseBackoff      = 1000 * time.Millisecond
)

// SyncResult aggregates one sync run.
type SyncResult struct {
	Synced int
	Failed int
	Errors []string
}

// Engine uploads pending tasks to the team memory API in batches with
// bounded retry.
type Engine struct {
	store    Store
	uploader Uploader
	settings config.SyncSettings

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewEngine creates a sync engine
func NewEngine(store Store, uploader Uploader, settings config.SyncSettings) *Engine {
	return &Engine{
		store:    store,
		uploader: uploader,
		settings: settings,
		sleep:    time.Sleep,
	}
}

// SyncPending uploads all pending tasks and returns the aggregate result
func (e *Engine) SyncPending(ctx context.Context) (*SyncResult, error) {
	tasks, err := e.store.PendingTasks()
	if err != nil {
		return nil, err
	}
	return e.SyncTasks(ctx, tasks), nil
}

// SyncTasks uploads the given tasks in fixed-size batches. Each batch gets
// up to three attempts with exponential backoff; a batch that exhausts its
// attempts is counted failed as a whole and its tasks marked errored. There
// is no partial batch retry.
func (e *Engine) SyncTasks(ctx context.Context, tasks []*Task) *SyncResult {
	result := &SyncResult{}
	if len(tasks) == 0 {
		return result
	}

	if !e.settings.Enabled || e.settings.TeamID == "" || e.settings.AccessToken == "" {
		result.Failed = len(tasks)
		result.Errors = append(result.Errors, "sync not configured: requires enabled sync, a team id, and an access token")
		return result
	}

	batchSize := e.settings.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]

		ids := make([]string, len(batch))
		memories := make([]Memory, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
			memories[i] = MemoryFromTask(t)
		}
		if err := e.store.MarkSyncing(ids); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark batch syncing")
		}

		outcomes, err := e.uploadWithRetry(ctx, memories)
		if err != nil {
			result.Failed += len(batch)
			result.Errors = append(result.Errors, err.Error())
			for _, t := range batch {
				if markErr := e.store.MarkSyncError(t.ID, err.Error()); markErr != nil {
					logger.Warn().Err(markErr).Str("task", t.ID).Msg("Failed to record sync error")
				}
			}
			continue
		}

		memoryIDs := make(map[string]string, len(outcomes))
		for _, o := range outcomes {
			memoryIDs[o.ClientTaskID] = o.MemoryID
		}
		for _, t := range batch {
			if err := e.store.MarkSynced(t.ID, memoryIDs[t.ID]); err != nil {
				logger.Warn().Err(err).Str("task", t.ID).Msg("Failed to mark task synced")
			}
		}
		result.Synced += len(batch)
	}

	logger.Info().
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Msg("Sync run finished")

	return result
}

func (e *Engine) uploadWithRetry(ctx context.Context, memories []Memory) ([]MemoryOutcome, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		outcomes, err := e.uploader.SyncMemories(ctx, memories)
		if err == nil {
			return outcomes, nil
		}
		lastErr = err

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Msg("Batch upload failed")

		if attempt+1 < maxAttempts {
			e.sleep(baseBackoff << attempt)
		}
	}
	return nil, fmt.Errorf("batch failed after %d attempts: %w", maxAttempts, lastErr)
}
