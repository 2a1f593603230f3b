package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/task"
)

const watchDebounce = 2 * time.Second

// sessionCapture is the payload uploaded for one scanned session record.
type sessionCapture struct {
	SessionID string          `json:"session_id"`
	Outcome   string          `json:"outcome"` // insert or update
	Record    json.RawMessage `json:"record"`
}

// Scanner periodically sweeps a directory of session record files and
// uploads new or changed ones. A content fingerprint persisted in the sync
// ledger decides insert, update, or skip per session.
type Scanner struct {
	store    task.Store
	uploader task.Uploader
	settings config.ScannerSettings

	cron    *cron.Cron
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

// NewScanner creates the directory scanner
func NewScanner(store task.Store, uploader task.Uploader, settings config.ScannerSettings) *Scanner {
	return &Scanner{
		store:    store,
		uploader: uploader,
		settings: settings,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep and, when the directory can be watched,
// file-change wakeups between sweeps.
func (s *Scanner) Start(ctx context.Context) error {
	if s.settings.Dir == "" {
		return fmt.Errorf("scanner directory not configured")
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.settings.IntervalDuration())
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Scan(ctx); err != nil {
			logger.Warn().Err(err).Msg("Scheduled scan failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule scan: %w", err)
	}
	s.cron.Start()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("File watching unavailable, relying on the interval sweep")
	} else if err := watcher.Add(s.settings.Dir); err != nil {
		logger.Warn().Err(err).Str("dir", s.settings.Dir).Msg("Failed to watch scan directory")
		_ = watcher.Close()
	} else {
		s.watcher = watcher
		go s.watchLoop(ctx)
	}

	logger.Info().
		Str("dir", s.settings.Dir).
		Str("interval", s.settings.IntervalDuration().String()).
		Msg("Starting session scanner")

	// Initial sweep so a fresh start does not wait a full interval.
	if err := s.Scan(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial scan failed")
	}
	return nil
}

// watchLoop coalesces bursts of file events into one early scan.
func (s *Scanner) watchLoop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-fire:
			timer = nil
			if err := s.Scan(ctx); err != nil {
				logger.Warn().Err(err).Msg("Watch-triggered scan failed")
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Scan sweeps the directory once. Safe to call concurrently with the
// scheduled sweep; invocations serialize.
func (s *Scanner) Scan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.settings.Dir)
	if err != nil {
		return fmt.Errorf("failed to read scan directory: %w", err)
	}

	var present []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		present = append(present, sessionID)

		if err := s.scanSession(ctx, sessionID, filepath.Join(s.settings.Dir, entry.Name())); err != nil {
			logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to capture session record")
		}
	}

	if pruned, err := s.store.PruneLedger(SourceAntigravity, present); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune sync ledger")
	} else if pruned > 0 {
		logger.Debug().Int64("pruned", pruned).Msg("Dropped ledger entries for removed sessions")
	}
	return nil
}

func (s *Scanner) scanSession(ctx context.Context, sessionID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read session record: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("session record is not valid JSON")
	}
	fingerprint := contentFingerprint(data)

	stored, found, err := s.store.Fingerprint(SourceAntigravity, sessionID, "session")
	if err != nil {
		return err
	}

	switch {
	case !found:
		claimed, err := s.store.CheckAndMarkSynced(SourceAntigravity, sessionID, "session", fingerprint)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		return s.uploader.ExtractAntigravity(ctx, sessionCapture{
			SessionID: sessionID,
			Outcome:   "insert",
			Record:    data,
		})
	case stored == fingerprint:
		return nil
	default:
		if err := s.uploader.ExtractAntigravity(ctx, sessionCapture{
			SessionID: sessionID,
			Outcome:   "update",
			Record:    data,
		}); err != nil {
			return err
		}
		return s.store.UpdateFingerprint(SourceAntigravity, sessionID, "session", fingerprint)
	}
}

// Stop halts the sweep and the watcher. Idempotent.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			s.cron.Stop()
		}
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		close(s.done)
	})
}

func contentFingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
