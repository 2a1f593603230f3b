package session

import (
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/logger"
)

// MarkAbandonedStale transitions active sessions with no activity inside the
// window to abandoned. Returns the number of sessions swept.
func (s *SQLiteStore) MarkAbandonedStale(window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	cutoff := now - int64(window.Seconds())

	result, err := s.db.Exec(
		`UPDATE sessions SET status = ?, completed_at = ?, last_update = ?
		 WHERE status = ? AND last_update < ?`,
		string(StatusAbandoned), now, now, string(StatusActive), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sessions: %w", err)
	}

	swept, _ := result.RowsAffected()
	if swept > 0 {
		logger.Debug().
			Int64("swept", swept).
			Str("window", window.String()).
			Msg("Marked stale sessions abandoned")
	}

	return swept, nil
}

// PurgeExpired deletes terminal sessions older than the retention cutoff,
// children strictly before parents, inside one transaction. A parent whose
// child is still alive (active, or terminal but inside retention) is kept
// for a later sweep. Returns the number of sessions deleted.
func (s *SQLiteStore) PurgeExpired(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Child counts must cover all sessions, not just eligible ones, so a
	// parent with a surviving child is never peeled.
	rows, err := tx.Query("SELECT session_id, parent_session_id FROM sessions")
	if err != nil {
		return 0, fmt.Errorf("failed to load session tree: %w", err)
	}

	childCount := make(map[string]int)
	parentOf := make(map[string]string)
	for rows.Next() {
		var id, parent string
		if err := rows.Scan(&id, &parent); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan session tree: %w", err)
		}
		parentOf[id] = parent
		if parent != "" {
			childCount[parent]++
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to read session tree: %w", err)
	}
	_ = rows.Close()

	rows, err = tx.Query(
		`SELECT session_id FROM sessions
		 WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusAbandoned), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sessions: %w", err)
	}

	eligible := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan expired session: %w", err)
		}
		eligible[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to read expired sessions: %w", err)
	}
	_ = rows.Close()

	// Leaves-first peel: repeatedly delete eligible sessions with no
	// remaining children.
	var deleted int64
	for len(eligible) > 0 {
		var leaves []string
		for id := range eligible {
			if childCount[id] == 0 {
				leaves = append(leaves, id)
			}
		}
		if len(leaves) == 0 {
			// Remaining candidates all have live children; keep them.
			break
		}

		for _, id := range leaves {
			if _, err := tx.Exec("DELETE FROM drift_log WHERE session_id = ?", id); err != nil {
				return 0, fmt.Errorf("failed to delete drift log: %w", err)
			}
			if _, err := tx.Exec("DELETE FROM steps WHERE session_id = ?", id); err != nil {
				return 0, fmt.Errorf("failed to delete steps: %w", err)
			}
			if _, err := tx.Exec("DELETE FROM sessions WHERE session_id = ?", id); err != nil {
				return 0, fmt.Errorf("failed to delete session: %w", err)
			}

			if parent := parentOf[id]; parent != "" {
				childCount[parent]--
			}
			delete(eligible, id)
			deleted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	if deleted > 0 {
		logger.Debug().
			Int64("deleted", deleted).
			Str("retention", retention.String()).
			Msg("Purged expired sessions")
	}

	return deleted, nil
}

// DeleteSession removes one session and its owned rows. Fails if the session
// still has children.
func (s *SQLiteStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?",
		sessionID,
	).Scan(&children)
	if err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return fmt.Errorf("session %s has %d child sessions", sessionID, children)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM drift_log WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete drift log: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM steps WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return tx.Commit()
}
