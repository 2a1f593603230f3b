package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/logger"
)

const (
	// recoveryScoreThreshold marks a check as a recovery signal.
	recoveryScoreThreshold = 8

	maxEscalation    = 3
	maxPromptSummary = 100

	// mildestLevel never escalates.
	mildestLevel = "nudge"
)

// UpdateSessionDrift applies one external drift check to a session: adjusts
// the escalation counter, appends to the drift history, records a warning if
// a correction was given, and persists a recovery plan when supplied. Returns
// the updated session.
func (s *SQLiteStore) UpdateSessionDrift(sessionID string, update DriftUpdate) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}

	escalation := session.EscalationCount
	if update.Score >= recoveryScoreThreshold {
		// High score means the agent is back on track.
		if escalation > 0 {
			escalation--
		}
	} else if update.Level != "" && update.Level != mildestLevel {
		if escalation < maxEscalation {
			escalation++
		}
	}

	now := time.Now()
	history := append(session.DriftHistory, DriftCheck{
		Timestamp:     now,
		Score:         update.Score,
		Level:         update.Level,
		PromptSummary: truncateSummary(update.PromptSummary),
	})

	warnings := session.DriftWarnings
	if update.Correction != "" {
		warnings = append(warnings, fmt.Sprintf("[%s] %s: %s",
			now.Format(time.RFC3339), update.Level, update.Correction))
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal drift history: %w", err)
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal drift warnings: %w", err)
	}

	waiting := session.WaitingForRecovery
	var planArg interface{}
	if update.RecoveryPlan != nil {
		planJSON, err := json.Marshal(update.RecoveryPlan)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal recovery plan: %w", err)
		}
		planArg = string(planJSON)
		waiting = true
	} else if session.PendingRecoveryPlan != nil {
		// No plan supplied this check; the pending one stands.
		existing, err := json.Marshal(session.PendingRecoveryPlan)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal recovery plan: %w", err)
		}
		planArg = string(existing)
	}

	_, err = s.db.Exec(
		`UPDATE sessions SET escalation_count = ?, last_drift_score = ?, drift_history = ?,
			drift_warnings = ?, pending_recovery_plan = ?, waiting_for_recovery = ?,
			last_checked_at = ?, last_update = ?
		 WHERE session_id = ?`,
		escalation, update.Score, string(historyJSON), string(warningsJSON),
		planArg, boolInt(waiting), now.Unix(), now.Unix(), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session drift: %w", err)
	}

	logger.Debug().
		Str("session", sessionID).
		Float64("score", update.Score).
		Str("level", update.Level).
		Int("escalation", escalation).
		Msg("Applied drift check")

	session.EscalationCount = escalation
	session.LastDriftScore = update.Score
	session.DriftHistory = history
	session.DriftWarnings = warnings
	session.WaitingForRecovery = waiting
	if update.RecoveryPlan != nil {
		session.PendingRecoveryPlan = update.RecoveryPlan
	}
	session.LastCheckedAt = now
	session.LastUpdate = now
	return session, nil
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxPromptSummary {
		return s
	}
	return string(runes[:maxPromptSummary])
}
