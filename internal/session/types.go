// Package session persists agent conversation state: the per-session drift
// bookkeeping, the step records captured from agent traffic, and the drift
// audit log. Sessions form a tree via parent_session_id for sub-agent work.
package session

import (
	"time"

	"github.com/driftwatch/driftwatch/internal/action"
)

// Status is the session lifecycle state. Terminal sessions never return to
// active; a resumed conversation gets a new session row.
type Status string

// Session statuses
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Agent modes
const (
	ModeAgent = "agent"
	ModePlan  = "plan"
	ModeAsk   = "ask"
)

// DriftCheck is one entry in a session's drift history.
type DriftCheck struct {
	Timestamp     time.Time `json:"timestamp"`
	Score         float64   `json:"score"`
	Level         string    `json:"level"`
	PromptSummary string    `json:"prompt_summary"`
}

// RecoveryPlan is a structured suggestion attached to a drifting session,
// acted on by an external consumer.
type RecoveryPlan struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
}

// Session represents one live or historical agent conversation.
type Session struct {
	SessionID           string
	ProjectPath         string
	Status              Status
	Mode                string
	TokenCount          int
	EscalationCount     int
	LastDriftScore      float64
	PendingRecoveryPlan *RecoveryPlan
	DriftHistory        []DriftCheck
	DriftWarnings       []string
	ParentSessionID     string
	WaitingForRecovery  bool
	CreatedAt           time.Time
	LastUpdate          time.Time
	LastCheckedAt       time.Time
	CompletedAt         *time.Time
}

// Step is one captured agent action within a session.
type Step struct {
	ID              string
	SessionID       string
	ActionType      action.Type
	Files           []string
	Folders         []string
	Command         string
	Reasoning       string
	DriftScore      *float64
	DriftType       string
	IsKeyDecision   bool
	IsValidated     bool
	CorrectionGiven string
	CorrectionLevel string
	Keywords        []string
	Timestamp       time.Time
}

// DriftLogEntry is an append-only audit record for a flagged action. It
// carries the step fields plus the recovery plan snapshot taken at flag time.
type DriftLogEntry struct {
	ID              int64
	SessionID       string
	ActionType      action.Type
	Files           []string
	Folders         []string
	Command         string
	Reasoning       string
	DriftScore      float64
	DriftType       string
	CorrectionGiven string
	CorrectionLevel string
	RecoveryPlan    *RecoveryPlan
	Timestamp       time.Time
}

// DriftUpdate carries the outcome of one external drift check into the store.
type DriftUpdate struct {
	Score         float64
	Level         string
	PromptSummary string
	Correction    string
	RecoveryPlan  *RecoveryPlan
}
