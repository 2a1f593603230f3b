// Package task holds captured units of agent work awaiting upload to the
// team memory store, the sync ledger that makes uploads at-most-once, and
// the batch sync engine with its retry policy.
package task

import "time"

// SyncStatus is the upload lifecycle state of a task.
type SyncStatus string

// Sync statuses
const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// Task is one completed, captured unit of agent work.
type Task struct {
	ID             string
	ProjectPath    string
	OriginalQuery  string
	Goal           string
	Summary        string
	ReasoningTrace []string
	Decisions      []string
	FilesTouched   []string
	Constraints    []string
	Tags           []string
	Status         string
	SyncStatus     SyncStatus
	// MatchID is the server-assigned memory id; when set, the upload is an
	// update rather than an insert.
	MatchID   string
	SyncError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlanEntry is one buffered plan-mode turn awaiting an agent-mode turn or a
// staleness flush.
type PlanEntry struct {
	ID         int64
	ComposerID string
	TurnID     string
	Payload    string
	CreatedAt  time.Time
	Synced     bool
}
