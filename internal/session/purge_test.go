package session

import (
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/action"
)

// ageSession rewrites a session's completion time so retention math sees it
// as old.
func ageSession(t *testing.T, store *SQLiteStore, sessionID string, age time.Duration) {
	t.Helper()
	completedAt := time.Now().Add(-age).Unix()
	if _, err := store.db.Exec(
		"UPDATE sessions SET completed_at = ? WHERE session_id = ?",
		completedAt, sessionID,
	); err != nil {
		t.Fatalf("failed to age session: %v", err)
	}
}

func countRows(t *testing.T, store *SQLiteStore, table, sessionID string) int {
	t.Helper()
	var n int
	if err := store.db.QueryRow(
		"SELECT COUNT(*) FROM "+table+" WHERE session_id = ?", sessionID,
	).Scan(&n); err != nil {
		t.Fatalf("failed to count %s rows: %v", table, err)
	}
	return n
}

func TestMarkAbandonedStale(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreateSession("fresh", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("stale", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.db.Exec(
		"UPDATE sessions SET last_update = ? WHERE session_id = ?",
		time.Now().Add(-2*time.Hour).Unix(), "stale",
	); err != nil {
		t.Fatalf("failed to backdate session: %v", err)
	}

	swept, err := store.MarkAbandonedStale(time.Hour)
	if err != nil {
		t.Fatalf("MarkAbandonedStale: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	s, err := store.GetSession("stale")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Status != StatusAbandoned || s.CompletedAt == nil {
		t.Errorf("stale session = %+v", s)
	}

	s, err = store.GetSession("fresh")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("fresh session swept: %+v", s)
	}
}

func TestPurgeExpiredRemovesOwnedRows(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreateSession("s1", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := store.InsertStep(&Step{SessionID: "s1", ActionType: action.Edit}); err != nil {
		t.Fatalf("InsertStep: %v", err)
	}
	if err := store.InsertDriftLog(&DriftLogEntry{SessionID: "s1", ActionType: action.Edit, DriftScore: 2}); err != nil {
		t.Fatalf("InsertDriftLog: %v", err)
	}
	if err := store.CompleteSession("s1"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	ageSession(t, store, "s1", 48*time.Hour)

	deleted, err := store.PurgeExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := store.GetSession("s1"); err == nil {
		t.Error("session row still present after purge")
	}
	if n := countRows(t, store, "steps", "s1"); n != 0 {
		t.Errorf("steps remaining = %d", n)
	}
	if n := countRows(t, store, "drift_log", "s1"); n != 0 {
		t.Errorf("drift_log rows remaining = %d", n)
	}
}

func TestPurgeExpiredSkipsActiveAndRecent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreateSession("active", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("recent", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := store.CompleteSession("recent"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	deleted, err := store.PurgeExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestPurgeExpiredDeletesChildrenBeforeParents(t *testing.T) {
	store := newTestStore(t)

	// parent -> child -> grandchild, all terminal and expired.
	if _, err := store.GetOrCreateSession("parent", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("child", "/proj", "parent", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("grandchild", "/proj", "child", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	for _, id := range []string{"parent", "child", "grandchild"} {
		if err := store.CompleteSession(id); err != nil {
			t.Fatalf("CompleteSession(%s): %v", id, err)
		}
		ageSession(t, store, id, 48*time.Hour)
	}

	deleted, err := store.PurgeExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	sessions, err := store.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions remaining: %d", len(sessions))
	}
}

func TestPurgeExpiredKeepsParentWithLiveChild(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreateSession("parent", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("child", "/proj", "parent", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	// Parent expired; child still active.
	if err := store.CompleteSession("parent"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	ageSession(t, store, "parent", 48*time.Hour)

	deleted, err := store.PurgeExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
	if _, err := store.GetSession("parent"); err != nil {
		t.Error("parent purged while its child is alive")
	}
}

func TestDeleteSessionRefusesChildren(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreateSession("parent", "/proj", "", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := store.GetOrCreateSession("child", "/proj", "parent", ModeAgent); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if err := store.DeleteSession("parent"); err == nil {
		t.Fatal("expected error deleting a parent with children")
	}

	if err := store.DeleteSession("child"); err != nil {
		t.Fatalf("DeleteSession(child): %v", err)
	}
	if err := store.DeleteSession("parent"); err != nil {
		t.Fatalf("DeleteSession(parent): %v", err)
	}
}
