package proxy

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftwatch/driftwatch/internal/adapter"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/session"
	"github.com/driftwatch/driftwatch/internal/task"
)

func newTestPipeline(t *testing.T) (*Pipeline, session.Store, task.Store) {
	t.Helper()

	dir := t.TempDir()
	sessions, err := session.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to create session store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	tasks, err := task.NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to create task store: %v", err)
	}
	t.Cleanup(func() { _ = tasks.Close() })

	cfg := config.DefaultConfig()
	cfg.Settings.Store.CleanupProbability = 0

	return NewPipeline(sessions, tasks, nil, nil, cfg.Settings), sessions, tasks
}

const toolUseResp = `{"id":"msg-1","model":"m","role":"assistant","stop_reason":"tool_use","content":[{"type":"tool_use","id":"t1","name":"Edit","input":{"file_path":"/app/auth.go"}},{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"go test ./..."}}],"usage":{"input_tokens":10,"output_tokens":4}}`

const endTurnResp = `{"id":"msg-2","model":"m","role":"assistant","stop_reason":"end_turn","content":[{"type":"text","text":"Fixed the refresh token race in auth.go."}],"usage":{"input_tokens":6,"output_tokens":8}}`

func TestCaptureToolUseRecordsSteps(t *testing.T) {
	p, sessions, _ := newTestPipeline(t)
	a := adapter.NewClaude("")

	req := []byte(`{"model":"m","messages":[{"role":"user","content":"Fix the auth bug"}],"metadata":{"user_id":"sess-steps"}}`)
	p.Capture(context.Background(), a, req, []byte(toolUseResp))

	steps, err := sessions.RecentSteps("sess-steps", 10)
	if err != nil {
		t.Fatalf("RecentSteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(steps))
	}

	sess, err := sessions.GetSession("sess-steps")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.TokenCount != 14 {
		t.Errorf("TokenCount = %d, want 14", sess.TokenCount)
	}
}

func TestCaptureEndTurnCreatesTask(t *testing.T) {
	p, sessions, tasks := newTestPipeline(t)
	a := adapter.NewClaude("")

	req := []byte(`{"model":"m","messages":[{"role":"user","content":"Fix the refresh token race in the auth package"}],"metadata":{"user_id":"sess-task"}}`)
	p.Capture(context.Background(), a, req, []byte(toolUseResp))
	p.Capture(context.Background(), a, req, []byte(endTurnResp))

	pending, err := tasks.PendingTasks()
	if err != nil {
		t.Fatalf("PendingTasks failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	got := pending[0]
	if !strings.Contains(got.Goal, "refresh token race") {
		t.Errorf("Goal = %q", got.Goal)
	}
	if !strings.Contains(got.Summary, "Fixed the refresh token race") {
		t.Errorf("Summary = %q", got.Summary)
	}
	if len(got.FilesTouched) != 1 || got.FilesTouched[0] != "/app/auth.go" {
		t.Errorf("FilesTouched = %v", got.FilesTouched)
	}

	// End turn backfills reasoning onto the recorded steps.
	steps, err := sessions.RecentSteps("sess-task", 10)
	if err != nil {
		t.Fatalf("RecentSteps failed: %v", err)
	}
	for _, step := range steps {
		if step.Reasoning == "" {
			t.Error("Expected reasoning backfill on recorded steps")
		}
	}
}

func TestCaptureEndTurnWithoutStepsSkipsTask(t *testing.T) {
	p, _, tasks := newTestPipeline(t)
	a := adapter.NewClaude("")

	req := []byte(`{"model":"m","messages":[{"role":"user","content":"Just a question about goroutines"}],"metadata":{"user_id":"sess-ask"}}`)
	p.Capture(context.Background(), a, req, []byte(endTurnResp))

	pending, err := tasks.PendingTasks()
	if err != nil {
		t.Fatalf("PendingTasks failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0", len(pending))
	}
}

func TestCaptureIgnoresUnparseableSession(t *testing.T) {
	p, sessions, _ := newTestPipeline(t)
	a := adapter.NewClaude("")

	p.Capture(context.Background(), a, []byte("not json"), []byte(endTurnResp))

	all, err := sessions.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("len(sessions) = %d, want 0", len(all))
	}
}

func TestTaskMemoryProjectAndRecall(t *testing.T) {
	_, _, tasks := newTestPipeline(t)

	err := tasks.CreateTask(&task.Task{
		ProjectPath: "/home/user/projects/app",
		Goal:        "Fix login redirect loop",
		Summary:     "Cleared the stale session cookie before redirecting",
		Status:      "completed",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	m := NewTaskMemory(tasks)

	got, err := m.ProjectMemory(context.Background(), "/home/user/projects/app")
	if err != nil {
		t.Fatalf("ProjectMemory failed: %v", err)
	}
	if !strings.Contains(got, "Fix login redirect loop") || !strings.Contains(got, "stale session cookie") {
		t.Errorf("ProjectMemory = %q", got)
	}

	if got, err := m.ProjectMemory(context.Background(), ""); err != nil || got != "" {
		t.Errorf("ProjectMemory(empty) = %q, %v", got, err)
	}

	recall, err := m.Recall(context.Background(), "redirect")
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if !strings.Contains(recall, "Fix login redirect loop") {
		t.Errorf("Recall = %q", recall)
	}

	miss, err := m.Recall(context.Background(), "kubernetes")
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if !strings.Contains(miss, "No matching prior work") {
		t.Errorf("Recall miss = %q", miss)
	}
}
