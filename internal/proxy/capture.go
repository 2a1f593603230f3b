package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftwatch/driftwatch/internal/adapter"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/drift"
	"github.com/driftwatch/driftwatch/internal/logger"
	"github.com/driftwatch/driftwatch/internal/session"
	"github.com/driftwatch/driftwatch/internal/task"
)

const reasoningLookback = 10

// MemorySource answers memory queries for injection and for the internal
// recall tool.
type MemorySource interface {
	// ProjectMemory returns memory text to inject into outbound requests
	// for a project, or empty when there is nothing worth injecting.
	ProjectMemory(ctx context.Context, projectPath string) (string, error)

	// Recall answers one internal tool query.
	Recall(ctx context.Context, query string) (string, error)
}

// Pipeline turns captured request/response pairs into session state, steps,
// drift checks, and completed tasks. Every method is best-effort: failures
// are logged and never surface to the forwarding path.
type Pipeline struct {
	sessions session.Store
	tasks    task.Store
	scorer   drift.Scorer
	engine   *task.Engine
	settings config.Settings
}

// NewPipeline creates the capture pipeline
func NewPipeline(sessions session.Store, tasks task.Store, scorer drift.Scorer, engine *task.Engine, settings config.Settings) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		tasks:    tasks,
		scorer:   scorer,
		engine:   engine,
		settings: settings,
	}
}

// Capture processes one completed exchange. Called after the response has
// been delivered to the client.
func (p *Pipeline) Capture(ctx context.Context, ad adapter.Adapter, reqBody, respBody []byte) {
	sessionID := ad.SessionID(reqBody)
	if sessionID == "" {
		return
	}

	parentID := ""
	sess, err := p.sessions.GetOrCreateSession(sessionID, ad.ProjectPath(reqBody), parentID, ad.Mode(reqBody))
	if err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to resolve session")
		return
	}

	usage := ad.Usage(respBody)
	if err := p.sessions.AddTokens(sessionID, usage.Total()); err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to record token usage")
	}
	p.warnOnTokenBudget(sess.TokenCount + usage.Total())

	switch ad.Classify(respBody) {
	case adapter.KindToolUse, adapter.KindSubagent:
		p.captureSteps(sessionID, ad, respBody)
	case adapter.KindEndTurn:
		p.captureEndTurn(ctx, sess, ad, reqBody, respBody)
	}

	session.MaybeRunCleanup(p.sessions, p.settings.Store)
}

func (p *Pipeline) captureSteps(sessionID string, ad adapter.Adapter, respBody []byte) {
	for _, act := range ad.Actions(respBody) {
		step := &session.Step{
			SessionID:  sessionID,
			ActionType: act.Type,
			Files:      act.Files,
			Folders:    act.Folders,
			Command:    act.Command,
			Reasoning:  act.Reasoning,
		}
		if err := p.sessions.InsertStep(step); err != nil {
			logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to insert step")
		}
	}
}

func (p *Pipeline) captureEndTurn(ctx context.Context, sess *session.Session, ad adapter.Adapter, reqBody, respBody []byte) {
	sessionID := sess.SessionID
	responseText := ad.ResponseText(respBody)

	if _, err := p.sessions.BackfillReasoning(sessionID, responseText, reasoningLookback); err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to backfill reasoning")
	}

	steps, err := p.sessions.RecentSteps(sessionID, reasoningLookback)
	if err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to load recent steps")
		steps = nil
	}

	goal := ad.Goal(reqBody)
	p.checkDrift(ctx, sess, goal, responseText, steps)
	p.captureTask(ctx, sess, goal, responseText, steps)
}

func (p *Pipeline) checkDrift(ctx context.Context, sess *session.Session, goal, responseText string, steps []*session.Step) {
	if p.scorer == nil {
		return
	}

	check, err := p.scorer.Score(ctx, &drift.Request{
		SessionID:    sess.SessionID,
		ProjectPath:  sess.ProjectPath,
		Goal:         goal,
		ResponseText: responseText,
		Steps:        steps,
	})
	if err != nil {
		logger.Warn().Err(err).Str("session", sess.SessionID).Msg("Drift check failed")
		return
	}
	if check == nil {
		// Scoring disabled or unavailable.
		return
	}

	if _, err := p.sessions.UpdateSessionDrift(sess.SessionID, session.DriftUpdate{
		Score:         check.Score,
		Level:         check.Level,
		PromptSummary: goal,
		Correction:    check.Correction,
		RecoveryPlan:  check.RecoveryPlan,
	}); err != nil {
		logger.Warn().Err(err).Str("session", sess.SessionID).Msg("Failed to apply drift check")
		return
	}

	if check.Correction == "" {
		return
	}

	entry := &session.DriftLogEntry{
		SessionID:       sess.SessionID,
		DriftScore:      check.Score,
		DriftType:       check.DriftType,
		CorrectionGiven: check.Correction,
		CorrectionLevel: check.Level,
		RecoveryPlan:    check.RecoveryPlan,
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		entry.ActionType = last.ActionType
		entry.Files = last.Files
		entry.Folders = last.Folders
		entry.Command = last.Command
		entry.Reasoning = last.Reasoning
	}
	if err := p.sessions.InsertDriftLog(entry); err != nil {
		logger.Warn().Err(err).Str("session", sess.SessionID).Msg("Failed to append drift log")
	}
}

// captureTask snapshots the finished unit of work as a pending task and
// kicks an eager sync when uploading is configured.
func (p *Pipeline) captureTask(ctx context.Context, sess *session.Session, goal, responseText string, steps []*session.Step) {
	if p.tasks == nil || len(steps) == 0 {
		return
	}

	var reasoning, files []string
	seenFile := make(map[string]bool)
	seenReason := make(map[string]bool)
	for _, step := range steps {
		if step.Reasoning != "" && !seenReason[step.Reasoning] {
			seenReason[step.Reasoning] = true
			reasoning = append(reasoning, step.Reasoning)
		}
		for _, f := range step.Files {
			if !seenFile[f] {
				seenFile[f] = true
				files = append(files, f)
			}
		}
	}

	t := &task.Task{
		ProjectPath:    sess.ProjectPath,
		OriginalQuery:  goal,
		Goal:           goal,
		Summary:        summarize(responseText),
		ReasoningTrace: reasoning,
		FilesTouched:   files,
		Status:         "completed",
	}
	if err := p.tasks.CreateTask(t); err != nil {
		logger.Warn().Err(err).Str("session", sess.SessionID).Msg("Failed to create task")
		return
	}

	if p.engine != nil && p.settings.Sync.Enabled {
		if _, err := p.engine.SyncPending(ctx); err != nil {
			logger.Warn().Err(err).Msg("Eager sync failed")
		}
	}
}

const maxSummaryLength = 1000

func summarize(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxSummaryLength {
		return text
	}
	return string(runes[:maxSummaryLength])
}

func (p *Pipeline) warnOnTokenBudget(total int) {
	threshold := p.settings.Proxy.TokenWarnThreshold
	if threshold <= 0 || total < threshold {
		return
	}
	logger.Warn().
		Int("tokens", total).
		Int("threshold", threshold).
		Msg("Session token usage is over the configured budget")
}

// TaskMemory answers memory queries from the local task store. Synced and
// pending tasks both count: the point is recalling prior captured work, not
// its upload state.
type TaskMemory struct {
	store task.Store
}

// NewTaskMemory creates a task-backed memory source
func NewTaskMemory(store task.Store) *TaskMemory {
	return &TaskMemory{store: store}
}

const (
	memoryTaskLimit = 5
	memoryHeader    = "Relevant prior work from the team memory store:"
)

// ProjectMemory summarizes recent captured work for a project.
func (m *TaskMemory) ProjectMemory(ctx context.Context, projectPath string) (string, error) {
	if projectPath == "" {
		return "", nil
	}

	tasks, err := m.store.RecentTasks(projectPath, memoryTaskLimit)
	if err != nil {
		return "", err
	}
	return formatMemories(tasks), nil
}

// Recall answers one internal tool query from stored tasks.
func (m *TaskMemory) Recall(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "No matching prior work found.", nil
	}

	tasks, err := m.store.SearchTasks(query, memoryTaskLimit)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No matching prior work found.", nil
	}
	return formatMemories(tasks), nil
}

func formatMemories(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoryHeader)
	for _, t := range tasks {
		b.WriteString("\n- ")
		if t.Goal != "" {
			b.WriteString(t.Goal)
		} else {
			b.WriteString(t.OriginalQuery)
		}
		if t.Summary != "" {
			b.WriteString(": ")
			b.WriteString(t.Summary)
		}
		if len(t.FilesTouched) > 0 {
			b.WriteString(fmt.Sprintf(" (files: %s)", strings.Join(t.FilesTouched, ", ")))
		}
	}
	return b.String()
}
