package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
)

const defaultAPIBaseURL = "https://api.driftwatch.dev"

// Memory is the wire shape of one uploaded task.
type Memory struct {
	ClientTaskID   string   `json:"client_task_id"`
	ProjectPath    string   `json:"project_path,omitempty"`
	OriginalQuery  string   `json:"original_query,omitempty"`
	Goal           string   `json:"goal,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	ReasoningTrace []string `json:"reasoning_trace,omitempty"`
	Decisions      []string `json:"decisions,omitempty"`
	FilesTouched   []string `json:"files_touched,omitempty"`
	Status         string   `json:"status,omitempty"`
	// MemoryID targets an existing server-side memory for update.
	MemoryID string `json:"memory_id,omitempty"`
}

// MemoryOutcome is the server's per-item sync result.
type MemoryOutcome struct {
	ClientTaskID string `json:"client_task_id"`
	Outcome      string `json:"outcome"` // insert, update, skip
	MemoryID     string `json:"memory_id,omitempty"`
}

type syncRequest struct {
	Memories []Memory `json:"memories"`
}

type syncResponse struct {
	Results []MemoryOutcome `json:"results"`
}

// Uploader is the cloud-side surface the sync engine and capture drivers
// need.
type Uploader interface {
	SyncMemories(ctx context.Context, memories []Memory) ([]MemoryOutcome, error)
	ExtractCursor(ctx context.Context, payload interface{}) error
	ExtractAntigravity(ctx context.Context, payload interface{}) error
}

// APIClient talks to the team memory API with bearer authentication.
type APIClient struct {
	baseURL     string
	teamID      string
	accessToken string
	client      *http.Client
}

// NewAPIClient creates a client from sync settings
func NewAPIClient(settings config.SyncSettings) *APIClient {
	baseURL := settings.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &APIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		teamID:      settings.TeamID,
		accessToken: settings.AccessToken,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// MemoryFromTask projects a task into its upload shape
func MemoryFromTask(t *Task) Memory {
	return Memory{
		ClientTaskID:   t.ID,
		ProjectPath:    t.ProjectPath,
		OriginalQuery:  t.OriginalQuery,
		Goal:           t.Goal,
		Summary:        t.Summary,
		ReasoningTrace: t.ReasoningTrace,
		Decisions:      t.Decisions,
		FilesTouched:   t.FilesTouched,
		Status:         t.Status,
		MemoryID:       t.MatchID,
	}
}

// SyncMemories uploads a batch and returns per-item outcomes
func (c *APIClient) SyncMemories(ctx context.Context, memories []Memory) ([]MemoryOutcome, error) {
	var resp syncResponse
	path := fmt.Sprintf("/teams/%s/memories/sync", c.teamID)
	if err := c.post(ctx, path, syncRequest{Memories: memories}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ExtractCursor uploads one hook-driven capture
func (c *APIClient) ExtractCursor(ctx context.Context, payload interface{}) error {
	return c.post(ctx, fmt.Sprintf("/teams/%s/cursor/extract", c.teamID), payload, nil)
}

// ExtractAntigravity uploads one scanner-driven capture
func (c *APIClient) ExtractAntigravity(ctx context.Context, payload interface{}) error {
	return c.post(ctx, fmt.Sprintf("/teams/%s/antigravity/extract", c.teamID), payload, nil)
}

func (c *APIClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, payload)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
