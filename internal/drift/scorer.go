// Package drift talks to the external drift-scoring collaborator. The
// collaborator receives a session's goal and recent steps and returns a
// numeric score plus a correction severity; how it computes them is its own
// business.
package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/session"
)

// Correction severities, mildest first.
const (
	SeverityNudge     = "nudge"
	SeverityCorrect   = "correct"
	SeverityInterrupt = "interrupt"
)

// Request is one scoring request for a session's accumulated steps.
type Request struct {
	SessionID    string          `json:"session_id"`
	ProjectPath  string          `json:"project_path,omitempty"`
	Goal         string          `json:"goal,omitempty"`
	ResponseText string          `json:"response_text,omitempty"`
	Steps        []*session.Step `json:"steps,omitempty"`
}

// Check is the collaborator's verdict for one request.
type Check struct {
	Score        float64               `json:"score"`
	Level        string                `json:"level,omitempty"`
	DriftType    string                `json:"drift_type,omitempty"`
	Correction   string                `json:"correction,omitempty"`
	RecoveryPlan *session.RecoveryPlan `json:"recovery_plan,omitempty"`
}

// Scorer scores a session's recent activity against its goal. A nil Check
// with a nil error means scoring is disabled or unavailable and the caller
// should skip drift bookkeeping for this turn.
type Scorer interface {
	Score(ctx context.Context, req *Request) (*Check, error)
}

// HTTPScorer calls a scoring service over HTTP.
type HTTPScorer struct {
	baseURL string
	enabled bool
	client  *http.Client
}

// NewHTTPScorer creates a scorer from drift settings. A disabled or
// URL-less configuration yields a scorer that always skips.
func NewHTTPScorer(settings config.DriftSettings) *HTTPScorer {
	return &HTTPScorer{
		baseURL: settings.ScorerURL,
		enabled: settings.Enabled && settings.ScorerURL != "",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Score posts the request to the scoring service and decodes its verdict.
func (s *HTTPScorer) Score(ctx context.Context, req *Request) (*Check, error) {
	if !s.enabled {
		return nil, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scoring request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scoring service returned %d: %s", resp.StatusCode, payload)
	}

	var check Check
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return nil, fmt.Errorf("failed to decode scoring response: %w", err)
	}

	return &check, nil
}
