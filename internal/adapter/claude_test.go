package adapter

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClaudeCanHandle(t *testing.T) {
	a := NewClaude("")

	req := httptest.NewRequest("POST", "http://localhost/v1/messages", nil)
	if !a.CanHandle(req) {
		t.Error("expected /v1/messages to match")
	}

	req = httptest.NewRequest("POST", "http://localhost/v1/responses", nil)
	if a.CanHandle(req) {
		t.Error("expected /v1/responses not to match")
	}

	req = httptest.NewRequest("POST", "http://localhost/other", nil)
	req.Header.Set("Anthropic-Version", "2023-06-01")
	if !a.CanHandle(req) {
		t.Error("expected anthropic-version header to match")
	}
}

func TestClaudeGoalAndMode(t *testing.T) {
	a := NewClaude("")
	body := []byte(`{
		"model": "claude-sonnet-4",
		"system": "You are a coding agent. plan mode is active.",
		"messages": [
			{"role": "user", "content": "add rate limiting to the API"}
		]
	}`)

	if got := a.Goal(body); got != "add rate limiting to the API" {
		t.Errorf("Goal = %q", got)
	}
	if got := a.Mode(body); got != "plan" {
		t.Errorf("Mode = %q, want plan", got)
	}
}

func TestClaudeModeDefaults(t *testing.T) {
	a := NewClaude("")
	body := []byte(`{"model":"m","system":"You are helpful.","messages":[]}`)
	if got := a.Mode(body); got != "agent" {
		t.Errorf("Mode = %q, want agent", got)
	}
}

func TestClaudeSessionIDStable(t *testing.T) {
	a := NewClaude("")
	body := []byte(`{
		"model": "m",
		"system": "working directory: /home/dev/proj",
		"messages": [{"role":"user","content":"first prompt of the session"}]
	}`)

	id1 := a.SessionID(body)
	id2 := a.SessionID(body)
	if id1 == "" || id1 != id2 {
		t.Errorf("derived session id not stable: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, "claude-") {
		t.Errorf("derived id %q missing prefix", id1)
	}

	withMeta := []byte(`{"model":"m","metadata":{"user_id":"sess-42"},"messages":[]}`)
	if got := a.SessionID(withMeta); got != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", got)
	}
}

func TestClaudeClassify(t *testing.T) {
	a := NewClaude("")

	tests := []struct {
		name string
		body string
		want Kind
	}{
		{
			name: "end turn",
			body: `{"stop_reason":"end_turn","content":[{"type":"text","text":"done"}]}`,
			want: KindEndTurn,
		},
		{
			name: "tool use",
			body: `{"stop_reason":"tool_use","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}`,
			want: KindToolUse,
		},
		{
			name: "task spawn is subagent",
			body: `{"stop_reason":"tool_use","content":[{"type":"tool_use","id":"t1","name":"Task","input":{"prompt":"explore"}}]}`,
			want: KindSubagent,
		},
		{
			name: "unparseable",
			body: `not json`,
			want: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Classify([]byte(tt.body)); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaudeActions(t *testing.T) {
	a := NewClaude("")
	body := []byte(`{
		"stop_reason": "tool_use",
		"content": [
			{"type":"text","text":"I'll update the handler to return 429 on overflow."},
			{"type":"tool_use","id":"t1","name":"Edit","input":{"file_path":"/app/handler.go"}},
			{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"go test ./..."}}
		]
	}`)

	actions := a.Actions(body)
	if len(actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2", len(actions))
	}
	if actions[0].Type != "edit" || len(actions[0].Files) != 1 || actions[0].Files[0] != "/app/handler.go" {
		t.Errorf("unexpected edit action: %+v", actions[0])
	}
	if actions[1].Type != "bash" || actions[1].Command != "go test ./..." {
		t.Errorf("unexpected bash action: %+v", actions[1])
	}
}

func TestClaudeInjectMemory(t *testing.T) {
	a := NewClaude("")

	t.Run("string system becomes block array", func(t *testing.T) {
		body := []byte(`{"model":"m","system":"base prompt","messages":[]}`)
		out := a.InjectMemory(body, "team memory: use pgx for postgres")
		var req map[string]json.RawMessage
		if err := json.Unmarshal(out, &req); err != nil {
			t.Fatalf("output not valid JSON: %v", err)
		}
		var blocks []map[string]string
		if err := json.Unmarshal(req["system"], &blocks); err != nil {
			t.Fatalf("system not a block array: %v", err)
		}
		if len(blocks) != 2 {
			t.Fatalf("len(system blocks) = %d, want 2", len(blocks))
		}
		if blocks[0]["text"] != "base prompt" {
			t.Errorf("original system lost: %+v", blocks[0])
		}
		if !strings.Contains(blocks[1]["text"], "team memory") {
			t.Errorf("memory not appended: %+v", blocks[1])
		}
	})

	t.Run("unparseable body passes through", func(t *testing.T) {
		out := a.InjectMemory([]byte("not json"), "memory")
		if string(out) != "not json" {
			t.Errorf("body altered on parse failure: %q", out)
		}
	})
}

func TestClaudeInjectTool(t *testing.T) {
	a := NewClaude("")
	body := []byte(`{"model":"m","messages":[],"tools":[{"name":"Bash","description":"run","input_schema":{}}]}`)

	out := a.InjectTool(body, MemoryToolDefinition())
	var req struct {
		Tools []map[string]interface{} `json:"tools"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(req.Tools))
	}
	if req.Tools[1]["name"] != MemoryToolName {
		t.Errorf("injected tool = %v", req.Tools[1]["name"])
	}

	// Injecting again must not duplicate.
	out2 := a.InjectTool(out, MemoryToolDefinition())
	if err := json.Unmarshal(out2, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Errorf("len(tools) after reinject = %d, want 2", len(req.Tools))
	}
}

func TestClaudeToolResultRequest(t *testing.T) {
	a := NewClaude("")
	reqBody := []byte(`{"model":"m","messages":[{"role":"user","content":"look something up"}]}`)
	respBody := []byte(`{"stop_reason":"tool_use","content":[{"type":"tool_use","id":"call-1","name":"recall_team_memory","input":{"query":"auth"}}]}`)

	out, err := a.ToolResultRequest(reqBody, respBody, []ToolResult{{CallID: "call-1", Content: "prior team finding about auth"}})
	if err != nil {
		t.Fatalf("ToolResultRequest: %v", err)
	}

	var req claudeRequest
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[2].Role != "user" {
		t.Errorf("unexpected continuation roles: %q, %q", req.Messages[1].Role, req.Messages[2].Role)
	}
	if !strings.Contains(string(out), "tool_result") {
		t.Error("continuation missing tool_result block")
	}
	if !strings.Contains(string(out), "prior team finding") {
		t.Error("continuation missing result content")
	}
}

func TestClaudeStreamClassifyAndAssemble(t *testing.T) {
	a := NewClaude("")

	events := []StreamEvent{
		{Name: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg-1","model":"m","role":"assistant","usage":{"input_tokens":12}}}`)},
		{Name: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"All "}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done."}}`)},
		{Name: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`)},
		{Name: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}

	sig := a.ClassifyStreamEvent(events[1], MemoryToolName)
	if !sig.Decisive {
		t.Error("content_block_start should be decisive")
	}
	if sig.InternalTool {
		t.Error("text block should not flag internal tool")
	}

	body := a.AssembleStream(events)
	if body == nil {
		t.Fatal("AssembleStream returned nil")
	}
	if got := a.ResponseText(body); got != "All done." {
		t.Errorf("assembled text = %q", got)
	}
	if got := a.Classify(body); got != KindEndTurn {
		t.Errorf("assembled classify = %v, want end turn", got)
	}
	usage := a.Usage(body)
	if usage.InputTokens != 12 || usage.OutputTokens != 5 {
		t.Errorf("assembled usage = %+v", usage)
	}
}

func TestClaudeStreamInternalToolSignal(t *testing.T) {
	a := NewClaude("")
	ev := StreamEvent{
		Name: "content_block_start",
		Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"recall_team_memory","input":{}}}`),
	}
	sig := a.ClassifyStreamEvent(ev, MemoryToolName)
	if !sig.Decisive || !sig.InternalTool {
		t.Errorf("signal = %+v, want decisive internal", sig)
	}
}

func TestClaudeStreamToolInputAssembly(t *testing.T) {
	a := NewClaude("")
	events := []StreamEvent{
		{Name: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg-2","model":"m","role":"assistant"}}`)},
		{Name: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"Bash"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`)},
		{Name: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`)},
	}

	body := a.AssembleStream(events)
	if body == nil {
		t.Fatal("AssembleStream returned nil")
	}
	calls := a.ToolCalls(body)
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if got, ok := calls[0].Input["command"].(string); !ok || got != "ls" {
		t.Errorf("reassembled input = %+v", calls[0].Input)
	}
}

func TestClaudeStreamMalformedDeltaIndex(t *testing.T) {
	a := NewClaude("")
	events := []StreamEvent{
		{Name: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg-4","model":"m","role":"assistant"}}`)},
		{Name: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":-1,"delta":{"type":"text_delta","text":"x"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":7,"delta":{"type":"text_delta","text":"y"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"kept"}}`)},
		{Name: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)},
	}

	body := a.AssembleStream(events)
	if body == nil {
		t.Fatal("AssembleStream returned nil")
	}
	if got := a.ResponseText(body); got != "kept" {
		t.Errorf("assembled text = %q, want only the in-range delta", got)
	}
}
