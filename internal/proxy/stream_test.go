package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/driftwatch/driftwatch/internal/adapter"
)

const textStreamRaw = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-1\",\"model\":\"m\",\"role\":\"assistant\",\"usage\":{\"input_tokens\":12}}}\n" +
	"\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n" +
	"\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"All done.\"}}\n" +
	"\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n" +
	"\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n" +
	"\n"

const toolStreamRaw = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-2\",\"model\":\"m\",\"role\":\"assistant\"}}\n" +
	"\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"t1\",\"name\":\"recall_team_memory\"}}\n" +
	"\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"query\\\":\\\"auth flow\\\"}\"}}\n" +
	"\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"}}\n" +
	"\n"

func sseResponse(raw string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Request-Id", "req_abc")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(raw)),
	}
}

func TestSSEParser(t *testing.T) {
	p := &sseParser{}
	lines := []string{
		"event: message_start",
		`data: {"type":"message_start"}`,
		"",
		`data: {"type":"unnamed"}`,
		"",
		"data: [DONE]",
		"",
	}
	for _, line := range lines {
		p.feedLine(line)
	}
	p.flush()

	if len(p.events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(p.events))
	}
	if p.events[0].Name != "message_start" {
		t.Errorf("events[0].Name = %q", p.events[0].Name)
	}
	if p.events[1].Name != "" {
		t.Errorf("events[1].Name = %q, want empty", p.events[1].Name)
	}
}

func TestRelayStreamByteIdentical(t *testing.T) {
	rec := httptest.NewRecorder()
	outcome := relayStream(rec, sseResponse(textStreamRaw), adapter.NewClaude(""), adapter.MemoryToolName)

	if outcome.intercepted {
		t.Fatal("text stream should not be intercepted")
	}
	if rec.Body.String() != textStreamRaw {
		t.Errorf("relayed bytes differ from upstream:\n%q", rec.Body.String())
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected Content-Type to be relayed")
	}
	if len(outcome.events) != 5 {
		t.Errorf("len(events) = %d, want 5", len(outcome.events))
	}
}

func TestRelayStreamInterceptsInternalTool(t *testing.T) {
	rec := httptest.NewRecorder()
	outcome := relayStream(rec, sseResponse(toolStreamRaw), adapter.NewClaude(""), adapter.MemoryToolName)

	if !outcome.intercepted {
		t.Fatal("internal tool stream should be intercepted")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("intercepted stream leaked %d bytes to the client", rec.Body.Len())
	}

	body := adapter.NewClaude("").AssembleStream(outcome.events)
	if body == nil {
		t.Fatal("AssembleStream returned nil")
	}
	calls := adapter.NewClaude("").ToolCalls(body)
	if len(calls) != 1 || calls[0].Name != adapter.MemoryToolName {
		t.Fatalf("calls = %+v", calls)
	}
	if got, _ := calls[0].Input["query"].(string); got != "auth flow" {
		t.Errorf("query = %q", got)
	}
}

func TestRelayStreamNoToolInterception(t *testing.T) {
	// Without an internal tool configured the same stream is relayed.
	rec := httptest.NewRecorder()
	outcome := relayStream(rec, sseResponse(toolStreamRaw), adapter.NewClaude(""), "")

	if outcome.intercepted {
		t.Fatal("stream should not be intercepted without an internal tool")
	}
	if rec.Body.String() != toolStreamRaw {
		t.Error("Expected the tool stream to be relayed byte-identically")
	}
}

func TestRelayStreamUndecidedFlushesAtEOF(t *testing.T) {
	raw := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-3\",\"model\":\"m\"}}\n" +
		"\n"

	rec := httptest.NewRecorder()
	outcome := relayStream(rec, sseResponse(raw), adapter.NewClaude(""), adapter.MemoryToolName)

	if outcome.intercepted {
		t.Fatal("truncated stream should not be intercepted")
	}
	if rec.Body.String() != raw {
		t.Error("Expected held bytes to be flushed when upstream ends undecided")
	}
}
