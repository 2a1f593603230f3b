// Package adapter normalizes provider wire protocols for the proxy. Each
// adapter recognizes its provider's request shape, extracts session context
// from request bodies, classifies responses, and parses tool invocations into
// normalized actions.
//
// Every extraction method is total: malformed input yields an empty or zero
// value, never an error and never a panic.
package adapter

import (
	"net/http"

	"github.com/driftwatch/driftwatch/internal/action"
)

// Message is a flattened conversation message used as a model-input hint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token accounting extracted from a provider response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Kind classifies a provider response.
type Kind int

// Response kinds
const (
	KindUnknown Kind = iota
	KindEndTurn
	KindToolUse
	KindSubagent
)

// ToolCall is one tool invocation extracted from a response.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	Input     map[string]interface{}
}

// ToolResult carries a synthesized result for an intercepted tool call.
type ToolResult struct {
	CallID  string
	Content string
}

// ToolDefinition describes a tool injected into an outbound request.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// StreamEvent is one reassembled SSE event from a streaming response.
type StreamEvent struct {
	Name string
	Data []byte
}

// StreamSignal is the adapter's read of a single stream event, used by the
// proxy to decide whether a streaming response opens with the internal tool.
type StreamSignal struct {
	// Decisive reports that the adapter can now tell whether the response
	// must be intercepted.
	Decisive bool
	// InternalTool reports that the response opens with a call to the named
	// internal tool.
	InternalTool bool
}

// Adapter is the per-provider wire protocol surface.
type Adapter interface {
	// Name identifies the agent variant (claude, codex).
	Name() string

	// Upstream returns the real provider base URL requests are relayed to.
	Upstream() string

	// CanHandle reports whether this adapter recognizes the request shape.
	CanHandle(r *http.Request) bool

	// Request-side extraction. All total.
	ProjectPath(reqBody []byte) string
	SessionID(reqBody []byte) string
	Mode(reqBody []byte) string
	Goal(reqBody []byte) string
	History(reqBody []byte) []Message

	// Response-side extraction. All total.
	ResponseText(respBody []byte) string
	Usage(respBody []byte) Usage
	Classify(respBody []byte) Kind
	ToolCalls(respBody []byte) []ToolCall
	Actions(respBody []byte) []action.Action

	// Outbound request mutation. Both return the original bytes unchanged
	// when the body cannot be parsed.
	InjectMemory(reqBody []byte, memory string) []byte
	InjectTool(reqBody []byte, def ToolDefinition) []byte

	// FilterResponseHeaders removes provider-internal headers before the
	// response is relayed to the client.
	FilterResponseHeaders(h http.Header)

	// ToolResultRequest builds the continuation request that feeds
	// synthesized tool results back upstream.
	ToolResultRequest(reqBody, respBody []byte, results []ToolResult) ([]byte, error)

	// Streaming support.
	ClassifyStreamEvent(ev StreamEvent, internalTool string) StreamSignal
	AssembleStream(events []StreamEvent) []byte
}

// Registry holds adapters in registration order and resolves the first whose
// CanHandle matches. Resolution happens once per inbound request.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry with the given adapters, probed in order.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Register appends an adapter to the probe order.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Match returns the first adapter that recognizes the request, or nil when
// none match. A nil result means the request is not recognized agent traffic
// and must be passed through unmodified.
func (r *Registry) Match(req *http.Request) Adapter {
	for _, a := range r.adapters {
		if a.CanHandle(req) {
			return a
		}
	}
	return nil
}

// Adapters returns the registered adapters in probe order.
func (r *Registry) Adapters() []Adapter {
	return r.adapters
}

// MemoryToolName is the internal memory-control tool injected into outbound
// requests. Calls to it are intercepted by the proxy and never reach the
// human client.
const MemoryToolName = "recall_team_memory"

// MemoryToolDefinition returns the internal tool definition.
func MemoryToolDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        MemoryToolName,
		Description: "Recall relevant past work from the team memory store. Use when prior context about this codebase would help.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What to look up, e.g. a file, feature, or error message",
				},
			},
			"required": []string{"query"},
		},
	}
}
