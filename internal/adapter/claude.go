package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/driftwatch/driftwatch/internal/action"
)

// Claude adapts the Anthropic Messages wire format.
type Claude struct {
	upstream string
}

// NewClaude creates the Claude adapter relaying to the given upstream base URL.
func NewClaude(upstream string) *Claude {
	if upstream == "" {
		upstream = "https://api.anthropic.com"
	}
	return &Claude{upstream: strings.TrimRight(upstream, "/")}
}

// Name returns the agent variant name.
func (c *Claude) Name() string { return "claude" }

// Upstream returns the real provider base URL.
func (c *Claude) Upstream() string { return c.upstream }

// CanHandle matches the Messages API path or the anthropic-version header.
func (c *Claude) CanHandle(r *http.Request) bool {
	if strings.Contains(r.URL.Path, "/v1/messages") {
		return true
	}
	return r.Header.Get("anthropic-version") != ""
}

// Anthropic Messages wire structures.

type claudeRequest struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages []claudeMessage `json:"messages"`
	Metadata *claudeMetadata `json:"metadata,omitempty"`
	Stream   bool            `json:"stream,omitempty"`
}

type claudeMetadata struct {
	UserID string `json:"user_id"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Model      string        `json:"model,omitempty"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      claudeUsage   `json:"usage"`
}

func parseClaudeRequest(body []byte) *claudeRequest {
	var req claudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return &req
}

func parseClaudeResponse(body []byte) *claudeResponse {
	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return &resp
}

// claudeMessageText flattens a message's content, which is either a plain
// string or a list of content blocks.
func claudeMessageText(m claudeMessage) string {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return asString
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func claudeSystemText(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(system, &asString); err == nil {
		return asString
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(system, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Claude) flattenMessages(req *claudeRequest) []Message {
	if req == nil {
		return nil
	}
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, Message{Role: m.Role, Content: claudeMessageText(m)})
	}
	return msgs
}

// ProjectPath extracts the working directory from system or first-message text.
func (c *Claude) ProjectPath(reqBody []byte) string {
	req := parseClaudeRequest(reqBody)
	if req == nil {
		return ""
	}
	texts := []string{claudeSystemText(req.System)}
	if len(req.Messages) > 0 {
		texts = append(texts, claudeMessageText(req.Messages[0]))
	}
	return projectPathFromText(texts...)
}

// SessionID returns the conversation identity: the client-supplied metadata
// user_id when present, otherwise a stable hash of the project path and first
// message.
func (c *Claude) SessionID(reqBody []byte) string {
	req := parseClaudeRequest(reqBody)
	if req == nil {
		return ""
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}

	h := sha256.New()
	h.Write([]byte(c.ProjectPath(reqBody)))
	if len(req.Messages) > 0 {
		h.Write([]byte(claudeMessageText(req.Messages[0])))
	}
	return "claude-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Mode derives the agent mode hint from system text.
func (c *Claude) Mode(reqBody []byte) string {
	req := parseClaudeRequest(reqBody)
	if req == nil {
		return "agent"
	}
	return modeFromSystemText(claudeSystemText(req.System))
}

// Goal returns the user's most recent substantive prompt.
func (c *Claude) Goal(reqBody []byte) string {
	return GoalFromMessages(c.flattenMessages(parseClaudeRequest(reqBody)))
}

// History returns the trailing conversation as a model-input hint.
func (c *Claude) History(reqBody []byte) []Message {
	return HistoryFromMessages(c.flattenMessages(parseClaudeRequest(reqBody)))
}

// ResponseText concatenates the text blocks of a response.
func (c *Claude) ResponseText(respBody []byte) string {
	resp := parseClaudeResponse(respBody)
	if resp == nil {
		return ""
	}
	var parts []string
	for _, b := range resp.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage returns token accounting, estimating output tokens when the response
// carries no usage block.
func (c *Claude) Usage(respBody []byte) Usage {
	resp := parseClaudeResponse(respBody)
	if resp == nil {
		return Usage{}
	}
	u := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if u.OutputTokens == 0 {
		u.OutputTokens = EstimateTokens(c.ResponseText(respBody))
	}
	return u
}

// Classify determines whether the response ends the turn, requests tool use,
// or spawns a subagent.
func (c *Claude) Classify(respBody []byte) Kind {
	resp := parseClaudeResponse(respBody)
	if resp == nil {
		return KindUnknown
	}
	if resp.StopReason == "tool_use" {
		for _, b := range resp.Content {
			if b.Type == "tool_use" && b.Name == "Task" {
				return KindSubagent
			}
		}
		return KindToolUse
	}
	if resp.StopReason == "end_turn" || resp.StopReason == "stop_sequence" || resp.StopReason == "max_tokens" {
		return KindEndTurn
	}
	if len(resp.Content) > 0 {
		return KindEndTurn
	}
	return KindUnknown
}

// ToolCalls extracts the tool_use blocks of a response.
func (c *Claude) ToolCalls(respBody []byte) []ToolCall {
	resp := parseClaudeResponse(respBody)
	if resp == nil {
		return nil
	}
	var calls []ToolCall
	for _, b := range resp.Content {
		if b.Type != "tool_use" {
			continue
		}
		call := ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)}
		var input map[string]interface{}
		if err := json.Unmarshal(b.Input, &input); err == nil {
			call.Input = input
		}
		calls = append(calls, call)
	}
	return calls
}

// Actions converts the response's tool calls into normalized actions.
func (c *Claude) Actions(respBody []byte) []action.Action {
	var actions []action.Action
	for _, call := range c.ToolCalls(respBody) {
		actions = append(actions, claudeToolAction(call))
	}
	return actions
}

func claudeToolAction(call ToolCall) action.Action {
	str := func(key string) string {
		if call.Input == nil {
			return ""
		}
		if v, ok := call.Input[key].(string); ok {
			return v
		}
		return ""
	}

	switch call.Name {
	case "Read":
		return action.Action{Type: action.Read, Files: nonEmpty(str("file_path"))}
	case "Write":
		return action.Action{Type: action.Write, Files: nonEmpty(str("file_path"))}
	case "Edit", "MultiEdit", "NotebookEdit":
		return action.Action{Type: action.Edit, Files: nonEmpty(str("file_path"), str("notebook_path"))}
	case "Bash":
		return action.Action{Type: action.Bash, Command: str("command")}
	case "Glob":
		return action.Action{Type: action.Glob, Folders: nonEmpty(str("path")), Command: str("pattern")}
	case "Grep":
		return action.Action{Type: action.Grep, Folders: nonEmpty(str("path")), Command: str("pattern")}
	case "Task":
		return action.Action{Type: action.Task, Reasoning: str("description")}
	}
	return action.Action{Type: action.Other, Command: call.Name}
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// InjectMemory adds a memory text block to the request's system prompt. The
// original bytes are returned unchanged when the body cannot be parsed.
func (c *Claude) InjectMemory(reqBody []byte, memory string) []byte {
	if memory == "" {
		return reqBody
	}
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return reqBody
	}

	memBlock := map[string]interface{}{"type": "text", "text": memory}

	switch system := req["system"].(type) {
	case string:
		req["system"] = []interface{}{
			map[string]interface{}{"type": "text", "text": system},
			memBlock,
		}
	case []interface{}:
		req["system"] = append(system, memBlock)
	default:
		req["system"] = memory
	}

	out, err := json.Marshal(req)
	if err != nil {
		return reqBody
	}
	return out
}

// InjectTool appends an internal tool definition to the request's tool list.
func (c *Claude) InjectTool(reqBody []byte, def ToolDefinition) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return reqBody
	}

	entry := map[string]interface{}{
		"name":         def.Name,
		"description":  def.Description,
		"input_schema": def.Schema,
	}

	tools, _ := req["tools"].([]interface{})
	for _, t := range tools {
		if m, ok := t.(map[string]interface{}); ok && m["name"] == def.Name {
			return reqBody // already present
		}
	}
	req["tools"] = append(tools, entry)

	out, err := json.Marshal(req)
	if err != nil {
		return reqBody
	}
	return out
}

// FilterResponseHeaders removes provider-internal headers.
func (c *Claude) FilterResponseHeaders(h http.Header) {
	h.Del("Anthropic-Organization-Id")
	h.Del("Request-Id")
}

// ToolResultRequest appends the assistant's tool-use turn and the synthesized
// tool results to the original request, producing the continuation request.
func (c *Claude) ToolResultRequest(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	messages, _ := req["messages"].([]interface{})
	messages = append(messages, map[string]interface{}{
		"role":    "assistant",
		"content": resp["content"],
	})

	resultBlocks := make([]interface{}, 0, len(results))
	for _, r := range results {
		resultBlocks = append(resultBlocks, map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": r.CallID,
			"content":     r.Content,
		})
	}
	messages = append(messages, map[string]interface{}{
		"role":    "user",
		"content": resultBlocks,
	})
	req["messages"] = messages

	return json.Marshal(req)
}

// Streaming event payloads.

type claudeStreamData struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *claudeResponse  `json:"message,omitempty"`
	ContentBlock *claudeBlock     `json:"content_block,omitempty"`
	Delta        *claudeStreamDelta `json:"delta,omitempty"`
	Usage        *claudeUsage     `json:"usage,omitempty"`
}

type claudeStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ClassifyStreamEvent becomes decisive at the first content_block_start: the
// response opens with the internal tool iff that block is a tool_use for it.
func (c *Claude) ClassifyStreamEvent(ev StreamEvent, internalTool string) StreamSignal {
	switch ev.Name {
	case "content_block_start":
		var data claudeStreamData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.ContentBlock == nil {
			return StreamSignal{Decisive: true}
		}
		return StreamSignal{
			Decisive:     true,
			InternalTool: data.ContentBlock.Type == "tool_use" && data.ContentBlock.Name == internalTool,
		}
	case "message_delta", "message_stop", "error":
		return StreamSignal{Decisive: true}
	}
	return StreamSignal{}
}

// AssembleStream reconstructs a complete Messages response from SSE events.
// Returns nil when nothing assemblable was seen.
func (c *Claude) AssembleStream(events []StreamEvent) []byte {
	var resp claudeResponse
	inputBufs := make(map[int]*strings.Builder)
	seen := false

	for _, ev := range events {
		var data claudeStreamData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}

		switch ev.Name {
		case "message_start":
			if data.Message != nil {
				resp = *data.Message
				resp.Content = nil
				seen = true
			}
		case "content_block_start":
			if data.ContentBlock != nil {
				block := *data.ContentBlock
				block.Input = nil
				resp.Content = append(resp.Content, block)
				if block.Type == "tool_use" {
					inputBufs[len(resp.Content)-1] = &strings.Builder{}
				}
				seen = true
			}
		case "content_block_delta":
			if data.Delta == nil || data.Index < 0 || data.Index >= len(resp.Content) {
				continue
			}
			switch data.Delta.Type {
			case "text_delta":
				resp.Content[data.Index].Text += data.Delta.Text
			case "input_json_delta":
				if buf, ok := inputBufs[data.Index]; ok {
					buf.WriteString(data.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if data.Delta != nil && data.Delta.StopReason != "" {
				resp.StopReason = data.Delta.StopReason
			}
			if data.Usage != nil {
				if data.Usage.OutputTokens != 0 {
					resp.Usage.OutputTokens = data.Usage.OutputTokens
				}
				if data.Usage.InputTokens != 0 {
					resp.Usage.InputTokens = data.Usage.InputTokens
				}
			}
		}
	}

	if !seen {
		return nil
	}

	for idx, buf := range inputBufs {
		input := buf.String()
		if input == "" {
			input = "{}"
		}
		if json.Valid([]byte(input)) {
			resp.Content[idx].Input = json.RawMessage(input)
		} else {
			resp.Content[idx].Input = json.RawMessage("{}")
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return out
}
