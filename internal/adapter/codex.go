package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/driftwatch/driftwatch/internal/action"
)

// Codex adapts the OpenAI Responses wire format.
type Codex struct {
	upstream string
}

// NewCodex creates the Codex adapter relaying to the given upstream base URL.
func NewCodex(upstream string) *Codex {
	if upstream == "" {
		upstream = "https://api.openai.com"
	}
	return &Codex{upstream: strings.TrimRight(upstream, "/")}
}

// Name returns the agent variant name.
func (c *Codex) Name() string { return "codex" }

// Upstream returns the real provider base URL.
func (c *Codex) Upstream() string { return c.upstream }

// CanHandle matches the Responses API path.
func (c *Codex) CanHandle(r *http.Request) bool {
	path := r.URL.Path
	return strings.HasSuffix(path, "/responses") || strings.Contains(path, "/v1/responses")
}

// OpenAI Responses wire structures.

type codexRequest struct {
	Model          string            `json:"model"`
	Instructions   string            `json:"instructions,omitempty"`
	Input          json.RawMessage   `json:"input"`
	Tools          []json.RawMessage `json:"tools,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	User           string            `json:"user,omitempty"`
	PromptCacheKey string            `json:"prompt_cache_key,omitempty"`
}

type codexItem struct {
	Type      string          `json:"type,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Output    string          `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type codexResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status,omitempty"`
	Output []codexItem `json:"output"`
	Usage  codexUsage  `json:"usage"`
}

func parseCodexRequest(body []byte) *codexRequest {
	var req codexRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return &req
}

func parseCodexResponse(body []byte) *codexResponse {
	var resp codexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return &resp
}

func parseCodexInput(input json.RawMessage) []codexItem {
	if len(input) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(input, &asString); err == nil {
		return []codexItem{{Type: "message", Role: "user", Content: input}}
	}
	var items []codexItem
	if err := json.Unmarshal(input, &items); err != nil {
		return nil
	}
	return items
}

// codexItemText flattens a message item's content, which is either a plain
// string or a list of typed content parts.
func codexItemText(item codexItem) string {
	if len(item.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(item.Content, &asString); err == nil {
		return asString
	}
	var parts []codexContent
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

func (c *Codex) flattenInput(req *codexRequest) []Message {
	if req == nil {
		return nil
	}
	var msgs []Message
	for _, item := range parseCodexInput(req.Input) {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		if item.Role == "" {
			continue
		}
		msgs = append(msgs, Message{Role: item.Role, Content: codexItemText(item)})
	}
	return msgs
}

// ProjectPath extracts the working directory from instructions or input text.
func (c *Codex) ProjectPath(reqBody []byte) string {
	req := parseCodexRequest(reqBody)
	if req == nil {
		return ""
	}
	texts := []string{req.Instructions}
	if msgs := c.flattenInput(req); len(msgs) > 0 {
		texts = append(texts, msgs[0].Content)
	}
	return projectPathFromText(texts...)
}

// SessionID returns the conversation identity: the prompt cache key or user
// field when present, otherwise a stable hash of the project path and first
// message.
func (c *Codex) SessionID(reqBody []byte) string {
	req := parseCodexRequest(reqBody)
	if req == nil {
		return ""
	}
	if req.PromptCacheKey != "" {
		return req.PromptCacheKey
	}
	if req.User != "" {
		return req.User
	}

	h := sha256.New()
	h.Write([]byte(c.ProjectPath(reqBody)))
	if msgs := c.flattenInput(req); len(msgs) > 0 {
		h.Write([]byte(msgs[0].Content))
	}
	return "codex-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Mode derives the agent mode hint from the instructions text.
func (c *Codex) Mode(reqBody []byte) string {
	req := parseCodexRequest(reqBody)
	if req == nil {
		return "agent"
	}
	return modeFromSystemText(req.Instructions)
}

// Goal returns the user's most recent substantive prompt.
func (c *Codex) Goal(reqBody []byte) string {
	return GoalFromMessages(c.flattenInput(parseCodexRequest(reqBody)))
}

// History returns the trailing conversation as a model-input hint.
func (c *Codex) History(reqBody []byte) []Message {
	return HistoryFromMessages(c.flattenInput(parseCodexRequest(reqBody)))
}

// ResponseText concatenates the output text of message items.
func (c *Codex) ResponseText(respBody []byte) string {
	resp := parseCodexResponse(respBody)
	if resp == nil {
		return ""
	}
	var parts []string
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		if text := codexItemText(item); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage returns token accounting, estimating output tokens when the response
// carries no usage block.
func (c *Codex) Usage(respBody []byte) Usage {
	resp := parseCodexResponse(respBody)
	if resp == nil {
		return Usage{}
	}
	u := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if u.OutputTokens == 0 {
		u.OutputTokens = EstimateTokens(c.ResponseText(respBody))
	}
	return u
}

// Classify determines whether the response ends the turn or requests tool use.
func (c *Codex) Classify(respBody []byte) Kind {
	resp := parseCodexResponse(respBody)
	if resp == nil {
		return KindUnknown
	}
	for _, item := range resp.Output {
		if item.Type == "function_call" || item.Type == "local_shell_call" {
			return KindToolUse
		}
	}
	if len(resp.Output) > 0 {
		return KindEndTurn
	}
	return KindUnknown
}

// ToolCalls extracts the function_call items of a response.
func (c *Codex) ToolCalls(respBody []byte) []ToolCall {
	resp := parseCodexResponse(respBody)
	if resp == nil {
		return nil
	}
	var calls []ToolCall
	for _, item := range resp.Output {
		if item.Type != "function_call" && item.Type != "local_shell_call" {
			continue
		}
		call := ToolCall{ID: item.CallID, Name: item.Name, Arguments: item.Arguments}
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(item.Arguments), &input); err == nil {
			call.Input = input
		}
		calls = append(calls, call)
	}
	return calls
}

// Actions converts the response's tool calls into normalized actions. Shell
// invocations go through the command-name classifier; apply_patch arguments
// go through the patch parser; anything else takes the bash fallback.
func (c *Codex) Actions(respBody []byte) []action.Action {
	var actions []action.Action
	for _, call := range c.ToolCalls(respBody) {
		actions = append(actions, codexToolAction(call))
	}
	return actions
}

func codexToolAction(call ToolCall) action.Action {
	switch call.Name {
	case "shell", "local_shell", "exec", "container.exec":
		return action.FromShellCommand(codexCommandArgv(call))
	case "apply_patch":
		patch := ""
		if call.Input != nil {
			if v, ok := call.Input["input"].(string); ok {
				patch = v
			} else if v, ok := call.Input["patch"].(string); ok {
				patch = v
			}
		}
		return action.FromPatch(patch)
	}
	cmd := call.Name
	if call.Arguments != "" {
		cmd += " " + call.Arguments
	}
	return action.Action{Type: action.Bash, Command: cmd}
}

// codexCommandArgv pulls the argv out of a shell call's arguments, accepting
// both array and string forms.
func codexCommandArgv(call ToolCall) []string {
	if call.Input == nil {
		return nil
	}
	switch cmd := call.Input["command"].(type) {
	case []interface{}:
		argv := make([]string, 0, len(cmd))
		for _, v := range cmd {
			if s, ok := v.(string); ok {
				argv = append(argv, s)
			}
		}
		return argv
	case string:
		return strings.Fields(cmd)
	}
	return nil
}

// InjectMemory prepends a memory section to the request instructions. The
// original bytes are returned unchanged when the body cannot be parsed.
func (c *Codex) InjectMemory(reqBody []byte, memory string) []byte {
	if memory == "" {
		return reqBody
	}
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return reqBody
	}

	if instructions, ok := req["instructions"].(string); ok && instructions != "" {
		req["instructions"] = instructions + "\n\n" + memory
	} else {
		req["instructions"] = memory
	}

	out, err := json.Marshal(req)
	if err != nil {
		return reqBody
	}
	return out
}

// InjectTool appends an internal function tool to the request's tool list.
func (c *Codex) InjectTool(reqBody []byte, def ToolDefinition) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return reqBody
	}

	entry := map[string]interface{}{
		"type":        "function",
		"name":        def.Name,
		"description": def.Description,
		"parameters":  def.Schema,
	}

	tools, _ := req["tools"].([]interface{})
	for _, t := range tools {
		if m, ok := t.(map[string]interface{}); ok && m["name"] == def.Name {
			return reqBody
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
func (c *Codex) FilterResponseHeaders(h http.Header) {
	h.Del("Openai-Organization")
	h.Del("X-Request-Id")
}

// ToolResultRequest appends the response's function calls and the synthesized
// outputs to the original input list, producing the continuation request.
func (c *Codex) ToolResultRequest(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	var req map[string]interface{}
	if err := json.Unmarshal(reqBody, &req); err != nil {
		return nil, err
	}
	resp := parseCodexResponse(respBody)

	input, ok := req["input"].([]interface{})
	if !ok {
		if s, isString := req["input"].(string); isString {
			input = []interface{}{map[string]interface{}{"role": "user", "content": s}}
		}
	}

	if resp != nil {
		for _, item := range resp.Output {
			if item.Type != "function_call" {
				continue
			}
			input = append(input, map[string]interface{}{
				"type":      "function_call",
				"name":      item.Name,
				"arguments": item.Arguments,
				"call_id":   item.CallID,
			})
		}
	}

	for _, r := range results {
		input = append(input, map[string]interface{}{
			"type":    "function_call_output",
			"call_id": r.CallID,
			"output":  r.Content,
		})
	}
	req["input"] = input

	return json.Marshal(req)
}

// Streaming event payloads.

type codexStreamData struct {
	Type     string          `json:"type"`
	Item     *codexItem      `json:"item,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ClassifyStreamEvent becomes decisive at the first output item: the response
// opens with the internal tool iff that item is a function_call for it.
func (c *Codex) ClassifyStreamEvent(ev StreamEvent, internalTool string) StreamSignal {
	var data codexStreamData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return StreamSignal{}
	}
	name := ev.Name
	if name == "" {
		name = data.Type
	}
	switch name {
	case "response.output_item.added":
		if data.Item == nil {
			return StreamSignal{Decisive: true}
		}
		return StreamSignal{
			Decisive:     true,
			InternalTool: data.Item.Type == "function_call" && data.Item.Name == internalTool,
		}
	case "response.completed", "response.failed", "error":
		return StreamSignal{Decisive: true}
	}
	return StreamSignal{}
}

// AssembleStream reconstructs a complete Responses payload from SSE events,
// preferring the final response.completed snapshot and falling back to the
// accumulated output_item.done items.
func (c *Codex) AssembleStream(events []StreamEvent) []byte {
	var fallback codexResponse
	seen := false

	for _, ev := range events {
		var data codexStreamData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}
		name := ev.Name
		if name == "" {
			name = data.Type
		}
		switch name {
		case "response.completed":
			if len(data.Response) > 0 {
				return data.Response
			}
		case "response.output_item.done":
			if data.Item != nil {
				fallback.Output = append(fallback.Output, *data.Item)
				seen = true
			}
		}
	}

	if !seen {
		return nil
	}
	fallback.Status = "completed"
	out, err := json.Marshal(fallback)
	if err != nil {
		return nil
	}
	return out
}
