package adapter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	// minGoalLength is the shortest cleaned user message accepted as a goal.
	minGoalLength = 5
	// maxGoalLength caps the extracted goal text.
	maxGoalLength = 500
	// historyLimit is the number of trailing messages kept as history.
	historyLimit = 10
)

// wrapperTags are structural blocks that agent frontends wrap around user
// text. They carry no user intent and are stripped before extraction.
var wrapperTags = []string{
	"system-reminder",
	"system_warning",
	"ide_context",
	"environment_details",
	"attachment",
	"command-output",
}

var wrapperTagPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(wrapperTags))
	for _, tag := range wrapperTags {
		patterns = append(patterns, regexp.MustCompile(fmt.Sprintf(`(?is)<%s\b[^>]*>.*?</%s>`, tag, tag)))
	}
	return patterns
}()

// StripWrapperTags removes structural wrapper blocks from message text and
// trims surrounding whitespace.
func StripWrapperTags(s string) string {
	for _, re := range wrapperTagPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// GoalFromMessages scans user turns in reverse chronological order and
// returns the first cleaned message of at least minGoalLength characters,
// truncated to maxGoalLength. Returns "" when no message qualifies; callers
// must treat a missing goal as unknown, never as an error.
func GoalFromMessages(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		cleaned := StripWrapperTags(msgs[i].Content)
		if len([]rune(cleaned)) >= minGoalLength {
			return Truncate(cleaned, maxGoalLength)
		}
	}
	return ""
}

// HistoryFromMessages returns the last historyLimit user/assistant messages
// with wrapper tags stripped and blank results dropped, preserving original
// order. The result is a model-input hint only, not ground truth.
func HistoryFromMessages(msgs []Message) []Message {
	var filtered []Message
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > historyLimit {
		filtered = filtered[len(filtered)-historyLimit:]
	}

	var out []Message
	for _, m := range filtered {
		cleaned := StripWrapperTags(m.Content)
		if cleaned == "" {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: cleaned})
	}
	return out
}

// Truncate limits s to n runes.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

var (
	tokenEncoder     *tiktoken.Tiktoken
	tokenEncoderOnce sync.Once
)

// EstimateTokens estimates the token count of text. Used when a streaming
// response carries no usage block. Falls back to a chars/4 heuristic when the
// BPE tables are unavailable (offline environments).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokenEncoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEncoder = enc
		}
	})
	if tokenEncoder == nil {
		return len(text) / 4
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// modeFromSystemText derives the agent mode hint from system/instructions
// text. Defaults to agent.
func modeFromSystemText(system string) string {
	lower := strings.ToLower(system)
	switch {
	case strings.Contains(lower, "plan mode"):
		return "plan"
	case strings.Contains(lower, "ask mode"), strings.Contains(lower, "read-only mode"):
		return "ask"
	}
	return "agent"
}

var projectPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:primary working directory|working directory|workspace root|cwd)\s*[:=]\s*([^\s<>"']+)`),
	regexp.MustCompile(`(?is)<cwd>\s*([^<]+?)\s*</cwd>`),
}

// projectPathFromText finds the agent's working directory in system or
// environment text. Returns "" when none is found.
func projectPathFromText(texts ...string) string {
	for _, text := range texts {
		for _, re := range projectPathPatterns {
			if m := re.FindStringSubmatch(text); len(m) == 2 {
				return strings.TrimSpace(m[1])
			}
		}
	}
	return ""
}
