package adapter

import (
	"strings"
	"testing"
)

func TestStripWrapperTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "system reminder removed",
			input: "fix the login bug <system-reminder>internal note</system-reminder>",
			want:  "fix the login bug",
		},
		{
			name:  "multiline block removed",
			input: "<ide_context>\nopen files\n</ide_context>\nadd retry logic",
			want:  "add retry logic",
		},
		{
			name:  "tag with attributes removed",
			input: `<attachment name="log.txt">contents</attachment> investigate the crash`,
			want:  "investigate the crash",
		},
		{
			name:  "plain text untouched",
			input: "refactor the parser",
			want:  "refactor the parser",
		},
		{
			name:  "only wrapper leaves empty",
			input: "<system-reminder>nothing else</system-reminder>",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripWrapperTags(tt.input); got != tt.want {
				t.Errorf("StripWrapperTags(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGoalFromMessages(t *testing.T) {
	t.Run("latest substantive user turn wins", func(t *testing.T) {
		msgs := []Message{
			{Role: "user", Content: "build the sync engine"},
			{Role: "assistant", Content: "done"},
			{Role: "user", Content: "now add retries to it"},
		}
		if got := GoalFromMessages(msgs); got != "now add retries to it" {
			t.Errorf("goal = %q", got)
		}
	})

	t.Run("short messages are skipped", func(t *testing.T) {
		msgs := []Message{
			{Role: "user", Content: "make the tests pass"},
			{Role: "user", Content: "ok"},
		}
		if got := GoalFromMessages(msgs); got != "make the tests pass" {
			t.Errorf("goal = %q", got)
		}
	})

	t.Run("wrapper-only messages are skipped", func(t *testing.T) {
		msgs := []Message{
			{Role: "user", Content: "implement dark mode"},
			{Role: "user", Content: "<system-reminder>continue</system-reminder>"},
		}
		if got := GoalFromMessages(msgs); got != "implement dark mode" {
			t.Errorf("goal = %q", got)
		}
	})

	t.Run("no qualifying message yields empty", func(t *testing.T) {
		msgs := []Message{
			{Role: "assistant", Content: "working on it"},
			{Role: "user", Content: "ok"},
		}
		if got := GoalFromMessages(msgs); got != "" {
			t.Errorf("goal = %q, want empty", got)
		}
	})

	t.Run("long goals are truncated to 500", func(t *testing.T) {
		msgs := []Message{{Role: "user", Content: strings.Repeat("x", 900)}}
		if got := GoalFromMessages(msgs); len(got) != 500 {
			t.Errorf("len(goal) = %d, want 500", len(got))
		}
	})
}

func TestHistoryFromMessages(t *testing.T) {
	var msgs []Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs,
			Message{Role: "user", Content: "prompt " + strings.Repeat("a", i+1)},
			Message{Role: "assistant", Content: "reply " + strings.Repeat("b", i+1)},
		)
	}
	msgs = append(msgs, Message{Role: "system", Content: "ignored"})
	msgs = append(msgs, Message{Role: "user", Content: "<system-reminder>blank after strip</system-reminder>"})

	history := HistoryFromMessages(msgs)

	// Last 10 user/assistant messages, minus the one that strips to blank.
	if len(history) != 9 {
		t.Fatalf("len(history) = %d, want 9", len(history))
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			t.Errorf("unexpected role %q in history", m.Role)
		}
	}
	// Order preserved: last entry before the blank one was an assistant reply.
	if history[len(history)-1].Role != "assistant" {
		t.Errorf("last history role = %q, want assistant", history[len(history)-1].Role)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
	if got := EstimateTokens("some reasonably sized piece of text"); got <= 0 {
		t.Errorf("EstimateTokens = %d, want > 0", got)
	}
}

func TestProjectPathFromText(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Primary working directory: /home/dev/api", "/home/dev/api"},
		{"some preamble\nworking directory: /srv/app\nmore", "/srv/app"},
		{"<cwd>/Users/a/proj</cwd>", "/Users/a/proj"},
		{"no path here", ""},
	}

	for _, tt := range tests {
		if got := projectPathFromText(tt.input); got != tt.want {
			t.Errorf("projectPathFromText(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
