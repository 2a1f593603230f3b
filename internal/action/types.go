// Package action defines the provider-agnostic representation of a single
// tool, file, or command operation extracted from agent traffic.
package action

// Type classifies a normalized action.
type Type string

// Action types
const (
	Read  Type = "read"
	Write Type = "write"
	Edit  Type = "edit"
	Bash  Type = "bash"
	Glob  Type = "glob"
	Grep  Type = "grep"
	Task  Type = "task"
	Other Type = "other"
)

// Action is the normalized form of one agent operation. It is ephemeral:
// produced per upstream response and projected into step records, never
// persisted directly.
type Action struct {
	Type      Type
	Files     []string
	Folders   []string
	Command   string
	Reasoning string

	// Patch bookkeeping, set only for apply_patch derived actions.
	HasAdd    bool
	HasDelete bool
}
