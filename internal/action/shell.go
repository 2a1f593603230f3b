package action

import (
	"path/filepath"
	"strings"
)

// Patch body markers emitted by the apply_patch tool.
const (
	markerAddFile    = "*** Add File: "
	markerUpdateFile = "*** Update File: "
	markerDeleteFile = "*** Delete File: "
	markerMoveTo     = "*** Move to: "
)

// FromShellCommand maps a shell argv into a normalized action by command-name
// pattern matching. The mapping is exhaustive over unknown inputs: any command
// not matched by a rule produces the bash fallback. It never fails and never
// drops an action.
func FromShellCommand(argv []string) Action {
	if len(argv) == 0 {
		return Action{Type: Bash}
	}

	name := filepath.Base(argv[0])
	args := argv[1:]

	switch name {
	case "cat", "head", "tail":
		return Action{
			Type:    Read,
			Files:   pathArgs(args),
			Command: strings.Join(argv, " "),
		}

	case "apply_patch", "applypatch":
		patch := ""
		if len(args) > 0 {
			patch = args[len(args)-1]
		}
		return FromPatch(patch)

	case "rg":
		if hasArg(args, "--files") {
			return Action{
				Type:    Glob,
				Folders: nonFlagArgs(args),
				Command: strings.Join(argv, " "),
			}
		}
		return Action{
			Type:    Grep,
			Folders: searchTargets(args),
			Command: strings.Join(argv, " "),
		}

	case "ls":
		return Action{
			Type:    Glob,
			Folders: nonFlagArgs(args),
			Command: strings.Join(argv, " "),
		}

	case "bash", "sh", "zsh":
		return Action{
			Type:    Bash,
			Command: shellPayload(args),
		}
	}

	return Action{
		Type:    Bash,
		Command: strings.Join(argv, " "),
	}
}

// FromPatch parses an apply_patch body and produces a write action when any
// Add File marker is present, otherwise an edit action. The file list is the
// deduplicated union of all named and moved-to files.
func FromPatch(patch string) Action {
	files, hasAdd, hasDelete := ParsePatchContent(patch)
	t := Edit
	if hasAdd {
		t = Write
	}
	return Action{
		Type:      t,
		Files:     files,
		Command:   "apply_patch",
		HasAdd:    hasAdd,
		HasDelete: hasDelete,
	}
}

// ParsePatchContent scans patch text for Add/Update/Delete/Move markers and
// returns the deduplicated file set in first-seen order plus the add/delete
// flags.
func ParsePatchContent(patch string) (files []string, hasAdd, hasDelete bool) {
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		files = append(files, name)
	}

	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, markerAddFile):
			hasAdd = true
			add(strings.TrimPrefix(line, markerAddFile))
		case strings.HasPrefix(line, markerUpdateFile):
			add(strings.TrimPrefix(line, markerUpdateFile))
		case strings.HasPrefix(line, markerDeleteFile):
			hasDelete = true
			add(strings.TrimPrefix(line, markerDeleteFile))
		case strings.HasPrefix(line, markerMoveTo):
			add(strings.TrimPrefix(line, markerMoveTo))
		}
	}

	return files, hasAdd, hasDelete
}

// shellPayload extracts the literal command following -lc (or -c), falling
// back to the joined remaining args.
func shellPayload(args []string) string {
	for i, a := range args {
		if (a == "-lc" || a == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return strings.Join(args, " ")
}

// pathArgs returns non-flag arguments that look like paths (contain a slash
// or a dot).
func pathArgs(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if strings.ContainsAny(a, "/.") {
			out = append(out, a)
		}
	}
	return out
}

// nonFlagArgs returns every argument that is not a flag.
func nonFlagArgs(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// searchTargets returns the non-flag arguments after the search pattern, the
// places an rg invocation actually searches.
func searchTargets(args []string) []string {
	plain := nonFlagArgs(args)
	if len(plain) <= 1 {
		return nil
	}
	return plain[1:]
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
