package action

import (
	"reflect"
	"testing"
)

func TestFromShellCommand(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want Action
	}{
		{
			name: "cat maps to read with path args",
			argv: []string{"cat", "foo.ts"},
			want: Action{Type: Read, Files: []string{"foo.ts"}, Command: "cat foo.ts"},
		},
		{
			name: "head skips flags",
			argv: []string{"head", "-n", "20", "src/main.go"},
			want: Action{Type: Read, Files: []string{"src/main.go"}, Command: "head -n 20 src/main.go"},
		},
		{
			name: "rg --files maps to glob",
			argv: []string{"rg", "--files", "src"},
			want: Action{Type: Glob, Folders: []string{"src"}, Command: "rg --files src"},
		},
		{
			name: "rg search maps to grep",
			argv: []string{"rg", "TODO", "internal"},
			want: Action{Type: Grep, Folders: []string{"internal"}, Command: "rg TODO internal"},
		},
		{
			name: "ls maps to glob",
			argv: []string{"ls", "-la", "cmd"},
			want: Action{Type: Glob, Folders: []string{"cmd"}, Command: "ls -la cmd"},
		},
		{
			name: "bash -lc extracts literal command",
			argv: []string{"bash", "-lc", "go test ./..."},
			want: Action{Type: Bash, Command: "go test ./..."},
		},
		{
			name: "bash without -lc joins remaining args",
			argv: []string{"bash", "build.sh", "release"},
			want: Action{Type: Bash, Command: "build.sh release"},
		},
		{
			name: "unknown command falls back to bash",
			argv: []string{"terraform", "plan"},
			want: Action{Type: Bash, Command: "terraform plan"},
		},
		{
			name: "empty argv still yields an action",
			argv: nil,
			want: Action{Type: Bash},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromShellCommand(tt.argv)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FromShellCommand(%v) = %+v, want %+v", tt.argv, got, tt.want)
			}
		})
	}
}

func TestParsePatchContent(t *testing.T) {
	patch := `*** Begin Patch
*** Add File: a.ts
+console.log("a")
*** Update File: b.ts
@@ -1 +1 @@
*** Delete File: c.ts
*** Update File: old.ts
*** Move to: d.ts
*** End Patch`

	files, hasAdd, hasDelete := ParsePatchContent(patch)

	want := []string{"a.ts", "b.ts", "c.ts", "old.ts", "d.ts"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
	if !hasAdd {
		t.Error("expected hasAdd=true")
	}
	if !hasDelete {
		t.Error("expected hasDelete=true")
	}
}

func TestParsePatchContentDeduplicates(t *testing.T) {
	patch := "*** Update File: same.ts\n*** Update File: same.ts\n"

	files, hasAdd, hasDelete := ParsePatchContent(patch)

	if len(files) != 1 || files[0] != "same.ts" {
		t.Errorf("files = %v, want [same.ts]", files)
	}
	if hasAdd || hasDelete {
		t.Errorf("expected no add/delete flags, got add=%v delete=%v", hasAdd, hasDelete)
	}
}

func TestFromPatchActionType(t *testing.T) {
	// Add marker present -> write
	act := FromPatch("*** Add File: bar.ts\n")
	if act.Type != Write {
		t.Errorf("expected write, got %s", act.Type)
	}
	if len(act.Files) != 1 || act.Files[0] != "bar.ts" {
		t.Errorf("files = %v, want [bar.ts]", act.Files)
	}

	// Only updates -> edit
	act = FromPatch("*** Update File: baz.ts\n")
	if act.Type != Edit {
		t.Errorf("expected edit, got %s", act.Type)
	}
}

// Mirrors the cat / apply_patch / rg --files capture sequence end to end.
func TestShellCommandSequence(t *testing.T) {
	sequences := [][]string{
		{"cat", "foo.ts"},
		{"apply_patch", "*** Add File: bar.ts\n+content"},
		{"rg", "--files", "src"},
	}

	var got []Action
	for _, argv := range sequences {
		got = append(got, FromShellCommand(argv))
	}

	if got[0].Type != Read || !reflect.DeepEqual(got[0].Files, []string{"foo.ts"}) {
		t.Errorf("step 0 = %+v, want read of foo.ts", got[0])
	}
	if got[1].Type != Write || !reflect.DeepEqual(got[1].Files, []string{"bar.ts"}) {
		t.Errorf("step 1 = %+v, want write of bar.ts", got[1])
	}
	if got[2].Type != Glob || !reflect.DeepEqual(got[2].Folders, []string{"src"}) {
		t.Errorf("step 2 = %+v, want glob of src", got[2])
	}
}
