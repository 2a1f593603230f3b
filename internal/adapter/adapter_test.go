package adapter

import (
	"net/http/httptest"
	"testing"
)

func TestRegistryMatch(t *testing.T) {
	reg := NewRegistry(NewClaude(""), NewCodex(""))

	req := httptest.NewRequest("POST", "http://localhost/v1/messages", nil)
	if a := reg.Match(req); a == nil || a.Name() != "claude" {
		t.Errorf("matched %v, want claude", a)
	}

	req = httptest.NewRequest("POST", "http://localhost/v1/responses", nil)
	if a := reg.Match(req); a == nil || a.Name() != "codex" {
		t.Errorf("matched %v, want codex", a)
	}

	req = httptest.NewRequest("GET", "http://localhost/v1/models", nil)
	if a := reg.Match(req); a != nil {
		t.Errorf("matched %s, want pass-through", a.Name())
	}
}

func TestMemoryToolDefinition(t *testing.T) {
	def := MemoryToolDefinition()
	if def.Name != MemoryToolName {
		t.Errorf("name = %q", def.Name)
	}
	if def.Schema["type"] != "object" {
		t.Errorf("schema = %+v", def.Schema)
	}
}
