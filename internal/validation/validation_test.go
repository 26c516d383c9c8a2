package validation

import (
	"strings"
	"testing"

	"github.com/ggoodman/mcp-session-go/mcp"
)

func TestToolName(t *testing.T) {
	valid := []string{"echo", "get_weather", "fs.read-file", "A1"}
	for _, n := range valid {
		if err := ToolName(n); err != nil {
			t.Errorf("ToolName(%q) = %v", n, err)
		}
	}
	invalid := []string{"", "has space", "slash/name", strings.Repeat("x", 129)}
	for _, n := range invalid {
		if err := ToolName(n); err == nil {
			t.Errorf("ToolName(%q) should fail", n)
		}
	}
}

func TestToolInputSchema(t *testing.T) {
	s := mcp.ToolInputSchema{
		Properties: map[string]mcp.SchemaProperty{"a": {Type: "string"}, "b": {Type: "number"}},
		Required:   []string{"a", "b", "a"},
	}
	if err := ToolInputSchema(&s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Type != "object" {
		t.Fatalf("type not defaulted: %q", s.Type)
	}
	if len(s.Required) != 2 || s.Required[0] != "a" || s.Required[1] != "b" {
		t.Fatalf("required not de-duplicated: %v", s.Required)
	}

	cases := map[string]mcp.ToolInputSchema{
		"non-object":       {Type: "string"},
		"missing required": mcp.ObjectSchema(nil, "x"),
		"untyped property": mcp.ObjectSchema(map[string]mcp.SchemaProperty{"x": {}}),
	}
	for name, s := range cases {
		if err := ToolInputSchema(&s); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestTool(t *testing.T) {
	if err := Tool(&mcp.Tool{Name: "bad name"}); err == nil {
		t.Fatal("expected name error")
	}
	tool := mcp.Tool{Name: "ok", InputSchema: mcp.ObjectSchema(nil, "missing")}
	if err := Tool(&tool); err == nil || !strings.Contains(err.Error(), "tool ok") {
		t.Fatalf("expected schema error naming the tool, got %v", err)
	}
}
