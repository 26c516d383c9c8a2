// Package validation checks tool descriptors before they are advertised.
package validation

import (
	"fmt"

	"github.com/ggoodman/mcp-session-go/mcp"
)

const maxToolNameLen = 128

// ToolName reports whether name is a usable tool name: 1 to 128 characters
// drawn from ASCII letters, digits, '_', '-' and '.'.
func ToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(name) > maxToolNameLen {
		return fmt.Errorf("tool name longer than %d characters", maxToolNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("tool name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

// ToolInputSchema validates and normalizes s in place. An empty type becomes
// "object"; Required is de-duplicated preserving first-occurrence order.
func ToolInputSchema(s *mcp.ToolInputSchema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Type != "object" {
		return fmt.Errorf("input schema type must be object, got %q", s.Type)
	}
	seen := map[string]struct{}{}
	var req []string
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property missing: %s", name)
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			req = append(req, name)
		}
	}
	s.Required = req
	for name, p := range s.Properties {
		if p.Type == "" {
			return fmt.Errorf("property %s missing type", name)
		}
	}
	return nil
}

// Tool validates the name and input schema of t, normalizing the schema.
func Tool(t *mcp.Tool) error {
	if err := ToolName(t.Name); err != nil {
		return err
	}
	if err := ToolInputSchema(&t.InputSchema); err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	return nil
}
