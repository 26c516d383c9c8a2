package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-go/internal/validation"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// ToolFunc runs one tool invocation. args is the raw "arguments" object,
// which may be empty. Failures the model should see are reported in-band
// with mcp.ErrorResult; a returned error becomes a JSON-RPC error.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs a descriptor with its implementation.
type Tool struct {
	Descriptor mcp.Tool
	Fn         ToolFunc
}

// Typed adapts fn to a ToolFunc that decodes arguments into A first.
// Arguments that do not decode yield an in-band error result.
func Typed[A any](fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a); err != nil {
				return mcp.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		return fn(ctx, a)
	}
}

// TypedTool pairs desc with a Typed implementation.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) Tool {
	return Tool{Descriptor: desc, Fn: Typed(fn)}
}

// ErrDuplicateTool is returned by Register when the name is already taken.
var ErrDuplicateTool = errors.New("tool already registered")

// Tools is a threadsafe, mutable tool set. Every change is broadcast so
// sessions can emit notifications/tools/list_changed.
type Tools struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool

	notifier ChangeNotifier
}

// NewTools returns a tool set holding defs. Later duplicates replace
// earlier ones. It panics if a definition has an invalid name or schema.
func NewTools(defs ...Tool) *Tools {
	ts := &Tools{tools: make(map[string]Tool, len(defs))}
	for _, d := range defs {
		ts.mustPut(d)
	}
	return ts
}

func (ts *Tools) mustPut(def Tool) {
	if err := validation.Tool(&def.Descriptor); err != nil {
		panic("mcpserver: " + err.Error())
	}
	ts.put(def)
}

func (ts *Tools) put(def Tool) {
	name := def.Descriptor.Name
	if _, exists := ts.tools[name]; !exists {
		ts.order = append(ts.order, name)
	}
	ts.tools[name] = def
}

// Register adds def and announces the change. It fails with ErrDuplicateTool
// if the name is taken, or with a validation error for a bad name or schema.
func (ts *Tools) Register(def Tool) error {
	if err := validation.Tool(&def.Descriptor); err != nil {
		return err
	}
	ts.mu.Lock()
	if _, exists := ts.tools[def.Descriptor.Name]; exists {
		ts.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Descriptor.Name)
	}
	ts.put(def)
	ts.mu.Unlock()

	ts.notifier.Notify()
	return nil
}

// Add is Register reporting only whether the tool was added.
func (ts *Tools) Add(def Tool) bool {
	return ts.Register(def) == nil
}

// Remove deletes the named tool and reports whether it existed.
func (ts *Tools) Remove(name string) bool {
	ts.mu.Lock()
	if _, exists := ts.tools[name]; !exists {
		ts.mu.Unlock()
		return false
	}
	delete(ts.tools, name)
	for i, n := range ts.order {
		if n == name {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	ts.mu.Unlock()

	ts.notifier.Notify()
	return true
}

// Snapshot returns the current descriptors in registration order.
func (ts *Tools) Snapshot() []mcp.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].Descriptor)
	}
	return out
}

// Call runs the named tool. Unknown tools are an invalid-params error.
func (ts *Tools) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ts.mu.RLock()
	def, ok := ts.tools[name]
	ts.mu.RUnlock()
	if !ok || def.Fn == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+name)
	}
	return def.Fn(ctx, args)
}

// Subscribe reports tool set changes until the returned function is called.
func (ts *Tools) Subscribe() (<-chan struct{}, func()) {
	return ts.notifier.Subscribe()
}
