package tool

import (
	"context"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
)

// Toolset is an ordered collection of tools with unique names.
type Toolset struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewToolset creates a toolset. Later tools with a duplicate name are
// ignored.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[string]Tool)}
	for _, t := range tools {
		_ = ts.Add(t)
	}
	return ts
}

// Load builds a toolset from every tool a server offers.
func Load(ctx context.Context, lister Lister, caller Caller) (*Toolset, error) {
	decls, err := lister.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	ts := NewToolset()
	for _, decl := range decls {
		if err := ts.Add(NewRemote(decl, caller)); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// Add registers a tool.
func (ts *Toolset) Add(t Tool) error {
	name := t.Name()
	if name == "" {
		return apperrors.NewValidationError("tool name is required")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.tools[name]; exists {
		return apperrors.NewValidationError("duplicate tool").WithDetails(name)
	}
	ts.tools[name] = t
	ts.order = append(ts.order, name)
	return nil
}

// Get retrieves a tool by name.
func (ts *Toolset) Get(name string) (Tool, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tools[name]
	return t, ok
}

// Len returns the number of tools.
func (ts *Toolset) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.order)
}

// Tools returns the tools in registration order.
func (ts *Toolset) Tools() []Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]Tool, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name])
	}
	return out
}

// Declarations returns the MCP declaration of every tool, in order.
func (ts *Toolset) Declarations() []mcp.Tool {
	tools := ts.Tools()
	decls := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, Declaration(t))
	}
	return decls
}

// Invoke runs the named tool.
func (ts *Toolset) Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t, ok := ts.Get(name)
	if !ok {
		return nil, apperrors.NewValidationError("unknown tool").
			WithDetails(name).
			WithStatusCode(http.StatusNotFound)
	}
	return t.Invoke(ctx, args)
}
