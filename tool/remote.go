package tool

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Remote is a tool that lives on an MCP server.
type Remote struct {
	decl   mcp.Tool
	caller Caller
}

var _ Tool = (*Remote)(nil)

// NewRemote wraps a server tool declaration.
func NewRemote(decl mcp.Tool, caller Caller) *Remote {
	return &Remote{decl: decl, caller: caller}
}

func (r *Remote) Name() string                     { return r.decl.Name }
func (r *Remote) Description() string              { return r.decl.Description }
func (r *Remote) InputSchema() mcp.ToolInputSchema { return r.decl.InputSchema }

// Invoke calls the tool on the server.
func (r *Remote) Invoke(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	return r.caller.CallTool(ctx, r.decl.Name, args)
}
