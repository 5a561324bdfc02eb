// Package tool exposes callables, local or on a remote MCP server, behind
// one interface so they can be listed, invoked and re-exported.
package tool

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool defines the interface that all tools must implement.
type Tool interface {
	// Name returns the name of the tool.
	Name() string

	// Description returns the description of the tool.
	Description() string

	// InputSchema returns the JSON schema of the tool arguments.
	InputSchema() mcp.ToolInputSchema

	// Invoke runs the tool. Failures of the tool itself are reported in the
	// result with IsError set; a returned error means the tool could not be
	// run at all.
	Invoke(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
}

// Lister lists the tools of a server.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Caller invokes a tool on a server.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Declaration describes t in MCP terms.
func Declaration(t Tool) mcp.Tool {
	return mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

// ObjectSchema is an object schema with the given properties and required
// names.
func ObjectSchema(properties map[string]any, required ...string) mcp.ToolInputSchema {
	if properties == nil {
		properties = map[string]any{}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}
