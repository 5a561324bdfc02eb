package gateway

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/naotama2002/mcp-sse-connector/tool"
)

// NewMCPServer returns an MCP server offering every tool in ts.
func NewMCPServer(name, version string, ts *tool.Toolset) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, t := range ts.Tools() {
		s.AddTool(tool.Declaration(t), toolHandler(t))
	}
	return s
}

func toolHandler(t tool.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw any = req.Params.Arguments
		args, _ := raw.(map[string]any)

		result, err := t.Invoke(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

// ServeStdio serves ts as an MCP server over stdin and stdout until the
// input closes.
func ServeStdio(name, version string, ts *tool.Toolset) error {
	return server.ServeStdio(NewMCPServer(name, version, ts))
}
