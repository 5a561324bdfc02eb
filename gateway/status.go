package gateway

import (
	"context"
	"time"

	"github.com/naotama2002/mcp-sse-connector/session"
	"github.com/naotama2002/mcp-sse-connector/tool"
)

// StatusToolName is the name of the local tool added next to the remote ones.
const StatusToolName = "connector_status"

// StatusTool reports the state of s: the remote server, the endpoint POSTs
// currently go to and the round-trip time of a ping.
func StatusTool(s *session.Session) *tool.Func {
	return tool.NewFunc(StatusToolName,
		"Report the remote MCP server this connector talks to and ping it",
		tool.ObjectSchema(nil),
		func(ctx context.Context, args map[string]any) (any, error) {
			start := time.Now()
			if err := s.Call(ctx, "ping", nil, nil); err != nil {
				return nil, err
			}

			status := map[string]any{
				"endpoint":   s.Endpoint(),
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if info := s.ServerInfo(); info != nil {
				status["server"] = info.ServerInfo.Name
				status["server_version"] = info.ServerInfo.Version
			}
			return status, nil
		})
}
