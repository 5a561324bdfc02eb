package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/naotama2002/mcp-sse-connector/connector"
)

const maxRPCBody = 4 << 20

// rpcHandler forwards one raw JSON-RPC message. Requests are re-numbered
// before they reach the shared session, so ids chosen by different callers
// cannot collide, and the caller's id is restored on the response.
func (g *Gateway) rpcHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRPCBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		msgs, err := connector.DecodeMessages(body)
		if err != nil {
			writeRPCError(c, nil, mcp.PARSE_ERROR, err.Error())
			return
		}
		if len(msgs) != 1 {
			writeRPCError(c, nil, mcp.INVALID_REQUEST, "batches are not supported")
			return
		}
		msg := msgs[0]
		if msg.Kind != connector.KindRequest && msg.Kind != connector.KindNotification {
			writeRPCError(c, msg.ID, mcp.INVALID_REQUEST, "only requests and notifications can be sent")
			return
		}

		key, s, ok := g.session(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		switch msg.Kind {
		case connector.KindNotification:
			if err := s.Notify(ctx, msg.Method, msg.Params()); err != nil {
				g.fail(c, key, err)
				return
			}
			c.Status(http.StatusAccepted)

		case connector.KindRequest:
			req, err := connector.NewRequest(uuid.NewString(), msg.Method, msg.Params())
			if err != nil {
				writeRPCError(c, msg.ID, mcp.INVALID_REQUEST, err.Error())
				return
			}
			resp, err := s.CallRaw(ctx, req)
			if err != nil {
				g.fail(c, key, err)
				return
			}
			out, err := withID(resp.Raw(), msg.ID)
			if err != nil {
				writeRPCError(c, msg.ID, mcp.INTERNAL_ERROR, err.Error())
				return
			}
			c.Data(http.StatusOK, "application/json", out)
		}
	}
}

// withID replaces the id member of a raw JSON-RPC object.
func withID(raw json.RawMessage, id json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

func writeRPCError(c *gin.Context, id json.RawMessage, code int, message string) {
	resp, err := connector.NewErrorResponse(id, code, message)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Raw())
}
