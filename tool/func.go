package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
)

// Handler is the body of a [Func] tool. A string result becomes text
// content; any other value is encoded as JSON text.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Func is a tool backed by a local function.
type Func struct {
	name        string
	description string
	schema      mcp.ToolInputSchema
	handler     Handler
}

var _ Tool = (*Func)(nil)

// NewFunc creates a tool from handler.
func NewFunc(name, description string, schema mcp.ToolInputSchema, handler Handler) *Func {
	if schema.Type == "" {
		schema.Type = "object"
	}
	return &Func{
		name:        name,
		description: description,
		schema:      schema,
		handler:     handler,
	}
}

func (f *Func) Name() string                     { return f.name }
func (f *Func) Description() string              { return f.description }
func (f *Func) InputSchema() mcp.ToolInputSchema { return f.schema }

// Invoke checks required arguments and runs the handler.
func (f *Func) Invoke(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	for _, name := range f.schema.Required {
		if _, ok := args[name]; !ok {
			return nil, apperrors.NewValidationError("missing required argument").
				WithDetails(fmt.Sprintf("%s.%s", f.name, name))
		}
	}

	out, err := f.handler(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toResult(out)
}

func toResult(out any) (*mcp.CallToolResult, error) {
	switch v := out.(type) {
	case *mcp.CallToolResult:
		return v, nil
	case string:
		return mcp.NewToolResultText(v), nil
	case nil:
		return mcp.NewToolResultText(""), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ServerError, "failed to encode tool result")
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
