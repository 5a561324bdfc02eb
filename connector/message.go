package connector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
)

// Kind classifies a JSON-RPC 2.0 envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// RPCError is the error member of a JSON-RPC error response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is the wire shape shared by every JSON-RPC message kind.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Message is a validated JSON-RPC 2.0 message. The original encoding is kept
// verbatim and is what goes on the wire.
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string

	params json.RawMessage
	result json.RawMessage
	rpcErr *RPCError
	raw    json.RawMessage
}

// Raw returns the message exactly as it was received or built.
func (m Message) Raw() json.RawMessage { return m.raw }

// Params returns the request or notification params, if any.
func (m Message) Params() json.RawMessage { return m.params }

// Result returns the result member of a successful response.
func (m Message) Result() json.RawMessage { return m.result }

// Err returns the error member of an error response.
func (m Message) Err() *RPCError { return m.rpcErr }

// HasID reports whether the message carries a non-null id.
func (m Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IDString renders the id for correlation: string ids are unquoted, numbers
// keep their literal form.
func (m Message) IDString() string {
	return idKey(m.ID)
}

// MarshalJSON implements [json.Marshaler].
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.raw) == 0 {
		return nil, errors.New("empty message")
	}
	return m.raw, nil
}

func (m Message) String() string {
	switch m.Kind {
	case KindRequest:
		return fmt.Sprintf("request %s id=%s", m.Method, m.IDString())
	case KindNotification:
		return "notification " + m.Method
	case KindResponse, KindError:
		return fmt.Sprintf("%s id=%s", m.Kind, m.IDString())
	default:
		return "invalid message"
	}
}

func idKey(id json.RawMessage) string {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return ""
	}
	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}
	return string(id)
}

// DecodeMessages parses one JSON-RPC message or a batch of them. Every
// invalid element is reported in the returned error; valid elements of a
// batch are still returned.
func DecodeMessages(data []byte) ([]Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, apperrors.NewMalformedPayloadError("empty payload")
	}

	switch data[0] {
	case '{':
		msg, err := decodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, apperrors.Wrap(err, apperrors.MalformedPayloadError, "invalid JSON batch")
		}
		if len(items) == 0 {
			return nil, apperrors.NewMalformedPayloadError("empty batch")
		}
		msgs := make([]Message, 0, len(items))
		var errs []error
		for i, item := range items {
			msg, err := decodeMessage(item)
			if err != nil {
				errs = append(errs, fmt.Errorf("batch element %d: %w", i, err))
				continue
			}
			msgs = append(msgs, msg)
		}
		return msgs, errors.Join(errs...)
	default:
		return nil, apperrors.NewMalformedPayloadError("payload is not a JSON object or array").
			WithDetails(truncate(data, 64))
	}
}

func decodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, apperrors.Wrap(err, apperrors.MalformedPayloadError, "invalid JSON")
	}
	if env.JSONRPC != mcp.JSONRPC_VERSION {
		return Message{}, apperrors.NewMalformedPayloadError("missing or unsupported jsonrpc version").
			WithDetails(env.JSONRPC)
	}

	msg := Message{
		ID:     env.ID,
		Method: env.Method,
		params: env.Params,
		result: env.Result,
		rpcErr: env.Error,
		raw:    bytes.Clone(data),
	}

	switch {
	case env.Method != "":
		if msg.HasID() {
			msg.Kind = KindRequest
		} else {
			msg.Kind = KindNotification
			msg.ID = nil
		}
	case env.Error != nil:
		// id may be null when the server could not parse the request
		msg.Kind = KindError
	case env.Result != nil && msg.HasID():
		msg.Kind = KindResponse
	default:
		return Message{}, apperrors.NewMalformedPayloadError("not a request, notification or response").
			WithDetails(truncate(data, 64))
	}
	return msg, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func build(env envelope) (Message, error) {
	env.JSONRPC = mcp.JSONRPC_VERSION
	data, err := json.Marshal(env)
	if err != nil {
		return Message{}, apperrors.Wrap(err, apperrors.ValidationError, "failed to encode message")
	}
	return decodeMessage(data)
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ValidationError, "failed to encode message field")
	}
	return data, nil
}

// NewRequest builds a request. id must be a string or an integer.
func NewRequest(id any, method string, params any) (Message, error) {
	if method == "" {
		return Message{}, apperrors.NewValidationError("request method is required")
	}
	rawID, err := marshalField(id)
	if err != nil {
		return Message{}, err
	}
	if len(rawID) == 0 || bytes.Equal(rawID, []byte("null")) {
		return Message{}, apperrors.NewValidationError("request id is required")
	}
	rawParams, err := marshalField(params)
	if err != nil {
		return Message{}, err
	}
	return build(envelope{ID: rawID, Method: method, Params: rawParams})
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (Message, error) {
	if method == "" {
		return Message{}, apperrors.NewValidationError("notification method is required")
	}
	rawParams, err := marshalField(params)
	if err != nil {
		return Message{}, err
	}
	return build(envelope{Method: method, Params: rawParams})
}

// NewResult builds a successful response to the request with the given id.
func NewResult(id json.RawMessage, result any) (Message, error) {
	rawResult, err := marshalField(result)
	if err != nil {
		return Message{}, err
	}
	if rawResult == nil {
		rawResult = json.RawMessage("{}")
	}
	return build(envelope{ID: id, Result: rawResult})
}

// NewErrorResponse builds an error response to the request with the given id.
func NewErrorResponse(id json.RawMessage, code int, message string) (Message, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return build(envelope{ID: id, Error: &RPCError{Code: code, Message: message}})
}
