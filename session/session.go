// Package session runs MCP request/response correlation over a connector
// connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/naotama2002/mcp-sse-connector/connector"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// replyTimeout bounds answering a server-initiated request.
const replyTimeout = 10 * time.Second

// Options configure a session.
type Options struct {
	ClientInfo mcp.Implementation
	// InitTimeout bounds the initialize handshake.
	InitTimeout time.Duration
	// CallTimeout bounds calls whose context has no deadline. Zero means no
	// bound.
	CallTimeout time.Duration
	// OnNotification receives server notifications. It runs on the
	// dispatcher goroutine and must not block.
	OnNotification func(connector.Message)
	Logger         *slog.Logger
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		ClientInfo:  mcp.Implementation{Name: "mcp-sse-connector", Version: "dev"},
		InitTimeout: 30 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

// Session is an MCP client session. It is safe for concurrent use.
type Session struct {
	conn *connector.Conn
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan connector.Message
	err     error
	info    *mcp.InitializeResult

	done chan struct{}
}

// New starts dispatching messages received on conn. The session owns conn.
func New(conn *connector.Conn, opts Options) *Session {
	s := &Session{
		conn:    conn,
		opts:    opts,
		log:     logging.Or(opts.Logger),
		pending: make(map[string]chan connector.Message),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Dial opens a connection to url, starts a session on it and performs the
// initialize handshake.
func Dial(ctx context.Context, url string, copts connector.Options, opts Options) (*Session, error) {
	conn, err := connector.Open(ctx, url, copts)
	if err != nil {
		return nil, err
	}

	s := New(conn, opts)
	if _, err := s.Initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Err returns the error that ended the session, or nil while it is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and its connection.
func (s *Session) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

// ServerInfo returns the result of the initialize handshake, or nil before it.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Endpoint returns the URL requests are currently posted to.
func (s *Session) Endpoint() string { return s.conn.Endpoint() }

func (s *Session) dispatch() {
	defer close(s.done)

	for item := range s.conn.Recv() {
		if item.Err != nil {
			s.fail(item.Err)
			continue
		}
		s.route(*item.Message)
	}

	if err := s.conn.Err(); err != nil {
		s.fail(err)
		return
	}
	s.fail(connector.ErrClosed)
}

// fail records the first terminal error and releases every pending call.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	s.err = err
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	if !errors.Is(err, connector.ErrClosed) {
		s.log.Error("session failed", "error", err)
	}
}

func (s *Session) route(msg connector.Message) {
	switch msg.Kind {
	case connector.KindResponse, connector.KindError:
		id := msg.IDString()
		s.mu.Lock()
		ch, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if !ok {
			s.log.Debug("dropping unmatched response", "id", id)
			return
		}
		ch <- msg

	case connector.KindRequest:
		go s.answer(msg)

	case connector.KindNotification:
		if s.opts.OnNotification != nil {
			s.opts.OnNotification(msg)
			return
		}
		s.log.Debug("notification", "method", msg.Method)
	}
}

// answer replies to a server-initiated request. Only ping is supported.
func (s *Session) answer(req connector.Message) {
	var (
		reply connector.Message
		err   error
	)
	if req.Method == methodPing {
		reply, err = connector.NewResult(req.ID, struct{}{})
	} else {
		s.log.Debug("rejecting server request", "method", req.Method)
		reply, err = connector.NewErrorResponse(req.ID, mcp.METHOD_NOT_FOUND, "method not found: "+req.Method)
	}
	if err != nil {
		s.log.Warn("failed to build reply", "method", req.Method, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, reply); err != nil {
		s.log.Debug("failed to send reply", "method", req.Method, "error", err)
	}
}

// CallRaw sends req and waits for the matching response, which may be an
// error response.
func (s *Session) CallRaw(ctx context.Context, req connector.Message) (connector.Message, error) {
	if req.Kind != connector.KindRequest {
		return connector.Message{}, apperrors.NewValidationError("only requests can be called").
			WithDetails(req.Kind.String())
	}

	id := req.IDString()
	ch := make(chan connector.Message, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return connector.Message{}, err
	}
	if _, dup := s.pending[id]; dup {
		s.mu.Unlock()
		return connector.Message{}, apperrors.NewValidationError("request id already in flight").WithDetails(id)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending[id] == ch {
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok && s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	if err := s.conn.Send(ctx, req); err != nil {
		return connector.Message{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return connector.Message{}, s.Err()
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return connector.Message{}, apperrors.Wrap(ctx.Err(), apperrors.TimeoutError, "no response from server").
				WithDetails(req.Method)
		}
		return connector.Message{}, ctx.Err()
	}
}

// Call invokes method and decodes the result into result, which may be nil.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	req, err := connector.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return err
	}

	resp, err := s.CallRaw(ctx, req)
	if err != nil {
		return err
	}
	if resp.Kind == connector.KindError {
		return RemoteError(method, resp.Err())
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result(), result); err != nil {
		return apperrors.Wrap(err, apperrors.MalformedPayloadError, "failed to decode result").WithDetails(method)
	}
	return nil
}

// RemoteError wraps a JSON-RPC error returned by the server.
func RemoteError(method string, rpcErr *connector.RPCError) error {
	return apperrors.Wrap(rpcErr, apperrors.RemoteError, "server returned an error").
		WithDetails(method).
		WithStatusCode(502)
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	msg, err := connector.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.Err(); err != nil {
		return err
	}
	return s.conn.Send(ctx, msg)
}

// Initialize performs the MCP handshake.
func (s *Session) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	if s.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.InitTimeout)
		defer cancel()
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = s.opts.ClientInfo
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	var result mcp.InitializeResult
	if err := s.Call(ctx, methodInitialize, initRequest.Params, &result); err != nil {
		return nil, err
	}

	if err := s.Notify(ctx, methodInitialized, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.info = &result
	s.mu.Unlock()

	s.log.Info("session initialized",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return &result, nil
}

// ListTools returns every tool the server offers, following pagination.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	cursor := ""

	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		var page mcp.ListToolsResult
		if err := s.Call(ctx, methodToolsList, params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)

		next := string(page.NextCursor)
		if next == "" || next == cursor {
			return tools, nil
		}
		cursor = next
	}
}

// CallTool invokes a server tool.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req, err := connector.NewRequest(uuid.NewString(), methodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.CallRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Kind == connector.KindError {
		return nil, RemoteError(methodToolsCall, resp.Err())
	}

	raw := resp.Result()
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.MalformedPayloadError, "failed to decode tool result").WithDetails(name)
	}
	return result, nil
}
