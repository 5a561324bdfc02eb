// Package relay bridges a local stdio MCP client and a remote SSE server.
// Each input line is a JSON-RPC message or batch; every message received
// from the server is written as one output line.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/naotama2002/mcp-sse-connector/auth"
	"github.com/naotama2002/mcp-sse-connector/connector"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

const maxLineSize = 16 << 20

var errInputClosed = errors.New("input closed")

// Options configure a Relay.
type Options struct {
	// LoginURL is opened in the browser when the server rejects the
	// credential. Empty disables the prompt.
	LoginURL string

	// Reauth replaces auth.PromptReauth.
	Reauth func(ctx context.Context, loginURL string) error
	Logger *slog.Logger
}

// Relay copies messages between a local stream pair and a connection.
type Relay struct {
	conn *connector.Conn
	in   io.Reader
	out  *bufio.Writer
	opts Options
	log  *slog.Logger

	writerMu sync.Mutex
}

// New creates a relay reading from in and writing to out.
func New(conn *connector.Conn, in io.Reader, out io.Writer, opts Options) *Relay {
	if opts.Reauth == nil {
		opts.Reauth = auth.PromptReauth
	}
	return &Relay{
		conn: conn,
		in:   in,
		out:  bufio.NewWriter(out),
		opts: opts,
		log:  logging.Or(opts.Logger),
	}
}

// Run relays until the input closes, ctx is cancelled or the connection
// fails. Closing the input is a clean exit and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("starting relay")

	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	// The read cannot be interrupted, so it runs outside the group.
	go r.readLines(ctx, lines, readErr)

	g.Go(func() error { return r.forwardInput(ctx, lines, readErr) })
	g.Go(func() error { return r.forwardOutput(ctx) })

	err := g.Wait()
	if errors.Is(err, errInputClosed) {
		r.log.Info("input closed")
		return nil
	}
	return err
}

func (r *Relay) readLines(ctx context.Context, lines chan<- []byte, readErr chan<- error) {
	reader := bufio.NewReaderSize(r.in, 64*1024)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func readLine(reader *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, apperrors.NewValidationError("input line too long")
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSpace(buf), err
	}
}

func (r *Relay) forwardInput(ctx context.Context, lines <-chan []byte, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := r.send(ctx, line); err != nil {
				return err
			}
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return errInputClosed
			}
			return fmt.Errorf("error reading input: %w", err)
		}
	}
}

func (r *Relay) send(ctx context.Context, line []byte) error {
	msgs, err := connector.DecodeMessages(line)
	if err != nil {
		r.log.Warn("dropping malformed input", "error", err)
		if len(msgs) == 0 {
			r.writeError(mcp.PARSE_ERROR, err.Error())
			return nil
		}
	}

	for _, msg := range msgs {
		r.log.Debug("[Local→Remote]", "kind", msg.Kind.String(), "method", msg.Method, "id", msg.IDString())
		if err := r.conn.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Relay) forwardOutput(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-r.conn.Recv():
			if !ok {
				if err := r.conn.Err(); err != nil {
					return err
				}
				return connector.ErrClosed
			}
			if item.Err != nil {
				return r.terminal(ctx, item.Err)
			}
			r.log.Debug("[Remote→Local]", "kind", item.Message.Kind.String(), "method", item.Message.Method, "id", item.Message.IDString())
			r.write(item.Message.Raw())
		}
	}
}

// terminal handles the connection's final error. A rejected credential
// prompts the user to sign in again before the relay exits.
func (r *Relay) terminal(ctx context.Context, err error) error {
	r.log.Error("connection failed", "error", err)
	if apperrors.IsAuthFailure(err) && r.opts.LoginURL != "" {
		if rerr := r.opts.Reauth(ctx, r.opts.LoginURL); rerr != nil {
			r.log.Warn("re-authentication prompt failed", "error", rerr)
		}
	}
	return err
}

func (r *Relay) writeError(code int, message string) {
	resp, err := connector.NewErrorResponse(nil, code, message)
	if err != nil {
		r.log.Warn("failed to build error response", "error", err)
		return
	}
	r.write(resp.Raw())
}

// write writes data as one line.
func (r *Relay) write(data []byte) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	if _, err := r.out.Write(data); err != nil {
		r.log.Warn("error writing output", "error", err)
		return
	}
	if err := r.out.WriteByte('\n'); err != nil {
		r.log.Warn("error writing output", "error", err)
		return
	}
	if err := r.out.Flush(); err != nil {
		r.log.Warn("error flushing output", "error", err)
	}
}
