package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/httpclient"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

// ErrClosed is returned by Send once the connection has been closed without
// a terminal error.
var ErrClosed = errors.New("connector: connection closed")

// Received is one item of the receive queue: either a message or the
// terminal error of the connection.
type Received struct {
	Message *Message
	Err     error
}

// Conn is a live SSE connection. It is safe for concurrent use.
type Conn struct {
	url    *url.URL
	opts   Options
	log    *slog.Logger
	poster *httpclient.Client

	recv chan Received
	send chan Message

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	endpoint *endpointCell
	err      error

	attempts  atomic.Int64
	delivered atomic.Int64

	// pending is owned by the writer; attempts never overlap.
	pending *Message
}

// Open validates rawURL and starts connecting in the background. The
// connection lives until ctx is cancelled, Close is called, or it fails
// terminally.
func Open(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigurationError, "invalid stream URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.NewConfigurationError("stream URL must be an absolute http(s) URL").
			WithDetails(u.Redacted())
	}

	opts = opts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = logging.FromContext(ctx)
	}
	log = log.With("url", u.Redacted())

	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		url:  u,
		opts: opts,
		log:  log,
		poster: httpclient.New(&httpclient.Config{
			Timeout:    opts.PostTimeout,
			HTTPClient: opts.HTTPClient,
		}),
		recv:     make(chan Received, opts.QueueSize),
		send:     make(chan Message, opts.QueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
		endpoint: newEndpointCell(u, opts.FallbackPath),
	}

	go c.run(runCtx)
	return c, nil
}

// Recv returns the receive queue. It is closed when the connection ends.
func (c *Conn) Recv() <-chan Received { return c.recv }

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, or nil while the connection is healthy or
// after a clean Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Endpoint returns the URL the next POST will target.
func (c *Conn) Endpoint() string {
	c.mu.RLock()
	cell := c.endpoint
	c.mu.RUnlock()
	return cell.get()
}

// Attempts returns how many times the stream has been requested.
func (c *Conn) Attempts() int { return int(c.attempts.Load()) }

// Send enqueues msg for delivery to the server.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if msg.Kind == KindInvalid || len(msg.raw) == 0 {
		return apperrors.NewValidationError("cannot send an invalid message")
	}

	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connection and waits for its goroutines. Calling Close
// more than once is safe.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.recv)

	failures := 0
	for {
		delivered, err := c.attempt(ctx)
		if ctx.Err() != nil {
			c.log.Debug("connection closed")
			return
		}

		if apperrors.IsAuthFailure(err) {
			c.log.Error("server rejected credentials", "error", err)
			c.fail(ctx, err)
			return
		}

		if delivered {
			failures = 0
		}
		failures++

		if failures >= c.opts.MaxAttempts {
			c.log.Error("giving up on connection", "attempts", failures, "error", err)
			c.fail(ctx, apperrors.NewRetryExhaustedError(failures, err))
			return
		}

		delay := c.opts.backoff(failures)
		c.log.Warn("connection attempt failed, retrying",
			"attempt", failures,
			"max_attempts", c.opts.MaxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// fail records the terminal error and delivers it as the last queue item.
func (c *Conn) fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	select {
	case c.recv <- Received{Err: err}:
	case <-ctx.Done():
	}
}

// attempt runs one stream connection until it fails. delivered reports
// whether any message reached the receive queue; an endpoint announcement
// alone does not count.
func (c *Conn) attempt(ctx context.Context) (delivered bool, err error) {
	cell := newEndpointCell(c.url, c.opts.FallbackPath)
	c.mu.Lock()
	c.endpoint = cell
	c.mu.Unlock()

	n := c.attempts.Add(1)
	c.log.Debug("opening stream", "attempt", n)

	before := c.delivered.Load()
	established := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readStream(gctx, cell, established)
	})
	g.Go(func() error {
		return c.writeLoop(gctx, cell, established)
	})

	err = g.Wait()
	return c.delivered.Load() > before, err
}

func (c *Conn) headers() map[string]string {
	h := make(map[string]string, len(c.opts.Headers)+1)
	maps.Copy(h, c.opts.Headers)
	return h
}

func (c *Conn) readStream(ctx context.Context, cell *endpointCell, established chan<- struct{}) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url.String(), nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ConfigurationError, "failed to create stream request")
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	connect := newWatchdog(c.opts.Timeout, cancel)
	resp, err := c.opts.HTTPClient.Do(req)
	connect.stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connect.expired() {
			return apperrors.Wrap(err, apperrors.TimeoutError, "timed out connecting to stream").
				WithStatusCode(http.StatusGatewayTimeout)
		}
		return apperrors.Wrap(err, apperrors.NetworkError, "failed to connect to stream").
			WithStatusCode(http.StatusServiceUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("stream request returned %d", resp.StatusCode)).
			WithDetails(string(bytes.TrimSpace(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return apperrors.NewServerError("stream has unexpected content type").
			WithDetails(ct).
			WithStatusCode(http.StatusBadGateway)
	}

	close(established)
	c.log.Info("stream connected")

	idle := newWatchdog(c.opts.ReadTimeout, cancel)
	body := &idleReader{r: resp.Body, wd: idle, d: c.opts.ReadTimeout}
	err = ReadEvents(reqCtx, body, func(ev Event) {
		c.handleEvent(reqCtx, cell, ev)
	})
	idle.stop()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case idle.expired():
		return apperrors.NewTimeoutError("no data on stream within read timeout").
			WithDetails(c.opts.ReadTimeout.String())
	case err != nil:
		return apperrors.Wrap(err, apperrors.NetworkError, "stream read failed")
	default:
		return apperrors.NewNetworkError("stream closed by server")
	}
}

func (c *Conn) handleEvent(ctx context.Context, cell *endpointCell, ev Event) {
	switch ev.Event {
	case "endpoint":
		resolved, err := cell.update(string(ev.Data))
		if err != nil {
			c.log.Warn("ignoring endpoint event", "data", string(ev.Data), "error", err)
			return
		}
		c.log.Info("endpoint updated", "endpoint", resolved)
	case "", "message":
		c.enqueue(ctx, ev.Data, slog.LevelWarn)
	default:
		c.log.Debug("ignoring event", "event", ev.Event)
	}
}

// enqueue decodes a payload and delivers its messages in order. Malformed
// payloads are logged at level and dropped.
func (c *Conn) enqueue(ctx context.Context, data []byte, level slog.Level) {
	msgs, err := DecodeMessages(data)
	if err != nil {
		c.log.Log(ctx, level, "dropping malformed payload", "error", err, "payload", truncate(data, 256))
	}
	for i := range msgs {
		select {
		case c.recv <- Received{Message: &msgs[i]}:
			c.delivered.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// awaitEndpoint blocks until the endpoint has been announced, or the stream
// has been up for EndpointWait.
func (c *Conn) awaitEndpoint(ctx context.Context, cell *endpointCell, established <-chan struct{}) error {
	select {
	case <-cell.learned:
		return nil
	case <-established:
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(c.opts.EndpointWait)
	defer timer.Stop()
	select {
	case <-cell.learned:
	case <-timer.C:
		c.log.Info("no endpoint announced, using fallback", "endpoint", cell.get())
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context, cell *endpointCell, established <-chan struct{}) error {
	if err := c.awaitEndpoint(ctx, cell, established); err != nil {
		return err
	}

	for {
		if c.pending == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-c.send:
				c.pending = &msg
			}
		}

		if err := c.post(ctx, cell.get(), *c.pending); err != nil {
			return err
		}
		c.pending = nil
	}
}

func (c *Conn) post(ctx context.Context, endpoint string, msg Message) error {
	headers := c.headers()
	headers["Content-Type"] = "application/json"
	headers["Accept"] = "application/json, text/event-stream"

	resp, err := c.poster.Post(ctx, endpoint, msg.Raw(), headers)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("post failed", "endpoint", endpoint, "message", msg.String(), "error", err)
		return err
	}
	c.log.Debug("message posted", "endpoint", endpoint, "message", msg.String(), "status", resp.StatusCode)

	c.handleInline(ctx, resp)
	return nil
}

// handleInline delivers messages the server placed in a POST response body,
// either as SSE lines or as a plain JSON document.
func (c *Conn) handleInline(ctx context.Context, resp *httpclient.Response) {
	body := bytes.TrimSpace(resp.BodyBytes)
	if len(body) == 0 {
		return
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream") || looksLikeEventStream(body):
		_ = ReadEvents(ctx, bytes.NewReader(body), func(ev Event) {
			if ev.Event == "" || ev.Event == "message" {
				c.enqueue(ctx, ev.Data, slog.LevelWarn)
			}
		})
	case strings.HasPrefix(ct, "application/json"):
		// acknowledgements are often non-RPC JSON
		c.enqueue(ctx, body, slog.LevelDebug)
	}
}

// watchdog runs onFire unless stopped within d.
type watchdog struct {
	timer *time.Timer
	fired atomic.Bool
}

func newWatchdog(d time.Duration, onFire func()) *watchdog {
	w := &watchdog{}
	if d > 0 {
		w.timer = time.AfterFunc(d, func() {
			w.fired.Store(true)
			onFire()
		})
	}
	return w
}

func (w *watchdog) reset(d time.Duration) {
	if w.timer != nil && !w.fired.Load() {
		w.timer.Reset(d)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) expired() bool { return w.fired.Load() }

// idleReader resets its watchdog whenever data arrives.
type idleReader struct {
	r  io.Reader
	wd *watchdog
	d  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.wd.reset(r.d)
	}
	return n, err
}
