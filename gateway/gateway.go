// Package gateway exposes remote MCP sessions over HTTP. Each caller's bearer
// token selects a cached session, so repeated calls with the same credential
// reuse one handshake.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/naotama2002/mcp-sse-connector/cache"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
	"github.com/naotama2002/mcp-sse-connector/session"
)

const (
	// VariantQuery selects a session variant; sessions are never shared
	// between variants.
	VariantQuery = "variant"
	// VariantHeader forwards the variant to the remote server.
	VariantHeader = "X-MCP-Variant"
	// RequestIDHeader carries the id assigned to each gateway request.
	RequestIDHeader = "X-Request-ID"

	shutdownTimeout = 5 * time.Second
)

// DialFunc opens an initialized session for key.
type DialFunc func(ctx context.Context, key cache.Key) (*session.Session, error)

// Options configure a Gateway.
type Options struct {
	Dial DialFunc

	// IdleTimeout closes sessions unused for this long. Zero disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Gateway serves the HTTP API.
type Gateway struct {
	sessions *cache.Cache[*session.Session]
	log      *slog.Logger
	router   *gin.Engine
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Dial == nil {
		return nil, apperrors.NewConfigurationError("gateway requires a dial function")
	}
	log := logging.Or(opts.Logger)

	g := &Gateway{
		sessions: cache.New(cache.Factory[*session.Session](opts.Dial), cache.Config{
			IdleTimeout: opts.IdleTimeout,
			Logger:      log,
		}),
		log: log,
	}
	g.router = g.setupRouter()
	return g, nil
}

func (g *Gateway) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), g.requestLogger())

	r.GET("/healthz", g.healthHandler())

	v1 := r.Group("/v1")
	v1.GET("/tools", g.listToolsHandler())
	v1.POST("/tools/:name/call", g.callToolHandler())
	v1.POST("/rpc", g.rpcHandler())
	return r
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.router }

// Sessions returns the session cache.
func (g *Gateway) Sessions() *cache.Cache[*session.Session] { return g.sessions }

// Serve listens on addr until ctx is cancelled, then shuts down and closes
// every cached session.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	g.log.Info("gateway listening", "addr", addr)

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}

	g.sessions.Shutdown()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes every cached session.
func (g *Gateway) Close() {
	g.sessions.Shutdown()
}

func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		log := g.log.With("request_id", id)
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), log))

		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// sessionKey extracts the caller's credential. The gateway never stores the
// token anywhere except the cache key.
func sessionKey(c *gin.Context) (cache.Key, bool) {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		token, ok = strings.CutPrefix(h, "bearer ")
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return cache.Key{}, false
	}
	return cache.Key{Token: token, Variant: c.Query(VariantQuery)}, true
}

// session resolves the caller's session, writing the error response itself
// when it cannot.
func (g *Gateway) session(c *gin.Context) (cache.Key, *session.Session, bool) {
	key, ok := sessionKey(c)
	if !ok {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return key, nil, false
	}

	s, err := g.sessions.GetOrCreate(c.Request.Context(), key)
	if err != nil {
		g.fail(c, key, err)
		return key, nil, false
	}
	return key, s, true
}

// fail writes err as a JSON error. Authentication failures evict the session
// so the next request handshakes again.
func (g *Gateway) fail(c *gin.Context, key cache.Key, err error) {
	log := logging.FromContext(c.Request.Context())

	if apperrors.IsAuthFailure(err) {
		if g.sessions.InvalidateOnError(key, err) {
			log.Info("evicted session after authentication failure", "key", key)
		}
		status := apperrors.StatusCode(err)
		if status != http.StatusForbidden {
			status = http.StatusUnauthorized
			c.Header("WWW-Authenticate", "Bearer")
		}
		c.JSON(status, gin.H{"error": err.Error(), "type": errorType(err)})
		return
	}

	if errors.Is(err, context.Canceled) {
		c.Status(499)
		return
	}

	status := apperrors.StatusCode(err)
	if status < 400 {
		status = http.StatusBadGateway
	}
	log.Warn("request failed", "key", key, "status", status, "error", err)
	c.JSON(status, gin.H{"error": err.Error(), "type": errorType(err)})
}

func errorType(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return string(appErr.Type)
	}
	return "internal"
}

func (g *Gateway) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": g.sessions.Len()})
	}
}

func (g *Gateway) listToolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, s, ok := g.session(c)
		if !ok {
			return
		}

		tools, err := s.ListTools(c.Request.Context())
		if err != nil {
			g.fail(c, key, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tools": tools})
	}
}

type callToolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

func (g *Gateway) callToolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		var input callToolRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&input); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		key, s, ok := g.session(c)
		if !ok {
			return
		}

		result, err := s.CallTool(c.Request.Context(), name, input.Arguments)
		if err != nil {
			g.fail(c, key, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
