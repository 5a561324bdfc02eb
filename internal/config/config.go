// Package config loads connector settings from a TOML file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/naotama2002/mcp-sse-connector/auth"
	"github.com/naotama2002/mcp-sse-connector/connector"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/httpclient"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
	"github.com/naotama2002/mcp-sse-connector/session"
)

// Environment variables read by ApplyEnv.
const (
	EnvServerURL    = "MCP_SSE_SERVER_URL"
	EnvToken        = "MCP_SSE_TOKEN"
	EnvClientID     = "MCP_SSE_CLIENT_ID"
	EnvClientSecret = "MCP_SSE_CLIENT_SECRET"
	EnvLogLevel     = "MCP_SSE_LOG_LEVEL"
	EnvGatewayAddr  = "MCP_SSE_GATEWAY_ADDR"
)

// Config is the full connector configuration.
type Config struct {
	ServerURL string            `toml:"server_url"`
	AllowHTTP bool              `toml:"allow_http"`
	Token     string            `toml:"token"`
	LoginURL  string            `toml:"login_url"`
	Headers   map[string]string `toml:"headers"`

	Connection Connection `toml:"connection"`
	OAuth      OAuth      `toml:"oauth"`
	Gateway    Gateway    `toml:"gateway"`
	Log        Log        `toml:"log"`
}

// Connection mirrors connector.Options.
type Connection struct {
	Timeout      time.Duration `toml:"timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	PostTimeout  time.Duration `toml:"post_timeout"`
	MaxAttempts  int           `toml:"max_attempts"`
	RetryDelay   time.Duration `toml:"retry_delay"`
	EndpointWait time.Duration `toml:"endpoint_wait"`
	FallbackPath string        `toml:"fallback_path"`
	QueueSize    int           `toml:"queue_size"`
}

// OAuth configures the client credentials grant.
type OAuth struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`
	// StateDir holds persisted tokens; empty means auth.DefaultDir().
	StateDir string `toml:"state_dir"`
}

// Gateway configures the HTTP gateway and its session cache.
type Gateway struct {
	Addr string `toml:"addr"`

	// IdleTimeout closes sessions unused for this long. Zero keeps them
	// until an authentication failure evicts them.
	IdleTimeout time.Duration `toml:"idle_timeout"`
	InitTimeout time.Duration `toml:"init_timeout"`
	CallTimeout time.Duration `toml:"call_timeout"`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	co := connector.DefaultOptions()
	so := session.DefaultOptions()
	return &Config{
		Headers: map[string]string{},
		Connection: Connection{
			Timeout:      co.Timeout,
			ReadTimeout:  co.ReadTimeout,
			PostTimeout:  co.PostTimeout,
			MaxAttempts:  co.MaxAttempts,
			RetryDelay:   co.RetryDelay,
			EndpointWait: co.EndpointWait,
			FallbackPath: co.FallbackPath,
			QueueSize:    co.QueueSize,
		},
		Gateway: Gateway{
			Addr:        "127.0.0.1:8080",
			InitTimeout: so.InitTimeout,
			CallTimeout: so.CallTimeout,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// StandardPaths returns the config file locations tried when no path is
// given, in order of priority.
func StandardPaths() []string {
	paths := []string{"mcp-sse-connector.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcp-sse-connector", "config.toml"))
	}
	return paths
}

// Load reads the file at path over the defaults. With an empty path the
// first existing standard path is used, and having none is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigurationError, "failed to read config file").WithDetails(path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, apperrors.NewConfigurationError("unknown config keys").
			WithDetails(fmt.Sprintf("%s: %s", path, strings.Join(keys, ", ")))
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	set(EnvServerURL, &c.ServerURL)
	set(EnvToken, &c.Token)
	set(EnvClientID, &c.OAuth.ClientID)
	set(EnvClientSecret, &c.OAuth.ClientSecret)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvGatewayAddr, &c.Gateway.Addr)

	if v, ok := lookup("MCP_SSE_ALLOW_HTTP"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowHTTP = b
		}
	}
}

// Validate checks the configuration for mistakes.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return apperrors.NewConfigurationError("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return apperrors.NewConfigurationError("server_url is not a valid URL").WithDetails(c.ServerURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.AllowHTTP {
			return apperrors.NewConfigurationError("server_url must use https (set allow_http for local testing)").
				WithDetails(c.ServerURL)
		}
	default:
		return apperrors.NewConfigurationError("server_url must be http or https").WithDetails(c.ServerURL)
	}

	conn := c.Connection
	if conn.Timeout < 0 || conn.ReadTimeout < 0 || conn.PostTimeout < 0 || conn.RetryDelay < 0 || conn.EndpointWait < 0 {
		return apperrors.NewConfigurationError("connection durations must not be negative")
	}
	if conn.MaxAttempts < 0 || conn.QueueSize < 0 {
		return apperrors.NewConfigurationError("connection counts must not be negative")
	}
	if c.OAuth.ClientSecret != "" && c.OAuth.ClientID == "" {
		return apperrors.NewConfigurationError("oauth.client_secret is set without oauth.client_id")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return apperrors.Wrap(err, apperrors.ConfigurationError, "invalid log level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return apperrors.NewConfigurationError("log format must be text or json").WithDetails(c.Log.Format)
	}
	return nil
}

// ConnectorOptions builds connection options. headers are added to the
// configured static headers.
func (c *Config) ConnectorOptions(headers map[string]string, logger *slog.Logger) connector.Options {
	h := make(map[string]string, len(c.Headers)+len(headers))
	for k, v := range c.Headers {
		h[k] = v
	}
	for k, v := range headers {
		h[k] = v
	}
	return connector.Options{
		Headers:      h,
		Timeout:      c.Connection.Timeout,
		ReadTimeout:  c.Connection.ReadTimeout,
		PostTimeout:  c.Connection.PostTimeout,
		MaxAttempts:  c.Connection.MaxAttempts,
		RetryDelay:   c.Connection.RetryDelay,
		EndpointWait: c.Connection.EndpointWait,
		FallbackPath: c.Connection.FallbackPath,
		QueueSize:    c.Connection.QueueSize,
		Logger:       logger,
	}
}

// SessionOptions builds session options.
func (c *Config) SessionOptions(version string, logger *slog.Logger) session.Options {
	opts := session.DefaultOptions()
	opts.ClientInfo.Version = version
	opts.InitTimeout = c.Gateway.InitTimeout
	opts.CallTimeout = c.Gateway.CallTimeout
	opts.Logger = logger
	return opts
}

// TokenSource returns the credential for the configured server: client
// credentials when an OAuth client id is set, otherwise the static token.
// A missing token URL is discovered from the server.
func (c *Config) TokenSource(ctx context.Context, logger *slog.Logger) (auth.TokenSource, error) {
	if c.OAuth.ClientID == "" {
		return auth.Static(c.Token), nil
	}

	tokenURL := c.OAuth.TokenURL
	if tokenURL == "" {
		md, err := auth.NewDiscoverer(httpclient.New(&httpclient.Config{Timeout: 10 * time.Second}), logger).
			Discover(ctx, c.ServerURL)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ConfigurationError, "oauth.token_url not set and discovery failed")
		}
		tokenURL = md.TokenEndpoint
	}

	stateDir := c.OAuth.StateDir
	if stateDir == "" {
		stateDir = auth.DefaultDir()
	}

	return auth.NewClientCredentials(auth.ClientCredentialsConfig{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       c.OAuth.Scopes,
		Logger:       logger,
	}, auth.NewStore(stateDir, c.ServerURL))
}
