package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naotama2002/mcp-sse-connector/connector"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	def := connector.DefaultOptions()
	assert.Equal(t, def.Timeout, cfg.Connection.Timeout)
	assert.Equal(t, def.MaxAttempts, cfg.Connection.MaxAttempts)
	assert.Equal(t, connector.DefaultFallbackPath, cfg.Connection.FallbackPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotNil(t, cfg.Headers)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server_url = "https://mcp.example.com/sse"
login_url = "https://mcp.example.com/login"

[headers]
X-Tenant = "acme"

[connection]
timeout = "10s"
read_timeout = "2m"
max_attempts = 5
retry_delay = "250ms"

[oauth]
client_id = "cli"
scopes = ["read", "write"]

[gateway]
addr = ":9090"
idle_timeout = "15m"

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://mcp.example.com/sse", cfg.ServerURL)
	assert.Equal(t, "acme", cfg.Headers["X-Tenant"])
	assert.Equal(t, 10*time.Second, cfg.Connection.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Connection.ReadTimeout)
	assert.Equal(t, 5, cfg.Connection.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Connection.RetryDelay)
	assert.Equal(t, []string{"read", "write"}, cfg.OAuth.Scopes)
	assert.Equal(t, ":9090", cfg.Gateway.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Gateway.IdleTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset values keep their defaults.
	assert.Equal(t, connector.DefaultOptions().PostTimeout, cfg.Connection.PostTimeout)
	assert.Equal(t, connector.DefaultFallbackPath, cfg.Connection.FallbackPath)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
server_url = "https://mcp.example.com/sse"
sever_timeout = "1s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ConfigurationError))
	assert.Contains(t, err.Error(), "sever_timeout")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, apperrors.IsType(err, apperrors.ConfigurationError))

	_, err = Load(writeFile(t, `server_url = `))
	assert.True(t, apperrors.IsType(err, apperrors.ConfigurationError))
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "https://file.example.com/sse"
	cfg.Token = "from-file"

	cfg.ApplyEnv(envMap(map[string]string{
		EnvServerURL:         "http://localhost:3000/sse",
		EnvToken:             "from-env",
		EnvClientSecret:      "s3cret",
		EnvLogLevel:          "",
		"MCP_SSE_ALLOW_HTTP": "true",
	}))

	assert.Equal(t, "http://localhost:3000/sse", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "s3cret", cfg.OAuth.ClientSecret)
	assert.Equal(t, "info", cfg.Log.Level, "empty values are ignored")
	assert.True(t, cfg.AllowHTTP)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing url", func(c *Config) { c.ServerURL = "" }, false},
		{"no host", func(c *Config) { c.ServerURL = "https:///sse" }, false},
		{"plain http", func(c *Config) { c.ServerURL = "http://mcp.example.com/sse" }, false},
		{"plain http allowed", func(c *Config) {
			c.ServerURL = "http://localhost/sse"
			c.AllowHTTP = true
		}, true},
		{"other scheme", func(c *Config) { c.ServerURL = "ws://mcp.example.com/sse" }, false},
		{"negative duration", func(c *Config) { c.Connection.ReadTimeout = -time.Second }, false},
		{"negative attempts", func(c *Config) { c.Connection.MaxAttempts = -1 }, false},
		{"secret without id", func(c *Config) { c.OAuth.ClientSecret = "x" }, false},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ServerURL = "https://mcp.example.com/sse"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.IsType(err, apperrors.ConfigurationError), "got %v", err)
			}
		})
	}
}

func TestConnectorOptions(t *testing.T) {
	cfg := Default()
	cfg.Headers = map[string]string{"X-Tenant": "acme", "Authorization": "Bearer file"}
	cfg.Connection.MaxAttempts = 7

	opts := cfg.ConnectorOptions(map[string]string{"Authorization": "Bearer req"}, logging.Discard())
	assert.Equal(t, "acme", opts.Headers["X-Tenant"])
	assert.Equal(t, "Bearer req", opts.Headers["Authorization"])
	assert.Equal(t, 7, opts.MaxAttempts)
	assert.Equal(t, "Bearer file", cfg.Headers["Authorization"], "config headers are not modified")
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Gateway.CallTimeout = 3 * time.Second

	opts := cfg.SessionOptions("1.2.3", nil)
	assert.Equal(t, "1.2.3", opts.ClientInfo.Version)
	assert.Equal(t, 3*time.Second, opts.CallTimeout)
}

func TestTokenSourceStatic(t *testing.T) {
	cfg := Default()
	cfg.Token = "abc"

	src, err := cfg.TokenSource(context.Background(), logging.Discard())
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestTokenSourceClientCredentials(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "https://mcp.example.com/sse"
	cfg.OAuth.ClientID = "cli"
	cfg.OAuth.TokenURL = "https://auth.example.com/token"
	cfg.OAuth.StateDir = t.TempDir()

	src, err := cfg.TokenSource(context.Background(), logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, src)
}
