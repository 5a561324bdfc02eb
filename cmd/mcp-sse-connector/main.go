package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/naotama2002/mcp-sse-connector/auth"
	"github.com/naotama2002/mcp-sse-connector/internal/config"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
	"github.com/naotama2002/mcp-sse-connector/session"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	serverURL  string
	headers    []string
	allowHTTP  bool
	token      string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:   "mcp-sse-connector",
		Short: "Connect to remote MCP servers over Server-Sent Events",
		Long: "mcp-sse-connector talks to a remote MCP server that uses the SSE transport:\n" +
			"a long-lived GET event stream for server messages plus POSTs to an endpoint\n" +
			"the server announces.\n\n" +
			"Settings are read from a TOML file (--config, ./mcp-sse-connector.toml or\n" +
			"~/.config/mcp-sse-connector/config.toml), then from the environment and a .env\n" +
			"file (MCP_SSE_SERVER_URL, MCP_SSE_TOKEN, MCP_SSE_CLIENT_ID, MCP_SSE_CLIENT_SECRET),\n" +
			"then from flags.",
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&gf.configPath, "config", "", "path to a TOML config file")
	pf.StringVar(&gf.serverURL, "server", "", "remote MCP server SSE URL")
	pf.StringArrayVarP(&gf.headers, "header", "H", nil, "extra request header 'Key: Value' (repeatable)")
	pf.BoolVar(&gf.allowHTTP, "allow-http", false, "allow plain http server URLs (only for trusted networks)")
	pf.StringVar(&gf.token, "token", "", fmt.Sprintf("bearer token (overrides env var %s)", config.EnvToken))
	pf.StringVar(&gf.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&gf.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newRelayCmd(gf),
		newGatewayCmd(gf),
		newToolsCmd(gf),
	)
	return root
}

// load builds the effective configuration for cmd and its logger.
func (gf *globalFlags) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = gf.serverURL
	}
	if flags.Changed("allow-http") {
		cfg.AllowHTTP = gf.allowHTTP
	}
	if flags.Changed("token") {
		cfg.Token = gf.token
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = gf.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = gf.logFormat
	}
	headers, err := parseHeaders(gf.headers)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// parseHeaders parses 'Key: Value' pairs.
func parseHeaders(list []string) (map[string]string, error) {
	headers := make(map[string]string, len(list))
	for _, h := range list {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: Value'", h)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return logging.NewContext(ctx, logger), stop
}

// credentials returns the configured token source, or nil when the server
// is used without one.
func credentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.TokenSource, error) {
	if cfg.Token == "" && cfg.OAuth.ClientID == "" {
		return nil, nil
	}
	return cfg.TokenSource(ctx, logger)
}

// authHeaders returns the Authorization header for src, if any.
func authHeaders(ctx context.Context, src auth.TokenSource) (map[string]string, error) {
	if src == nil {
		return nil, nil
	}
	return auth.Header(ctx, src)
}

// forgetRejected drops a cached token the server refused.
func forgetRejected(src auth.TokenSource) {
	if inv, ok := src.(auth.Invalidator); ok {
		inv.Invalidate()
	}
}

// dialConfigured opens an initialized session with the configured
// credential.
func dialConfigured(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Session, auth.TokenSource, error) {
	src, err := credentials(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	headers, err := authHeaders(ctx, src)
	if err != nil {
		return nil, nil, err
	}

	s, err := session.Dial(ctx, cfg.ServerURL, cfg.ConnectorOptions(headers, logger), cfg.SessionOptions(version, logger))
	if err != nil {
		if apperrors.IsAuthFailure(err) {
			forgetRejected(src)
		}
		return nil, nil, err
	}
	return s, src, nil
}
