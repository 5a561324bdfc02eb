package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/naotama2002/mcp-sse-connector/cache"
	"github.com/naotama2002/mcp-sse-connector/gateway"
	"github.com/naotama2002/mcp-sse-connector/internal/config"
	"github.com/naotama2002/mcp-sse-connector/session"
	"github.com/naotama2002/mcp-sse-connector/tool"
)

func newGatewayCmd(gf *globalFlags) *cobra.Command {
	var (
		addr        string
		idleTimeout time.Duration
		stdio       bool
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the remote server's tools over HTTP or stdio",
		Long: "In HTTP mode (the default) every request carries the caller's own bearer token.\n" +
			"One session is kept per token and ?variant= value, so repeated calls reuse a\n" +
			"single handshake. A session the server rejects is dropped and the request\n" +
			"fails with 401.\n\n" +
			"    GET  /healthz\n" +
			"    GET  /v1/tools\n" +
			"    POST /v1/tools/{name}/call   {\"arguments\": {...}}\n" +
			"    POST /v1/rpc                 raw JSON-RPC request or notification\n\n" +
			"With --stdio the remote toolset is loaded once using the configured credential\n" +
			"and offered to a local MCP client over stdin and stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Gateway.Addr = addr
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.Gateway.IdleTimeout = idleTimeout
			}

			ctx, stop := signalContext(cmd, logger)
			defer stop()

			if stdio {
				return serveStdio(ctx, cfg, logger)
			}

			g, err := gateway.New(gateway.Options{
				Dial:        sessionDialer(cfg, logger),
				IdleTimeout: cfg.Gateway.IdleTimeout,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			return g.Serve(ctx, cfg.Gateway.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8080)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "close sessions unused for this long (0 keeps them)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve tools to a local MCP client over stdio instead of HTTP")
	return cmd
}

// sessionDialer opens sessions with the credential carried by the cache key.
func sessionDialer(cfg *config.Config, logger *slog.Logger) gateway.DialFunc {
	return func(ctx context.Context, key cache.Key) (*session.Session, error) {
		headers := map[string]string{"Authorization": "Bearer " + key.Token}
		if key.Variant != "" {
			headers[gateway.VariantHeader] = key.Variant
		}
		log := logger.With("session", key)
		return session.Dial(ctx, cfg.ServerURL, cfg.ConnectorOptions(headers, log), cfg.SessionOptions(version, log))
	}
}

func serveStdio(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, _, err := dialConfigured(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	ts, err := tool.Load(ctx, s, s)
	if err != nil {
		return err
	}
	if err := ts.Add(gateway.StatusTool(s)); err != nil {
		logger.Warn("remote server already offers a status tool", "error", err)
	}
	logger.Info("serving remote tools over stdio", "tools", ts.Len())

	name := "mcp-sse-connector"
	if info := s.ServerInfo(); info != nil && info.ServerInfo.Name != "" {
		name = info.ServerInfo.Name
	}
	return gateway.ServeStdio(name, version, ts)
}
