package main

import (
	"github.com/spf13/cobra"

	"github.com/naotama2002/mcp-sse-connector/connector"
	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/relay"
)

func newRelayCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "relay [server-url]",
		Short: "Relay a local stdio MCP client to the remote server",
		Long: "Reads newline-delimited JSON-RPC messages from stdin, sends them to the remote\n" +
			"server and writes every message the server sends to stdout, one per line.\n" +
			"Point a stdio-only MCP client at this command to use a remote SSE server.\n\n" +
			"Logs go to stderr. If the server rejects the credential and login_url is\n" +
			"configured, a browser window is opened to sign in again.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !cmd.Flags().Changed("server") {
				if err := cmd.Flags().Set("server", args[0]); err != nil {
					return err
				}
			}

			cfg, logger, err := gf.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd, logger)
			defer stop()

			src, err := credentials(ctx, cfg, logger)
			if err != nil {
				return err
			}
			headers, err := authHeaders(ctx, src)
			if err != nil {
				return err
			}

			conn, err := connector.Open(ctx, cfg.ServerURL, cfg.ConnectorOptions(headers, logger))
			if err != nil {
				return err
			}
			defer conn.Close()

			err = relay.New(conn, cmd.InOrStdin(), cmd.OutOrStdout(), relay.Options{
				LoginURL: cfg.LoginURL,
				Logger:   logger,
			}).Run(ctx)
			if apperrors.IsAuthFailure(err) {
				forgetRejected(src)
			}
			return err
		},
	}
}
