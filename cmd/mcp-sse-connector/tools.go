package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/naotama2002/mcp-sse-connector/tool"
)

func newToolsCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or call the remote server's tools",
	}
	cmd.AddCommand(newToolsListCmd(gf), newToolsCallCmd(gf))
	return cmd
}

func newToolsListCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tools offered by the remote server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd, logger)
			defer stop()

			s, _, err := dialConfigured(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ts, err := tool.Load(ctx, s, s)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range ts.Declarations() {
				desc, _, _ := strings.Cut(d.Description, "\n")
				fmt.Fprintf(w, "%s\t%s\n", d.Name, desc)
			}
			return w.Flush()
		},
	}
}

func newToolsCallCmd(gf *globalFlags) *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call <tool-name>",
		Short: "Call a remote tool and print its result as JSON",
		Long: "Call a remote tool. Arguments are passed as a JSON object:\n" +
			"    mcp-sse-connector tools call search --args '{\"query\": \"status\"}'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("invalid --args, expected a JSON object: %w", err)
				}
			}

			cfg, logger, err := gf.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd, logger)
			defer stop()

			s, _, err := dialConfigured(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ts, err := tool.Load(ctx, s, s)
			if err != nil {
				return err
			}
			result, err := ts.Invoke(ctx, args[0], toolArgs)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if result.IsError {
				return fmt.Errorf("tool %s reported an error", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	return cmd
}
