package main

import (
	"fmt"
	"path/filepath"

	"github.com/nvandessel/anderson/internal/mcp"
	"github.com/nvandessel/anderson/internal/pathutil"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve simulation tools over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdin/stdout.

Tools:
  anderson_run     run a simulation, optionally storing it or writing series files
  anderson_runs    list stored runs
  anderson_series  fetch one observable's series from a stored run

Stored runs are also readable as anderson://runs/{id} resources. Series
files may only be written under ~/.anderson/output, --root, or the
directories given with --allow-output. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			root, _ := cmd.Flags().GetString("root")
			root, err = filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("failed to resolve root: %w", err)
			}
			extra, _ := cmd.Flags().GetStringSlice("allow-output")

			logger, events := newLoggers(cmd, cfg)
			defer events.Close()

			outputDirs, err := pathutil.DefaultAllowedOutputDirs(root)
			if err != nil {
				return err
			}
			outputDirs = append(outputDirs, extra...)

			server, err := mcp.NewServer(&mcp.Config{
				Name:       "anderson",
				Version:    version,
				Root:       root,
				OutputDirs: outputDirs,
				Logger:     logger,
				Events:     events,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(commandContext(cmd))
			defer cancel()

			logger.Info("mcp server listening on stdio", "root", root)
			return server.Run(ctx)
		},
	}
	cmd.Flags().StringSlice("allow-output", nil, "Extra directories anderson_run may write series into")
	return cmd
}
