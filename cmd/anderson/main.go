package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nvandessel/anderson/internal/config"
	"github.com/nvandessel/anderson/internal/logging"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anderson",
		Short: "Wave-packet diffusion on a disordered 1-D chain",
		Long: `anderson evolves a quantum wave packet on a one-dimensional
tight-binding chain with uniform random on-site disorder and records how
it spreads: return probability, participation number, centroid and width.

Strong disorder localizes the packet; weak disorder lets it diffuse.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Directory holding the .anderson run store")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug or trace (default from config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newEnsembleCmd(),
		newRunsCmd(),
		newExportCmd(),
		newConfigCmd(),
		newMCPServerCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "anderson version %s\n", version)
			}
		},
	}
}

// loadConfig reads ~/.anderson/config.yaml and applies the --log-level flag.
func loadConfig(cmd *cobra.Command) (*config.AndersonConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLoggers builds the operational logger on stderr and, at debug or
// trace, the event log under ~/.anderson. The event logger may be nil.
func newLoggers(cmd *cobra.Command, cfg *config.AndersonConfig) (*slog.Logger, *logging.EventLogger) {
	logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	var events *logging.EventLogger
	if dir, err := config.Dir(); err == nil {
		events = logging.NewEventLogger(dir, cfg.Logging.Level)
	}
	return logger, events
}

// signalContext returns a context cancelled on the first interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
