package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nvandessel/anderson/internal/config"
	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/sink"
	"github.com/nvandessel/anderson/internal/store"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evolve one wave packet on a disordered chain",
		Long: `Evolve a wave packet with RK4 and record the four observables after
every step. Unset flags fall back to ~/.anderson/config.yaml.

Examples:
  anderson run -n 1000 -W 2.5                  # delta packet, horizon N/5
  anderson run -n 500 -W 1 --sigma 4 --seed 42 # reproducible Gaussian packet
  anderson run -n 2000 --format arrow --store  # Arrow output, recorded in the run store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			simCfg, err := simulationConfig(cmd, cfg)
			if err != nil {
				return err
			}
			format, dir := outputTarget(cmd, cfg)
			persist := cfg.Output.Store
			if cmd.Flags().Changed("store") {
				persist, _ = cmd.Flags().GetBool("store")
			}

			logger, events := newLoggers(cmd, cfg)
			defer events.Close()

			series, files, err := newSeriesSink(format, dir)
			if err != nil {
				return err
			}
			sinks := evolution.MultiSink{series}

			var rs *store.RunSink
			if persist {
				root, _ := cmd.Flags().GetString("root")
				runStore, err := store.NewSQLiteRunStore(root)
				if err != nil {
					return fmt.Errorf("failed to open run store: %w", err)
				}
				defer runStore.Close()
				rs = store.NewRunSink(commandContext(cmd), runStore, store.DefaultBatchSize)
				sinks = append(sinks, rs)
			}

			ctx, cancel := signalContext(commandContext(cmd))
			defer cancel()

			res, runErr := evolution.Run(ctx, simCfg, sinks, evolution.Options{Logger: logger, Events: events})
			summary := runSummary{Result: res, NormDrift: res.NormDrift(), Files: files()}
			if rs != nil && rs.RunID() != "" {
				summary.RunID = rs.RunID()
				if err := rs.Finish(res, runErr); err != nil && runErr == nil {
					runErr = err
				}
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			} else {
				printRunSummary(cmd.OutOrStdout(), simCfg, summary)
			}
			if runErr != nil {
				return fmt.Errorf("run interrupted after %d steps: %w", res.Steps, runErr)
			}
			return nil
		},
	}

	addSimulationFlags(cmd)
	addOutputFlags(cmd)
	cmd.Flags().Bool("store", false, "Record the run in the run store (default from config)")
	return cmd
}

// runSummary is what run prints.
type runSummary struct {
	RunID string `json:"run_id,omitempty"`
	evolution.Result
	NormDrift float64  `json:"norm_drift"`
	Files     []string `json:"files,omitempty"`
}

func printRunSummary(w io.Writer, cfg lattice.SimulationConfig, s runSummary) {
	status := "completed"
	if s.Cancelled {
		status = "cancelled"
	}
	fmt.Fprintf(w, "Run %s: N=%d W=%g sigma=%g h=%g seed=%d\n",
		status, cfg.Size, cfg.DisorderWidth, cfg.Sigma, cfg.TimeStep, s.Seed)
	fmt.Fprintf(w, "  steps:          %d (t = %.4f)\n", s.Steps, s.FinalTime)
	fmt.Fprintf(w, "  total prob:     %.8f -> %.8f (drift %.2e)\n", s.InitialNorm, s.FinalNorm, s.NormDrift)
	fmt.Fprintf(w, "  return prob:    %.5f\n", s.Final.ReturnProbability)
	fmt.Fprintf(w, "  participation:  %.5f\n", s.Final.Participation)
	fmt.Fprintf(w, "  centroid:       %.5f\n", s.Final.MeanPosition)
	fmt.Fprintf(w, "  spread:         %.5f\n", s.Final.Spread)
	if s.RunID != "" {
		fmt.Fprintf(w, "  stored as:      %s\n", s.RunID)
	}
	for _, f := range s.Files {
		fmt.Fprintf(w, "  wrote:          %s\n", f)
	}
}

// addSimulationFlags registers the chain and integration flags shared by
// run and ensemble.
func addSimulationFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("size", "n", 0, "Number of lattice sites (default from config)")
	cmd.Flags().Float64P("disorder", "W", 0, "Disorder width W; energies are uniform on [-W/2, W/2]")
	cmd.Flags().Float64("sigma", 0, "Gaussian packet width; 0 excites the centre site only")
	cmd.Flags().Float64("dt", 0, "RK4 time step h (default from config)")
	cmd.Flags().Float64("max-time", 0, "Simulation horizon (default N/5)")
	cmd.Flags().Uint64("seed", 0, "Disorder seed (default: fresh random seed)")
}

// simulationConfig layers changed flags over the configured defaults and
// validates the result.
func simulationConfig(cmd *cobra.Command, cfg *config.AndersonConfig) (lattice.SimulationConfig, error) {
	sc := cfg.SimulationDefaults()
	flags := cmd.Flags()
	if flags.Changed("size") {
		sc.Size, _ = flags.GetInt("size")
	}
	if flags.Changed("disorder") {
		sc.DisorderWidth, _ = flags.GetFloat64("disorder")
	}
	if flags.Changed("sigma") {
		sc.Sigma, _ = flags.GetFloat64("sigma")
	}
	if flags.Changed("dt") {
		sc.TimeStep, _ = flags.GetFloat64("dt")
	}
	if flags.Changed("max-time") {
		t, _ := flags.GetFloat64("max-time")
		sc.MaxTime = &t
	}
	if flags.Changed("seed") {
		seed, _ := flags.GetUint64("seed")
		sc.Seed = &seed
	}
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("format", "", "Series output: dat, arrow or none (default from config)")
	cmd.Flags().StringP("out", "o", "", "Output directory (default from config)")
}

func outputTarget(cmd *cobra.Command, cfg *config.AndersonConfig) (format, dir string) {
	format, dir = cfg.Output.Format, cfg.Output.Dir
	if cmd.Flags().Changed("format") {
		format, _ = cmd.Flags().GetString("format")
	}
	if cmd.Flags().Changed("out") {
		dir, _ = cmd.Flags().GetString("out")
	}
	return strings.ToLower(format), dir
}

// newSeriesSink returns the file sink for format and a function reporting
// the files it wrote.
func newSeriesSink(format, dir string) (evolution.Sink, func() []string, error) {
	switch format {
	case config.FormatDat:
		ds := sink.NewDatSink(dir)
		return ds, ds.Paths, nil
	case config.FormatArrow:
		as := sink.NewArrowSink(dir)
		return as, func() []string {
			if as.Path() == "" {
				return nil
			}
			return []string{as.Path()}
		}, nil
	case config.FormatNone:
		return evolution.Discard, func() []string { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("invalid format: %s (valid: dat, arrow, none)", format)
	}
}

// commandContext returns the command's context, which is nil when the
// command is executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
