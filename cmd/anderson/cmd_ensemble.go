package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/nvandessel/anderson/internal/config"
	"github.com/nvandessel/anderson/internal/ensemble"
	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/spf13/cobra"
)

func newEnsembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Average the observables over disorder realizations",
		Long: `Run independent disorder realizations in parallel and average the
observables at every time. Realization i uses seed base+i, so an ensemble
is reproducible with --seed.

The mean series is written under <out>/mean and the standard deviation
under <out>/stddev.

Examples:
  anderson ensemble -n 500 -W 2 -r 50            # 50 realizations, every CPU
  anderson ensemble -n 500 -W 2 -r 50 --workers 4 --seed 7`,
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
			if _, _, err := newSeriesSink(format, dir); err != nil {
				return err
			}

			realizations := cfg.Ensemble.Realizations
			if cmd.Flags().Changed("realizations") {
				realizations, _ = cmd.Flags().GetInt("realizations")
			}
			workers := cfg.Ensemble.Workers
			if cmd.Flags().Changed("workers") {
				workers, _ = cmd.Flags().GetInt("workers")
			}

			logger, events := newLoggers(cmd, cfg)
			defer events.Close()

			ctx, cancel := signalContext(commandContext(cmd))
			defer cancel()

			res, err := ensemble.Run(ctx, simCfg, ensemble.Options{
				Realizations: realizations,
				Workers:      workers,
				Logger:       logger,
				Events:       events,
			})
			if err != nil {
				return err
			}

			files, err := writeEnsemble(res, format, dir)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), ensembleSummary(res, files))
			}
			printEnsembleSummary(cmd.OutOrStdout(), res, files)
			return nil
		},
	}

	addSimulationFlags(cmd)
	addOutputFlags(cmd)
	cmd.Flags().IntP("realizations", "r", 0, "Number of disorder realizations (default from config)")
	cmd.Flags().Int("workers", 0, "Concurrent realizations; 0 uses every CPU (default from config)")
	return cmd
}

// writeEnsemble writes the mean and standard deviation series side by side.
func writeEnsemble(res *ensemble.Result, format, dir string) ([]string, error) {
	if format == config.FormatNone {
		return nil, nil
	}
	var files []string
	for _, part := range []struct {
		name    string
		samples []evolution.Sample
	}{
		{"mean", res.MeanSamples()},
		{"stddev", res.StdDevSamples()},
	} {
		s, written, err := newSeriesSink(format, filepath.Join(dir, part.name))
		if err != nil {
			return nil, err
		}
		if err := ensemble.Emit(s, res.Meta, part.samples); err != nil {
			return nil, fmt.Errorf("writing %s series: %w", part.name, err)
		}
		files = append(files, written()...)
	}
	return files, nil
}

func ensembleSummary(res *ensemble.Result, files []string) map[string]any {
	final := make(map[string]ensemble.Point, len(evolution.Observables))
	for _, o := range evolution.Observables {
		series := res.Series(o)
		final[o.String()] = series[len(series)-1]
	}
	return map[string]any{
		"base_seed":    res.BaseSeed,
		"realizations": res.Realizations,
		"steps":        res.Steps() - 1,
		"size":         res.Meta.Size,
		"w":            res.Meta.DisorderWidth,
		"final":        final,
		"files":        files,
	}
}

func printEnsembleSummary(w io.Writer, res *ensemble.Result, files []string) {
	fmt.Fprintf(w, "Ensemble of %d realizations: N=%d W=%g sigma=%g base seed=%d\n",
		res.Realizations, res.Meta.Size, res.Meta.DisorderWidth, res.Meta.Sigma, res.BaseSeed)
	for _, o := range evolution.Observables {
		series := res.Series(o)
		last := series[len(series)-1]
		fmt.Fprintf(w, "  %-14s %.5f ± %.5f (t = %.4f)\n", o.String()+":", last.Mean, last.StdDev, last.Time)
	}
	for _, f := range files {
		fmt.Fprintf(w, "  wrote:         %s\n", f)
	}
}
