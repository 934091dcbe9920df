package main

import (
	"fmt"
	"strings"

	"github.com/nvandessel/anderson/internal/config"
	"github.com/nvandessel/anderson/internal/ensemble"
	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a stored run's series to .dat or Arrow files",
		Long: `Replay the samples of a stored run into a file sink. File names carry
the run's disorder width and creation time, as if the run had written
them itself.

Examples:
  anderson export run-3f2a9c1b7e04 -o results/
  anderson export run-3f2a9c1b7e04 --format arrow -o results/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			dir, _ := cmd.Flags().GetString("out")
			format = strings.ToLower(format)
			if format == config.FormatNone {
				return fmt.Errorf("invalid format: %s (valid: dat, arrow)", format)
			}
			target, files, err := newSeriesSink(format, dir)
			if err != nil {
				return err
			}

			s, err := openRunStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := commandContext(cmd)
			run, err := s.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			samples, err := s.GetSamples(ctx, run.ID)
			if err != nil {
				return err
			}

			meta := evolution.RunMeta{
				Size:          run.Size,
				DisorderWidth: run.DisorderWidth,
				Sigma:         run.Sigma,
				TimeStep:      run.TimeStep,
				MaxTime:       run.MaxTime,
				Seed:          run.Seed,
				StartedAt:     run.CreatedAt.Local(),
			}
			if err := ensemble.Emit(target, meta, samples); err != nil {
				return fmt.Errorf("failed to export %s: %w", run.ID, err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"id":      run.ID,
					"samples": len(samples),
					"files":   files(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d samples of %s\n", len(samples), run.ID)
			for _, f := range files() {
				fmt.Fprintf(cmd.OutOrStdout(), "  wrote: %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().String("format", config.FormatDat, "Output format: dat or arrow")
	cmd.Flags().StringP("out", "o", ".", "Output directory")
	return cmd
}
