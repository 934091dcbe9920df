package main

import (
	"fmt"
	"io"
	"time"

	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/nvandessel/anderson/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run store",
		Long: `List, show and delete runs recorded with --store.

The run store lives in <root>/.anderson/anderson.db.

Examples:
  anderson runs list
  anderson runs show run-3f2a9c1b7e04
  anderson runs show run-3f2a9c1b7e04 --series spread
  anderson runs delete run-3f2a9c1b7e04`,
	}

	cmd.AddCommand(
		newRunsListCmd(),
		newRunsShowCmd(),
		newRunsDeleteCmd(),
	)
	return cmd
}

// openRunStore opens the store under --root.
func openRunStore(cmd *cobra.Command) (*store.SQLiteRunStore, error) {
	root, _ := cmd.Flags().GetString("root")
	s, err := store.NewSQLiteRunStore(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return s, nil
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			s, err := openRunStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(commandContext(cmd), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"runs": runs, "count": len(runs)})
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No stored runs.")
				return nil
			}
			fmt.Fprintf(out, "%-16s  %-19s  %7s  %6s  %6s  %20s  %7s  %s\n",
				"ID", "CREATED", "N", "W", "SIGMA", "SEED", "STEPS", "STATUS")
			for _, r := range runs {
				fmt.Fprintf(out, "%-16s  %-19s  %7d  %6.2f  %6.2f  %20d  %7d  %s\n",
					r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Size, r.DisorderWidth,
					r.Sigma, r.Seed, r.Steps, r.Status)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of runs to list (0 for all)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored run, optionally with one observable's series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seriesName, _ := cmd.Flags().GetString("series")
			var obs evolution.Observable
			if seriesName != "" {
				var err error
				if obs, err = evolution.ParseObservable(seriesName); err != nil {
					return err
				}
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
			var series []evolution.Record
			if seriesName != "" {
				if series, err = s.GetSeries(ctx, run.ID, obs); err != nil {
					return err
				}
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				result := map[string]any{"run": run}
				if seriesName != "" {
					result["series"] = series
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}

			printRun(cmd.OutOrStdout(), run)
			if seriesName != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s series (%d points):\n", obs, len(series))
				for _, r := range series {
					fmt.Fprintf(cmd.OutOrStdout(), "%.5f %.5f\n", r.Time, r.Value)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("series", "", "Print one series: return, participation, centroid or spread")
	return cmd
}

func printRun(w io.Writer, r *store.Run) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, r.Status)
	fmt.Fprintf(w, "  created:     %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "  finished:    %s\n", r.FinishedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  sites:       %d\n", r.Size)
	fmt.Fprintf(w, "  disorder W:  %g\n", r.DisorderWidth)
	fmt.Fprintf(w, "  sigma:       %g\n", r.Sigma)
	fmt.Fprintf(w, "  time step:   %g\n", r.TimeStep)
	fmt.Fprintf(w, "  horizon:     %g\n", r.MaxTime)
	fmt.Fprintf(w, "  seed:        %d\n", r.Seed)
	fmt.Fprintf(w, "  steps:       %d (t = %.4f)\n", r.Steps, r.FinalTime)
	fmt.Fprintf(w, "  total prob:  %.8f -> %.8f\n", r.InitialNorm, r.FinalNorm)
}

func newRunsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored run and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openRunStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteRun(commandContext(cmd), args[0]); err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "deleted", "id": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
