// Package ensemble averages observables over independent disorder
// realizations. Realizations share nothing: each owns its lattice, stepper
// and driver, and they are merged per time index once all have finished.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/logging"
)

// Options configures an ensemble run.
type Options struct {
	// Realizations is the number of disorder draws. Must be at least 1.
	Realizations int
	// Workers bounds concurrent realizations. Zero uses runtime.NumCPU().
	Workers int
	Logger  *slog.Logger
	Events  *logging.EventLogger
	Now     func() time.Time
}

// Point is the ensemble statistic of one observable at one time.
type Point struct {
	Time   float64 `json:"time"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Result holds the merged series. Realization i used seed BaseSeed+i.
type Result struct {
	BaseSeed     uint64
	Realizations int
	Meta         evolution.RunMeta
	mean         [][]float64 // [observable][step]
	std          [][]float64
	times        []float64
}

// Steps is the number of sampled times, t = 0 included.
func (r *Result) Steps() int { return len(r.times) }

// Series returns the time-ordered statistics for o.
func (r *Result) Series(o evolution.Observable) []Point {
	out := make([]Point, len(r.times))
	for k, t := range r.times {
		out[k] = Point{Time: t, Mean: r.mean[o][k], StdDev: r.std[o][k]}
	}
	return out
}

// MeanSamples packs the mean series back into samples so they can be
// written through any evolution.Sink.
func (r *Result) MeanSamples() []evolution.Sample {
	return r.samples(r.mean)
}

// StdDevSamples is MeanSamples for the standard deviation.
func (r *Result) StdDevSamples() []evolution.Sample {
	return r.samples(r.std)
}

func (r *Result) samples(src [][]float64) []evolution.Sample {
	out := make([]evolution.Sample, len(r.times))
	for k, t := range r.times {
		out[k] = evolution.Sample{
			Step:              k,
			Time:              t,
			ReturnProbability: src[evolution.ReturnProbability][k],
			Participation:     src[evolution.Participation][k],
			MeanPosition:      src[evolution.MeanPosition][k],
			Spread:            src[evolution.Spread][k],
		}
	}
	return out
}

// Emit writes samples to sink framed by Begin and End.
func Emit(sink evolution.Sink, meta evolution.RunMeta, samples []evolution.Sample) error {
	if err := sink.Begin(meta); err != nil {
		return fmt.Errorf("starting sink: %w", err)
	}
	for _, s := range samples {
		if err := sink.Write(s); err != nil {
			sink.End()
			return fmt.Errorf("writing sample at step %d: %w", s.Step, err)
		}
	}
	return sink.End()
}

// Run evolves opts.Realizations independent chains described by cfg and
// merges them. The first failure or a cancelled ctx stops the remaining
// realizations and is returned.
func Run(ctx context.Context, cfg lattice.SimulationConfig, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Realizations < 1 {
		return nil, fmt.Errorf("realizations must be at least 1, got %d: %w", opts.Realizations, lattice.ErrInvalidConfiguration)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	base := lattice.NewSeed()
	if cfg.Seed != nil {
		base = *cfg.Seed
	}

	logger.Info("ensemble started", "realizations", opts.Realizations, "workers", workers,
		"size", cfg.Size, "w", cfg.DisorderWidth, "base_seed", base)

	runs := make([][]evolution.Sample, opts.Realizations)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < opts.Realizations; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := cfg
			seed := base + uint64(i)
			c.Seed = &seed

			mem := &evolution.MemorySink{}
			res, err := evolution.Run(gctx, c, mem, evolution.Options{
				Logger: logger.With("realization", i),
				Now:    now,
			})
			if err != nil {
				return fmt.Errorf("realization %d (seed %d): %w", i, seed, err)
			}
			runs[i] = mem.Samples

			logger.Debug("realization done", "realization", i, "seed", seed, "norm_drift", res.NormDrift())
			opts.Events.Record(logging.EventRealizationDone, logging.Fields{
				"realization": i, "seed": seed,
				"steps": res.Steps, "final_norm": res.FinalNorm,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Info("ensemble stopped", "error", err)
		return nil, err
	}

	res := merge(runs)
	res.BaseSeed = base
	res.Realizations = opts.Realizations
	res.Meta = evolution.RunMeta{
		Size:          cfg.Size,
		DisorderWidth: cfg.DisorderWidth,
		Sigma:         cfg.Sigma,
		TimeStep:      cfg.TimeStep,
		MaxTime:       cfg.Horizon(),
		Seed:          base,
		StartedAt:     now(),
	}
	logger.Info("ensemble completed", "realizations", opts.Realizations, "steps", res.Steps())
	return res, nil
}

// merge computes per-step mean and standard deviation. Every run has the
// same length because they share a configuration.
func merge(runs [][]evolution.Sample) *Result {
	steps := len(runs[0])
	res := &Result{
		times: make([]float64, steps),
		mean:  make([][]float64, len(evolution.Observables)),
		std:   make([][]float64, len(evolution.Observables)),
	}
	for _, o := range evolution.Observables {
		res.mean[o] = make([]float64, steps)
		res.std[o] = make([]float64, steps)
	}

	col := make([]float64, len(runs))
	for k := 0; k < steps; k++ {
		res.times[k] = runs[0][k].Time
		for _, o := range evolution.Observables {
			for i, r := range runs {
				col[i] = r[k].Value(o)
			}
			if len(col) == 1 {
				res.mean[o][k] = col[0]
				continue
			}
			res.mean[o][k], res.std[o][k] = stat.MeanStdDev(col, nil)
		}
	}
	return res
}
