// Package evolution runs the time loop of a tight-binding simulation: it
// steps the lattice with RK4, measures the observables after every step,
// and hands one sample per time to a Sink.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nvandessel/anderson/internal/integrator"
	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/logging"
	"github.com/nvandessel/anderson/internal/observables"
)

// State is the driver lifecycle: Initialized -> Running -> Completed.
type State int

const (
	Initialized State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrAlreadyRun is returned when Run is called on a driver that has left
// the Initialized state.
var ErrAlreadyRun = errors.New("driver has already run")

// Options carries the optional collaborators of a Driver.
type Options struct {
	Logger *slog.Logger
	Events *logging.EventLogger
	// Now is the clock stamped on RunMeta. Defaults to time.Now.
	Now func() time.Time
}

// Result summarizes a finished (or cancelled) run.
type Result struct {
	Seed        uint64               `json:"seed"`
	Steps       int                  `json:"steps"`
	FinalTime   float64              `json:"final_time"`
	InitialNorm float64              `json:"initial_norm"`
	FinalNorm   float64              `json:"final_norm"`
	Final       observables.Snapshot `json:"final"`
	Cancelled   bool                 `json:"cancelled"`
}

// NormDrift is the relative change of total probability over the run.
func (r Result) NormDrift() float64 {
	if r.InitialNorm == 0 {
		return 0
	}
	return math.Abs(r.FinalNorm-r.InitialNorm) / r.InitialNorm
}

// Driver owns one lattice and its stepper for the duration of a run.
type Driver struct {
	cfg     lattice.SimulationConfig
	lat     *lattice.Lattice
	stepper *integrator.Stepper
	logger  *slog.Logger
	events  *logging.EventLogger
	now     func() time.Time
	state   State
}

// NewDriver validates cfg and builds the lattice. When cfg.Seed is nil a
// fresh seed is drawn; either way Result.Seed reports the one used.
func NewDriver(cfg lattice.SimulationConfig, opts Options) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := lattice.NewSeed()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}

	lat, err := lattice.Build(cfg, seed)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:     cfg,
		lat:     lat,
		stepper: integrator.NewStepper(lat),
		logger:  opts.Logger,
		events:  opts.Events,
		now:     opts.Now,
		state:   Initialized,
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Lattice exposes the chain being evolved.
func (d *Driver) Lattice() *lattice.Lattice { return d.lat }

// State reports the lifecycle state.
func (d *Driver) State() State { return d.state }

// Meta returns the run description handed to the sink.
func (d *Driver) Meta() RunMeta {
	return RunMeta{
		Size:          d.cfg.Size,
		DisorderWidth: d.cfg.DisorderWidth,
		Sigma:         d.cfg.Sigma,
		TimeStep:      d.cfg.TimeStep,
		MaxTime:       d.cfg.Horizon(),
		Seed:          d.lat.Seed(),
	}
}

// Run samples t = 0 from the initial state, then for every t = k*h up to the
// horizon steps once and samples again. ctx is checked between steps only;
// on cancellation the samples already written stay with the sink, End is
// still called, and ctx.Err() is returned alongside the partial result.
func (d *Driver) Run(ctx context.Context, sink Sink) (Result, error) {
	if d.state != Initialized {
		return Result{}, ErrAlreadyRun
	}
	if sink == nil {
		sink = Discard
	}

	meta := d.Meta()
	meta.StartedAt = d.now()
	steps := d.cfg.Steps()
	h := d.cfg.TimeStep
	psi := d.lat.Amplitude()

	res := Result{Seed: meta.Seed, InitialNorm: d.lat.TotalProbability()}

	d.logger.Info("run started",
		"size", meta.Size, "w", meta.DisorderWidth, "sigma", meta.Sigma,
		"h", h, "max_time", meta.MaxTime, "steps", steps, "seed", meta.Seed)
	if len(d.cfg.SnapshotTimes) > 0 {
		d.logger.Debug("snapshot times are reserved and will not be recorded", "times", d.cfg.SnapshotTimes)
	}
	if meta.Size < 3 {
		d.logger.Warn("chain has no interior sites; amplitude will not evolve", "size", meta.Size)
	}
	d.events.Record(logging.EventRunStarted, logging.Fields{
		"size": meta.Size, "disorder_width": meta.DisorderWidth,
		"sigma": meta.Sigma, "time_step": h, "max_time": meta.MaxTime, "seed": meta.Seed,
	})

	if err := sink.Begin(meta); err != nil {
		return res, fmt.Errorf("starting sink: %w", err)
	}

	d.state = Running
	runErr := d.loop(ctx, sink, psi, steps, h, &res)
	d.state = Completed

	res.FinalNorm = d.lat.TotalProbability()
	res.Final = observables.Measure(psi)

	if err := sink.End(); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing sink: %w", err)
	}

	switch {
	case res.Cancelled:
		d.logger.Info("run cancelled", "steps", res.Steps, "t", res.FinalTime)
		d.events.Record(logging.EventRunCancelled, logging.Fields{"steps": res.Steps, "final_time": res.FinalTime, "seed": res.Seed})
	case runErr != nil:
		d.logger.Error("run failed", "error", runErr, "steps", res.Steps)
	default:
		d.logger.Info("run completed", "steps", res.Steps, "t", res.FinalTime, "norm_drift", res.NormDrift())
		d.events.Record(logging.EventRunCompleted, logging.Fields{
			"steps": res.Steps, "final_time": res.FinalTime,
			"final_norm": res.FinalNorm, "seed": res.Seed,
		})
	}
	return res, runErr
}

func (d *Driver) loop(ctx context.Context, sink Sink, psi []complex128, steps int, h float64, res *Result) error {
	if err := d.emit(ctx, sink, 0, psi); err != nil {
		return err
	}

	for k := 1; k <= steps; k++ {
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			return err
		}
		if err := d.stepper.Step(psi, h); err != nil {
			return fmt.Errorf("step %d: %w", k, err)
		}
		res.Steps = k
		res.FinalTime = float64(k) * h
		if err := d.emit(ctx, sink, k, psi); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) emit(ctx context.Context, sink Sink, k int, psi []complex128) error {
	snap := observables.Measure(psi)
	s := Sample{
		Step:              k,
		Time:              float64(k) * d.cfg.TimeStep,
		ReturnProbability: snap.ReturnProbability,
		Participation:     snap.Participation,
		MeanPosition:      snap.MeanPosition,
		Spread:            snap.Spread,
	}
	d.logger.Log(ctx, logging.LevelTrace, "sample",
		"step", k, "t", s.Time, "return", s.ReturnProbability,
		"participation", s.Participation, "centroid", s.MeanPosition, "spread", s.Spread)
	if err := sink.Write(s); err != nil {
		return fmt.Errorf("writing sample at step %d: %w", k, err)
	}
	return nil
}

// Run is a convenience wrapper: build a driver for cfg and run it into sink.
func Run(ctx context.Context, cfg lattice.SimulationConfig, sink Sink, opts Options) (Result, error) {
	d, err := NewDriver(cfg, opts)
	if err != nil {
		return Result{}, err
	}
	return d.Run(ctx, sink)
}
