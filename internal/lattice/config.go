package lattice

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfiguration is wrapped by every validation failure. Callers
// should test for it with errors.Is.
var ErrInvalidConfiguration = errors.New("invalid configuration")

const (
	// DefaultTimeStep is the integration step used when none is configured.
	DefaultTimeStep = 0.01

	// MaxTimeDivisor sets the default horizon: maxTime = N / MaxTimeDivisor.
	// Nearest-neighbour coupling bounds the wavefront speed, so N/5 keeps
	// the packet launched from the centre well away from the frozen edges.
	MaxTimeDivisor = 5.0
)

// SimulationConfig fixes every input of a run. It is created before the run
// starts and never mutated while it is running.
type SimulationConfig struct {
	// Size is the number of lattice sites N.
	Size int `json:"size" yaml:"size"`

	// DisorderWidth is the full width W of the uniform on-site distribution.
	DisorderWidth float64 `json:"disorder_width" yaml:"disorder_width"`

	// Sigma selects the initial condition: 0 is a delta, >0 a Gaussian.
	Sigma float64 `json:"sigma" yaml:"sigma"`

	// TimeStep is the RK4 increment h.
	TimeStep float64 `json:"time_step" yaml:"time_step"`

	// MaxTime is the simulated horizon. Nil means Size / MaxTimeDivisor.
	MaxTime *float64 `json:"max_time,omitempty" yaml:"max_time,omitempty"`

	// Seed fixes the disorder realization. Nil draws a fresh seed per run.
	Seed *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// SnapshotTimes is reserved for amplitude snapshots. It is accepted and
	// carried but no snapshots are taken.
	SnapshotTimes []float64 `json:"snapshot_times,omitempty" yaml:"snapshot_times,omitempty"`
}

// DefaultSimulationConfig returns a config for a chain of size sites with
// the default time step and horizon, no disorder, and a delta excitation.
func DefaultSimulationConfig(size int) SimulationConfig {
	return SimulationConfig{
		Size:     size,
		TimeStep: DefaultTimeStep,
	}
}

// Validate checks every field that could make a run meaningless. It never
// mutates the config.
func (c SimulationConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d: %w", c.Size, ErrInvalidConfiguration)
	}
	if !finiteNonNegative(c.DisorderWidth) {
		return fmt.Errorf("disorder width must be finite and non-negative, got %g: %w", c.DisorderWidth, ErrInvalidConfiguration)
	}
	if !finiteNonNegative(c.Sigma) {
		return fmt.Errorf("sigma must be finite and non-negative, got %g: %w", c.Sigma, ErrInvalidConfiguration)
	}
	if !(c.TimeStep > 0) || math.IsInf(c.TimeStep, 1) {
		return fmt.Errorf("time step must be finite and positive, got %g: %w", c.TimeStep, ErrInvalidConfiguration)
	}
	if c.MaxTime != nil && !finiteNonNegative(*c.MaxTime) {
		return fmt.Errorf("max time must be finite and non-negative, got %g: %w", *c.MaxTime, ErrInvalidConfiguration)
	}
	// Steps() must fit in an int, with room for the t = 0 sample.
	if steps := c.Horizon()/c.TimeStep + 1e-9; steps >= maxSteps {
		return fmt.Errorf("horizon %g needs %.3g steps of %g, limit is %d: %w",
			c.Horizon(), steps, c.TimeStep, int64(maxSteps), ErrInvalidConfiguration)
	}
	return nil
}

// maxSteps bounds Steps() so its float-to-int conversion cannot overflow.
const maxSteps = float64(math.MaxInt)

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

// Horizon returns the configured max time, or Size / MaxTimeDivisor when
// none was set.
func (c SimulationConfig) Horizon() float64 {
	if c.MaxTime != nil {
		return *c.MaxTime
	}
	return float64(c.Size) / MaxTimeDivisor
}

// Steps returns the number of integration steps needed to reach the
// horizon. Sampling happens at t = k*h for k in [0, Steps()]. It is only
// meaningful for a config that passed Validate.
func (c SimulationConfig) Steps() int {
	if !(c.TimeStep > 0) {
		return 0
	}
	// The epsilon absorbs representation error so that 1.0/0.01 yields 100.
	return int(math.Floor(c.Horizon()/c.TimeStep + 1e-9))
}
