package evolution

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/logging"
)

func ptr[T any](v T) *T { return &v }

func testConfig(n int, w, sigma, h, maxTime float64) lattice.SimulationConfig {
	return lattice.SimulationConfig{
		Size:          n,
		DisorderWidth: w,
		Sigma:         sigma,
		TimeStep:      h,
		MaxTime:       ptr(maxTime),
		Seed:          ptr(uint64(12345)),
	}
}

func TestRun_DeltaSpreadsFromOrigin(t *testing.T) {
	cfg := testConfig(100, 0, 0, 0.01, 1.0)
	sink := &MemorySink{}

	res, err := Run(context.Background(), cfg, sink, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.Samples) != 101 {
		t.Fatalf("got %d samples, want 101", len(sink.Samples))
	}
	if !sink.Ended {
		t.Error("sink was not ended")
	}
	if res.Steps != 100 {
		t.Errorf("Steps = %d, want 100", res.Steps)
	}
	if math.Abs(res.FinalTime-1.0) > 1e-12 {
		t.Errorf("FinalTime = %v, want 1.0", res.FinalTime)
	}

	series := sink.Series(ReturnProbability)
	if series[0].Time != 0 || series[0].Value != 1.0 {
		t.Errorf("first record = %+v, want t=0 value=1", series[0])
	}
	for _, r := range series[1:] {
		if !(r.Value < 1.0) {
			t.Errorf("return probability at t=%v is %v, want < 1", r.Time, r.Value)
		}
	}
	for i, r := range series {
		if want := float64(i) * 0.01; math.Abs(r.Time-want) > 1e-12 {
			t.Fatalf("record %d at t=%v, want %v", i, r.Time, want)
		}
	}

	// Free spreading from the centre stays symmetric.
	for _, s := range sink.Samples {
		if math.Abs(s.MeanPosition-50) > 1e-9 {
			t.Fatalf("centroid drifted to %v at t=%v", s.MeanPosition, s.Time)
		}
	}
	if res.NormDrift() > 1e-6 {
		t.Errorf("norm drift = %v over t=1", res.NormDrift())
	}
}

func TestRun_TinyChainKeepsBoundariesFrozen(t *testing.T) {
	cfg := testConfig(5, 0, 0, 0.01, 3.0)
	d, err := NewDriver(cfg, Options{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if _, err := d.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	psi := d.Lattice().Amplitude()
	if psi[0] != 0 || psi[4] != 0 {
		t.Errorf("boundary amplitudes changed: psi[0]=%v psi[4]=%v", psi[0], psi[4])
	}
	if psi[1] == 0 || psi[3] == 0 {
		t.Error("interior neighbours never received amplitude")
	}
}

func TestRun_DefaultHorizon(t *testing.T) {
	cfg := lattice.DefaultSimulationConfig(50)
	cfg.Seed = ptr(uint64(1))
	sink := &MemorySink{}

	if _, err := Run(context.Background(), cfg, sink, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(sink.Samples); got != 1001 {
		t.Errorf("got %d samples, want 1001 (N/5 = 10 at h = 0.01)", got)
	}
	if sink.Meta.MaxTime != 10 {
		t.Errorf("Meta.MaxTime = %v, want 10", sink.Meta.MaxTime)
	}
}

func TestRun_ZeroHorizonEmitsInitialSampleOnly(t *testing.T) {
	sink := &MemorySink{}
	res, err := Run(context.Background(), testConfig(20, 1, 0, 0.01, 0), sink, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.Samples) != 1 || res.Steps != 0 {
		t.Errorf("got %d samples and %d steps, want 1 and 0", len(sink.Samples), res.Steps)
	}
}

func TestNewDriver_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  lattice.SimulationConfig
	}{
		{"zero size", testConfig(0, 0, 0, 0.01, 1)},
		{"negative width", testConfig(10, -1, 0, 0.01, 1)},
		{"negative sigma", testConfig(10, 0, -1, 0.01, 1)},
		{"zero step", testConfig(10, 0, 0, 0, 1)},
		{"negative max time", testConfig(10, 0, 0, 0.01, -1)},
		{"infinite max time", testConfig(11, 0, 0, 0.01, math.Inf(1))},
		{"max time beyond step count", testConfig(11, 0, 0, 0.01, 1e20)},
		{"infinite width", testConfig(11, math.Inf(1), 0, 0.01, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDriver(tt.cfg, Options{})
			if !errors.Is(err, lattice.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
			if d != nil {
				t.Error("expected nil driver on invalid configuration")
			}
		})
	}
}

func TestRun_HugeHorizonFailsBeforeRunning(t *testing.T) {
	mem := &MemorySink{}
	res, err := Run(context.Background(), testConfig(11, 1, 0, 0.01, 1e20), mem, Options{})
	if !errors.Is(err, lattice.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if len(mem.Samples) != 0 || res.Steps != 0 {
		t.Errorf("run produced %d samples and %d steps, want none", len(mem.Samples), res.Steps)
	}
}

func TestRun_DeterministicWithSeed(t *testing.T) {
	cfg := testConfig(60, 2.5, 0, 0.01, 2)

	a, b := &MemorySink{}, &MemorySink{}
	if _, err := Run(context.Background(), cfg, a, Options{}); err != nil {
		t.Fatalf("Run a: %v", err)
	}
	if _, err := Run(context.Background(), cfg, b, Options{}); err != nil {
		t.Fatalf("Run b: %v", err)
	}
	if len(a.Samples) != len(b.Samples) {
		t.Fatalf("sample counts differ: %d vs %d", len(a.Samples), len(b.Samples))
	}
	for i := range a.Samples {
		if a.Samples[i] != b.Samples[i] {
			t.Fatalf("sample %d differs: %+v vs %+v", i, a.Samples[i], b.Samples[i])
		}
	}
	if a.Meta.Seed != 12345 {
		t.Errorf("Meta.Seed = %d, want 12345", a.Meta.Seed)
	}
}

func TestRun_DrawsSeedWhenUnset(t *testing.T) {
	cfg := testConfig(10, 1, 0, 0.01, 0.1)
	cfg.Seed = nil
	d, err := NewDriver(cfg, Options{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	res, err := d.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Seed != d.Lattice().Seed() {
		t.Errorf("Result.Seed = %d, lattice seed = %d", res.Seed, d.Lattice().Seed())
	}
}

// cancelAfter cancels its context once n samples have been written.
type cancelAfter struct {
	MemorySink
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Write(s Sample) error {
	if err := c.MemorySink.Write(s); err != nil {
		return err
	}
	if len(c.Samples) == c.n {
		c.cancel()
	}
	return nil
}

func TestRun_CancelBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancelAfter{n: 10, cancel: cancel}

	d, err := NewDriver(testConfig(100, 0, 0, 0.01, 1.0), Options{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	res, err := d.Run(ctx, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Cancelled {
		t.Error("Result.Cancelled = false")
	}
	if len(sink.Samples) != 10 {
		t.Errorf("got %d samples, want 10", len(sink.Samples))
	}
	if res.Steps != 9 {
		t.Errorf("Steps = %d, want 9", res.Steps)
	}
	if !sink.Ended {
		t.Error("sink was not ended after cancellation")
	}
	if d.State() != Completed {
		t.Errorf("State = %v, want completed", d.State())
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	d, err := NewDriver(testConfig(10, 0, 0, 0.01, 0.05), Options{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if d.State() != Initialized {
		t.Errorf("State = %v, want initialized", d.State())
	}
	if _, err := d.Run(context.Background(), nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := d.Run(context.Background(), nil); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run: expected ErrAlreadyRun, got %v", err)
	}
}

type failingSink struct {
	MemorySink
	failAt int
}

func (f *failingSink) Write(s Sample) error {
	if s.Step == f.failAt {
		return errors.New("disk full")
	}
	return f.MemorySink.Write(s)
}

func TestRun_SinkErrorAbortsRun(t *testing.T) {
	sink := &failingSink{failAt: 3}
	res, err := Run(context.Background(), testConfig(30, 0, 0, 0.01, 1), sink, Options{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected sink error, got %v", err)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	if !sink.Ended {
		t.Error("sink was not ended after write failure")
	}
}

func TestRun_LogsAtTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger("trace", &buf)
	fixed := time.Date(2025, 6, 24, 12, 0, 0, 0, time.UTC)

	sink := &MemorySink{}
	_, err := Run(context.Background(), testConfig(10, 0, 0, 0.01, 0.02), sink,
		Options{Logger: logger, Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"run started", "run completed", "level=TRACE"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if !sink.Meta.StartedAt.Equal(fixed) {
		t.Errorf("StartedAt = %v, want %v", sink.Meta.StartedAt, fixed)
	}
}

func TestSampleRecords(t *testing.T) {
	s := Sample{Time: 0.5, ReturnProbability: 0.1, Participation: 2, MeanPosition: 50, Spread: 3}
	recs := s.Records()
	want := []float64{0.1, 2, 50, 3}
	for i, r := range recs {
		if r.Observable != Observables[i] || r.Time != 0.5 || r.Value != want[i] {
			t.Errorf("record %d = %+v", i, r)
		}
	}
}

func TestParseObservable(t *testing.T) {
	for _, o := range Observables {
		got, err := ParseObservable(o.String())
		if err != nil || got != o {
			t.Errorf("ParseObservable(%q) = %v, %v", o.String(), got, err)
		}
	}
	if _, err := ParseObservable("energy"); err == nil {
		t.Error("expected error for unknown observable")
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	ms := MultiSink{a, b}

	if err := ms.Begin(RunMeta{Size: 3}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ms.Write(Sample{Step: 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ms.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	for i, s := range []*MemorySink{a, b} {
		if s.Meta.Size != 3 || len(s.Samples) != 1 || !s.Ended {
			t.Errorf("sink %d not fully driven: %+v", i, s)
		}
	}
}
