package evolution

import (
	"errors"
	"fmt"
	"time"
)

// Observable names one of the four recorded time series.
type Observable int

const (
	ReturnProbability Observable = iota
	Participation
	MeanPosition
	Spread
)

// Observables lists every series in output order.
var Observables = []Observable{ReturnProbability, Participation, MeanPosition, Spread}

// String returns the stable identifier used in files, tables and tool output.
func (o Observable) String() string {
	switch o {
	case ReturnProbability:
		return "return"
	case Participation:
		return "participation"
	case MeanPosition:
		return "centroid"
	case Spread:
		return "spread"
	default:
		return fmt.Sprintf("Observable(%d)", int(o))
	}
}

// ParseObservable is the inverse of Observable.String.
func ParseObservable(s string) (Observable, error) {
	for _, o := range Observables {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown observable %q (valid: return, participation, centroid, spread)", s)
}

// Record is one (time, value) row of a single observable's series.
type Record struct {
	Observable Observable `json:"-"`
	Time       float64    `json:"time"`
	Value      float64    `json:"value"`
}

// Sample holds all four observables measured at one time.
type Sample struct {
	Step              int
	Time              float64
	ReturnProbability float64
	Participation     float64
	MeanPosition      float64
	Spread            float64
}

// Value returns the sample's value for o.
func (s Sample) Value(o Observable) float64 {
	switch o {
	case ReturnProbability:
		return s.ReturnProbability
	case Participation:
		return s.Participation
	case MeanPosition:
		return s.MeanPosition
	case Spread:
		return s.Spread
	default:
		return 0
	}
}

// Records splits the sample into one record per observable.
func (s Sample) Records() [4]Record {
	var out [4]Record
	for i, o := range Observables {
		out[i] = Record{Observable: o, Time: s.Time, Value: s.Value(o)}
	}
	return out
}

// RunMeta describes a run to the sink before the first sample arrives.
type RunMeta struct {
	Size          int
	DisorderWidth float64
	Sigma         float64
	TimeStep      float64
	MaxTime       float64
	Seed          uint64
	StartedAt     time.Time
}

// Sink receives a run's samples in chronological order. Begin is called once
// before any Write; End is called once after the last Write, including when
// the run stops early.
type Sink interface {
	Begin(meta RunMeta) error
	Write(s Sample) error
	End() error
}

// MemorySink keeps every sample in memory.
type MemorySink struct {
	Meta    RunMeta
	Samples []Sample
	Ended   bool
}

// Begin records the run metadata.
func (m *MemorySink) Begin(meta RunMeta) error {
	m.Meta = meta
	m.Samples = m.Samples[:0]
	m.Ended = false
	return nil
}

// Write appends s.
func (m *MemorySink) Write(s Sample) error {
	m.Samples = append(m.Samples, s)
	return nil
}

// End marks the sink complete.
func (m *MemorySink) End() error {
	m.Ended = true
	return nil
}

// Series returns the chronological records of one observable.
func (m *MemorySink) Series(o Observable) []Record {
	out := make([]Record, len(m.Samples))
	for i, s := range m.Samples {
		out[i] = Record{Observable: o, Time: s.Time, Value: s.Value(o)}
	}
	return out
}

// MultiSink fans every call out to each sink in order.
type MultiSink []Sink

// Begin calls Begin on every sink and stops at the first failure.
func (ms MultiSink) Begin(meta RunMeta) error {
	for _, s := range ms {
		if err := s.Begin(meta); err != nil {
			return err
		}
	}
	return nil
}

// Write forwards s to every sink and stops at the first failure.
func (ms MultiSink) Write(s Sample) error {
	for _, sink := range ms {
		if err := sink.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// End calls End on every sink, even after a failure, and joins the errors.
func (ms MultiSink) End() error {
	var errs []error
	for _, s := range ms {
		if err := s.End(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a sink that drops every sample.
var Discard Sink = discard{}

type discard struct{}

func (discard) Begin(RunMeta) error { return nil }
func (discard) Write(Sample) error  { return nil }
func (discard) End() error          { return nil }
