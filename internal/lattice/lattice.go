// Package lattice holds the physical state of a one-dimensional disordered
// tight-binding chain: the fixed on-site potential and the complex amplitude
// that the integrator evolves in place.
package lattice

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Lattice is a chain of N sites. The potential is set once at construction;
// the amplitude is owned by the lattice and mutated by a single stepper.
type Lattice struct {
	disorderWidth float64
	seed          uint64
	potential     []float64
	amplitude     []complex128
}

// New assembles a lattice from an existing potential and amplitude. Both
// slices are copied and must have the same non-zero length.
func New(potential []float64, amplitude []complex128, disorderWidth float64) (*Lattice, error) {
	if len(potential) == 0 {
		return nil, fmt.Errorf("lattice needs at least one site: %w", ErrInvalidConfiguration)
	}
	if len(potential) != len(amplitude) {
		return nil, fmt.Errorf("potential has %d sites but amplitude has %d: %w",
			len(potential), len(amplitude), ErrInvalidConfiguration)
	}
	if disorderWidth < 0 {
		return nil, fmt.Errorf("disorder width must be non-negative, got %g: %w", disorderWidth, ErrInvalidConfiguration)
	}

	return &Lattice{
		disorderWidth: disorderWidth,
		potential:     append([]float64(nil), potential...),
		amplitude:     append([]complex128(nil), amplitude...),
	}, nil
}

// Build validates cfg, draws the disorder with the given seed, and seeds the
// amplitude from cfg.Sigma. Nothing is allocated if validation fails.
func Build(cfg SimulationConfig, seed uint64) (*Lattice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pot, err := NewDisorderGenerator(seed).Generate(cfg.Size, cfg.DisorderWidth)
	if err != nil {
		return nil, fmt.Errorf("generating disorder: %w", err)
	}

	psi, err := BuildInitialState(cfg.Size, cfg.Sigma)
	if err != nil {
		return nil, fmt.Errorf("building initial state: %w", err)
	}

	return &Lattice{
		disorderWidth: cfg.DisorderWidth,
		seed:          seed,
		potential:     pot,
		amplitude:     psi,
	}, nil
}

// Size returns the number of sites.
func (l *Lattice) Size() int { return len(l.amplitude) }

// Center returns the origin site index, N/2 rounded down.
func (l *Lattice) Center() int { return len(l.amplitude) / 2 }

// DisorderWidth returns W.
func (l *Lattice) DisorderWidth() float64 { return l.disorderWidth }

// Seed returns the seed the disorder was drawn with. Lattices assembled with
// New report zero.
func (l *Lattice) Seed() uint64 { return l.seed }

// Potential returns a copy of the on-site energies.
func (l *Lattice) Potential() []float64 {
	return append([]float64(nil), l.potential...)
}

// Amplitude returns the live amplitude slice. It is mutated by every step;
// take a Snapshot to keep a value across steps.
func (l *Lattice) Amplitude() []complex128 { return l.amplitude }

// Snapshot returns a copy of the current amplitude.
func (l *Lattice) Snapshot() []complex128 {
	return append([]complex128(nil), l.amplitude...)
}

// TotalProbability returns sum |psi_n|^2.
func (l *Lattice) TotalProbability() float64 {
	return TotalProbability(l.amplitude)
}

// TotalProbability returns sum |psi_n|^2 of an arbitrary amplitude array.
func TotalProbability(psi []complex128) float64 {
	dens := make([]float64, len(psi))
	for i, a := range psi {
		dens[i] = real(a)*real(a) + imag(a)*imag(a)
	}
	return floats.Sum(dens)
}
