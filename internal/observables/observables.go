// Package observables derives scalar diagnostics from a chain's amplitude.
// Every function is read-only and depends only on the slice it is given.
package observables

import (
	"gonum.org/v1/gonum/floats"
)

// Snapshot holds the four observables taken from one amplitude state.
type Snapshot struct {
	ReturnProbability float64 `json:"return_probability"`
	Participation     float64 `json:"participation"`
	MeanPosition      float64 `json:"mean_position"`
	Spread            float64 `json:"spread"`
}

// Density returns |psi_n|^2 for every site.
func Density(psi []complex128) []float64 {
	dens := make([]float64, len(psi))
	for i, a := range psi {
		dens[i] = real(a)*real(a) + imag(a)*imag(a)
	}
	return dens
}

// ReturnProbability is |psi[N/2]|^2, the weight left on the origin site.
func ReturnProbability(psi []complex128) float64 {
	if len(psi) == 0 {
		return 0
	}
	a := psi[len(psi)/2]
	return real(a)*real(a) + imag(a)*imag(a)
}

// ParticipationNumber is (sum |psi|^2)^2 / sum |psi|^4, the effective number
// of occupied sites. An identically zero amplitude yields 0.
func ParticipationNumber(psi []complex128) float64 {
	return participation(Density(psi))
}

// MeanPosition is sum n |psi_n|^2.
func MeanPosition(psi []complex128) float64 {
	return meanPosition(Density(psi))
}

// Spread is sum (n - mean)^2 |psi_n|^2 with the mean taken from the same
// amplitude, never from an earlier state.
func Spread(psi []complex128) float64 {
	dens := Density(psi)
	return spread(dens, meanPosition(dens))
}

// Measure computes all four observables from a single density pass.
func Measure(psi []complex128) Snapshot {
	dens := Density(psi)
	mean := meanPosition(dens)
	return Snapshot{
		ReturnProbability: ReturnProbability(psi),
		Participation:     participation(dens),
		MeanPosition:      mean,
		Spread:            spread(dens, mean),
	}
}

func participation(dens []float64) float64 {
	fourth := floats.Dot(dens, dens)
	if fourth == 0 {
		return 0
	}
	total := floats.Sum(dens)
	return total * total / fourth
}

func meanPosition(dens []float64) float64 {
	var m float64
	for i, p := range dens {
		m += float64(i) * p
	}
	return m
}

func spread(dens []float64, mean float64) float64 {
	var s float64
	for i, p := range dens {
		d := float64(i) - mean
		s += d * d * p
	}
	return s
}
