package lattice

import (
	"fmt"
	"math"
)

// ConditionKind identifies how the starting amplitude is seeded.
type ConditionKind int

const (
	// Delta puts unit amplitude on the central site.
	Delta ConditionKind = iota
	// Gaussian spreads a real envelope around the central site.
	Gaussian
)

func (k ConditionKind) String() string {
	switch k {
	case Delta:
		return "delta"
	case Gaussian:
		return "gaussian"
	default:
		return fmt.Sprintf("ConditionKind(%d)", int(k))
	}
}

// InitialCondition describes the starting wave-packet.
type InitialCondition struct {
	Kind  ConditionKind
	Sigma float64
}

// SelectInitialCondition maps sigma to a condition: 0 is a delta, anything
// positive a Gaussian.
func SelectInitialCondition(sigma float64) (InitialCondition, error) {
	switch {
	case sigma < 0 || math.IsNaN(sigma):
		return InitialCondition{}, fmt.Errorf("sigma must be non-negative, got %g: %w", sigma, ErrInvalidConfiguration)
	case sigma == 0:
		return InitialCondition{Kind: Delta}, nil
	default:
		return InitialCondition{Kind: Gaussian, Sigma: sigma}, nil
	}
}

// Build returns the amplitude array of a chain with n sites.
//
// The Gaussian envelope is exp(-(i-n/2)^2 / (2*sigma)) / sqrt(2*pi) at every
// site, endpoints included. It is deliberately left un-normalized, so its
// total probability depends on n and sigma.
func (c InitialCondition) Build(n int) ([]complex128, error) {
	if n <= 0 {
		return nil, fmt.Errorf("amplitude size must be positive, got %d: %w", n, ErrInvalidConfiguration)
	}

	psi := make([]complex128, n)
	center := n / 2

	switch c.Kind {
	case Delta:
		psi[center] = 1
	case Gaussian:
		if !(c.Sigma > 0) {
			return nil, fmt.Errorf("gaussian sigma must be positive, got %g: %w", c.Sigma, ErrInvalidConfiguration)
		}
		norm := math.Sqrt(2 * math.Pi)
		for i := range psi {
			d := float64(i - center)
			psi[i] = complex(math.Exp(-d*d/(2*c.Sigma))/norm, 0)
		}
	default:
		return nil, fmt.Errorf("unknown initial condition %v: %w", c.Kind, ErrInvalidConfiguration)
	}
	return psi, nil
}

// BuildInitialState selects the condition for sigma and builds it.
func BuildInitialState(n int, sigma float64) ([]complex128, error) {
	cond, err := SelectInitialCondition(sigma)
	if err != nil {
		return nil, err
	}
	return cond.Build(n)
}
