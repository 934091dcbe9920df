// Package integrator advances a tight-binding chain in time with the classic
// fourth-order Runge-Kutta scheme.
//
// The semi-discrete Schrodinger equation integrated here is
//
//	i dpsi_n/dt = -(psi_{n-1} + psi_{n+1}) - V_n psi_n
//
// Only interior sites 1..N-2 have both neighbours, so the two end sites are
// never updated: they keep whatever value they started with.
package integrator

import (
	"fmt"

	"github.com/nvandessel/anderson/internal/lattice"
)

// Derivative returns dpsi_n/dt = -i (psi_{n-1} + psi_{n+1} + V_n psi_n).
func Derivative(prev, next, cur complex128, pot float64) complex128 {
	return -1i * (prev + next + complex(pot, 0)*cur)
}

// Stepper owns the stage buffers for one lattice. It is not safe for
// concurrent use; one stepper serves exactly one chain.
type Stepper struct {
	pot            []float64
	k1, k2, k3, k4 []complex128
}

// NewStepper captures the lattice potential and allocates stage buffers of
// matching size.
func NewStepper(l *lattice.Lattice) *Stepper {
	n := l.Size()
	return &Stepper{
		pot: l.Potential(),
		k1:  make([]complex128, n),
		k2:  make([]complex128, n),
		k3:  make([]complex128, n),
		k4:  make([]complex128, n),
	}
}

// Step advances psi by h in place. Each stage is a full pass over interior
// sites reading only the unmodified base state plus the previous stage, so
// no site sees a partially updated neighbour. Chains with fewer than three
// sites have no interior and are left untouched.
//
// Stages two and three evaluate at psi + k/2 for the centre site as well as
// its neighbours, i.e. classic RK4, not psi + k1 at the centre.
func (s *Stepper) Step(psi []complex128, h float64) error {
	n := len(psi)
	if n != len(s.pot) {
		return fmt.Errorf("amplitude has %d sites, stepper was built for %d", n, len(s.pot))
	}
	if n < 3 {
		return nil
	}

	hc := complex(h, 0)
	s.stage(s.k1, psi, nil, 0, hc)
	s.stage(s.k2, psi, s.k1, 0.5, hc)
	s.stage(s.k3, psi, s.k2, 0.5, hc)
	s.stage(s.k4, psi, s.k3, 1, hc)

	for i := 1; i < n-1; i++ {
		psi[i] += (s.k1[i] + 2*s.k2[i] + 2*s.k3[i] + s.k4[i]) / 6
	}
	return nil
}

// stage fills dst[i] = h * f(psi + c*prev) over interior sites. Boundary
// entries of every stage stay zero, so an end site contributes its frozen
// base value to its neighbour.
func (s *Stepper) stage(dst, psi, prev []complex128, c float64, h complex128) {
	n := len(psi)
	cc := complex(c, 0)
	at := func(i int) complex128 {
		if prev == nil {
			return psi[i]
		}
		return psi[i] + cc*prev[i]
	}
	for i := 1; i < n-1; i++ {
		dst[i] = h * Derivative(at(i-1), at(i+1), at(i), s.pot[i])
	}
}
