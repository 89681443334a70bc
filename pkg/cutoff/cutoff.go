// Package cutoff implements the lateral pencil-beam cutoff model: for every
// energy, the radius beyond which the beam's contribution is negligible at a
// configured dose fraction, as a monotone function of radiological depth.
package cutoff

import (
	"math"

	"gonum.org/v1/gonum/interp"

	"dosecalc/pkg/basedata"
	doserr "dosecalc/pkg/errors"
)

// Model answers, per energy, how far from the central axis dose is still
// accumulated at a given radiological depth.
type Model struct {
	fraction float64
	energies []energyCutoff
}

type energyCutoff struct {
	maxDepth  float64
	maxRadius float64
	radius    interp.PiecewiseLinear
	depthLo   float64
	depthHi   float64
}

// New builds the cutoff model for all energies of a profile. The fraction
// is the dose fraction contained inside the cutoff radius and must lie in
// (0,1]; a fraction of exactly 1 disables lateral rejection entirely and
// only the depth-range check against the deepest tabulated depth remains.
func New(profile *basedata.Profile, fraction float64) (*Model, error) {
	if math.IsNaN(fraction) || fraction <= 0 || fraction > 1 {
		return nil, &doserr.ConfigurationError{
			Field:  "lateralCutoff",
			Reason: "dose fraction must lie in (0,1]",
		}
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		fraction: fraction,
		energies: make([]energyCutoff, len(profile.Energies)),
	}
	for i := range profile.Energies {
		e := &profile.Energies[i]
		ec := energyCutoff{maxDepth: e.MaxDepth()}
		if fraction < 1 {
			// Radius containing the configured fraction of a
			// cylindrically symmetric Gaussian, made monotone
			// non-decreasing in depth so a coarse test with the
			// maximum radius is conservative.
			scale := math.Sqrt(-2 * math.Log(1-fraction))
			radii := make([]float64, len(e.Depths))
			running := 0.0
			for j, d := range e.Depths {
				r := e.SigmaAt(d) * scale
				if r > running {
					running = r
				}
				radii[j] = running
			}
			if err := ec.radius.Fit(e.Depths, radii); err != nil {
				return nil, err
			}
			ec.depthLo = e.Depths[0]
			ec.depthHi = e.MaxDepth()
			ec.maxRadius = radii[len(radii)-1]
		}
		m.energies[i] = ec
	}
	return m, nil
}

// Fraction returns the configured contained-dose fraction.
func (m *Model) Fraction() float64 { return m.fraction }

// LateralRejection reports whether lateral filtering is active. It is
// disabled for a fraction of exactly 1 (full-grid fallback).
func (m *Model) LateralRejection() bool { return m.fraction < 1 }

// MaxDepth returns the deepest tabulated depth of the energy in mm.
func (m *Model) MaxDepth(energyIx int) float64 {
	return m.energies[energyIx].maxDepth
}

// MaxRadius returns the largest cutoff radius of the energy over all
// depths, used as a cheap bounding test before the interpolated one. It is
// +Inf when lateral rejection is disabled.
func (m *Model) MaxRadius(energyIx int) float64 {
	if !m.LateralRejection() {
		return math.Inf(1)
	}
	return m.energies[energyIx].maxRadius
}

// Radius returns the interpolated cutoff radius of the energy at the given
// radiological depth, clamped to the tabulated depth span. It is +Inf when
// lateral rejection is disabled.
func (m *Model) Radius(energyIx int, radDepth float64) float64 {
	if !m.LateralRejection() {
		return math.Inf(1)
	}
	ec := &m.energies[energyIx]
	if radDepth < ec.depthLo {
		radDepth = ec.depthLo
	} else if radDepth > ec.depthHi {
		radDepth = ec.depthHi
	}
	return ec.radius.Predict(radDepth)
}
