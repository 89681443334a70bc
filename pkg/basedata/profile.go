// Package basedata defines the physics base-data profile consumed by the
// steering generator and the dose-influence builder: per-energy range, depth
// tables for LET and lateral spread, focus (spot size) levels, tissue
// response classes, global machine geometry and the pencil-beam dose kernel.
//
// Profiles are resolved by radiation mode and machine name from a
// process-wide registry. The tables themselves are produced externally;
// this package only fixes their Go surface and ships one analytic reference
// profile used by tests and the demo CLI.
package basedata

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/interp"

	doserr "dosecalc/pkg/errors"
)

// Focus is one selectable spot-size level of an energy.
type Focus struct {
	// WidthAtIso is the beam FWHM at the isocenter in mm
	WidthAtIso float64

	// InitialSigma is the Gaussian sigma of the beam at the patient
	// surface in mm
	InitialSigma float64
}

// Energy holds the depth-indexed tables of one nominal beam energy.
type Energy struct {
	// Energy is the nominal energy in MeV
	Energy float64

	// Range is the Bragg peak position in water in mm
	Range float64

	// Offset shifts the tabulated range, e.g. for range shifters, in mm
	Offset float64

	// Depths is the strictly increasing radiological depth grid in mm
	// on which LET and Sigma are tabulated
	Depths []float64

	// LET is the linear energy transfer in keV/um per depth; nil when
	// the machine data carries no LET table
	LET []float64

	// Sigma is the lateral Gaussian spread in mm per depth
	Sigma []float64

	// Focus lists the selectable spot-size levels, ordered from
	// narrowest to widest
	Focus []Focus

	letTab   interp.PiecewiseLinear
	sigmaTab interp.PiecewiseLinear
}

// PeakPos returns the tabulated peak position including the range offset.
func (e *Energy) PeakPos() float64 { return e.Range + e.Offset }

// MaxDepth returns the deepest tabulated depth in mm. Voxels beyond it
// receive no dose from this energy.
func (e *Energy) MaxDepth() float64 { return e.Depths[len(e.Depths)-1] }

// SigmaAt returns the lateral spread at the given radiological depth,
// clamped to the tabulated depth span.
func (e *Energy) SigmaAt(depth float64) float64 {
	return e.sigmaTab.Predict(clamp(depth, e.Depths[0], e.MaxDepth()))
}

// LETAt returns the interpolated LET at the given radiological depth, or 0
// when the energy carries no LET table.
func (e *Energy) LETAt(depth float64) float64 {
	if e.LET == nil {
		return 0
	}
	return e.letTab.Predict(clamp(depth, e.Depths[0], e.MaxDepth()))
}

// TissueResponse is one radiobiological response class of the machine data.
// Alpha and beta of the linear-quadratic model are quadratic polynomials in
// radiological depth.
type TissueResponse struct {
	// AlphaX and BetaX are the photon reference parameters in 1/Gy and
	// 1/Gy^2
	AlphaX float64
	BetaX  float64

	// Alpha holds the polynomial coefficients a0 + a1*d + a2*d^2
	Alpha [3]float64

	// Beta holds the polynomial coefficients b0 + b1*d + b2*d^2
	Beta [3]float64
}

// AlphaAt evaluates alpha at the given radiological depth.
func (t *TissueResponse) AlphaAt(d float64) float64 {
	a := t.Alpha[0] + d*(t.Alpha[1]+d*t.Alpha[2])
	if a < 0 {
		return 0
	}
	return a
}

// SqrtBetaAt evaluates sqrt(beta) at the given radiological depth. Storing
// sqrt(beta)-weighted dose keeps the operator linear in the spot weight; the
// quadratic term of the effect is recovered by squaring at evaluation time.
func (t *TissueResponse) SqrtBetaAt(d float64) float64 {
	b := t.Beta[0] + d*(t.Beta[1]+d*t.Beta[2])
	if b < 0 {
		return 0
	}
	return math.Sqrt(b)
}

// Kernel evaluates the physical pencil-beam dose for a set of voxels given
// their radiological depths and squared lateral distances from the spot
// axis, the source-to-skin distance of the ray and the selected focus
// level. The result has the same length as the inputs.
type Kernel func(depths, latSq []float64, ssd float64, focusIx int, e *Energy) []float64

// Profile is a resolved physics base-data table for one radiation modality
// and machine.
type Profile struct {
	// Radiation is the modality, e.g. "protons", "carbon", "photons"
	Radiation string

	// Machine names the machine data set, e.g. "Generic"
	Machine string

	// SAD is the source-to-axis distance in mm
	SAD float64

	// SpotSpacings and MinWidths form the lookup from configured spot
	// spacing to the minimum spot width at isocenter used during focus
	// selection; both are strictly increasing
	SpotSpacings []float64
	MinWidths    []float64

	// Tissue lists the radiobiological response classes; empty when the
	// machine data supports no biological modeling
	Tissue []TissueResponse

	// Energies is ordered by increasing nominal energy
	Energies []Energy

	// Kernel is the pencil-beam dose kernel of the machine data
	Kernel Kernel

	minWidthTab interp.PiecewiseLinear
	validated   bool
}

// Name returns the registry key of the profile.
func (p *Profile) Name() string {
	return p.Radiation + "_" + p.Machine
}

// Validate checks the profile for required fields and fits the lookup
// tables. It is idempotent and must be called before the per-depth queries
// are used; Resolve returns validated profiles.
func (p *Profile) Validate() error {
	if p.validated {
		return nil
	}
	if p.SAD <= 0 {
		return &doserr.MissingDataError{Resource: p.Name(), Detail: "source-to-axis distance not set"}
	}
	if len(p.Energies) == 0 {
		return &doserr.MissingDataError{Resource: p.Name(), Detail: "no energies tabulated"}
	}
	if p.Kernel == nil {
		return &doserr.MissingDataError{Resource: p.Name(), Detail: "no dose kernel"}
	}
	if len(p.SpotSpacings) < 2 || len(p.SpotSpacings) != len(p.MinWidths) {
		return &doserr.MissingDataError{Resource: p.Name(), Detail: "minimum-width lookup missing or malformed"}
	}
	if err := p.minWidthTab.Fit(p.SpotSpacings, p.MinWidths); err != nil {
		return &doserr.MissingDataError{Resource: p.Name(), Detail: fmt.Sprintf("minimum-width lookup: %v", err)}
	}
	for i := range p.Energies {
		e := &p.Energies[i]
		if len(e.Depths) < 2 || len(e.Sigma) != len(e.Depths) {
			return &doserr.MissingDataError{
				Resource: p.Name(),
				Detail:   fmt.Sprintf("energy %.1f MeV: lateral-spread table missing or malformed", e.Energy),
			}
		}
		if len(e.Focus) == 0 {
			return &doserr.MissingDataError{
				Resource: p.Name(),
				Detail:   fmt.Sprintf("energy %.1f MeV: no focus levels", e.Energy),
			}
		}
		if err := e.sigmaTab.Fit(e.Depths, e.Sigma); err != nil {
			return &doserr.MissingDataError{Resource: p.Name(), Detail: fmt.Sprintf("energy %.1f MeV: %v", e.Energy, err)}
		}
		if e.LET != nil {
			if len(e.LET) != len(e.Depths) {
				return &doserr.MissingDataError{
					Resource: p.Name(),
					Detail:   fmt.Sprintf("energy %.1f MeV: LET table length mismatch", e.Energy),
				}
			}
			if err := e.letTab.Fit(e.Depths, e.LET); err != nil {
				return &doserr.MissingDataError{Resource: p.Name(), Detail: fmt.Sprintf("energy %.1f MeV: %v", e.Energy, err)}
			}
		}
	}
	p.validated = true
	return nil
}

// MinWidthFor returns the minimum spot width at isocenter for the given
// spot spacing, clamped to the tabulated spacing span.
func (p *Profile) MinWidthFor(spotSpacing float64) float64 {
	lo, hi := p.SpotSpacings[0], p.SpotSpacings[len(p.SpotSpacings)-1]
	return p.minWidthTab.Predict(clamp(spotSpacing, lo, hi))
}

// HasLET reports whether every energy carries an LET table.
func (p *Profile) HasLET() bool {
	for i := range p.Energies {
		if p.Energies[i].LET == nil {
			return false
		}
	}
	return true
}

// SupportsBio reports whether the machine data carries tissue response
// classes for biological modeling.
func (p *Profile) SupportsBio() bool { return len(p.Tissue) > 0 }

var (
	registryMu sync.RWMutex
	registry   = map[string]*Profile{}
)

// Register validates the profile and adds it to the process-wide registry,
// replacing any profile of the same radiation mode and machine.
func Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
	return nil
}

// Resolve returns the registered profile for the radiation mode and machine
// or a MissingDataError when none is registered.
func Resolve(radiation, machine string) (*Profile, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[radiation+"_"+machine]
	if !ok {
		return nil, &doserr.MissingDataError{
			Resource: "basedata profile",
			Detail:   fmt.Sprintf("no machine data for %s/%s", radiation, machine),
		}
	}
	return p, nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
