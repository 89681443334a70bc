package basedata

import "math"

// The Generic proton profile is an analytic stand-in for measured machine
// data: a Bragg-curve-shaped depth-dose times a widening lateral Gaussian.
// It backs the unit tests and the demo CLI; real machine data is resolved
// through the same registry.

const (
	genericSAD = 2000.0 // mm

	// plateau-to-peak shape of the analytic depth-dose curve
	genericPlateau = 0.12
)

func init() {
	if err := Register(NewGenericProfile()); err != nil {
		panic(err)
	}
}

// NewGenericProfile builds the analytic proton reference profile with ten
// energies spanning 20 mm to 200 mm range in water.
func NewGenericProfile() *Profile {
	p := &Profile{
		Radiation:    "protons",
		Machine:      "Generic",
		SAD:          genericSAD,
		SpotSpacings: []float64{1, 2, 3, 5, 8, 10},
		MinWidths:    []float64{2, 4, 6, 8, 12, 14},
		Tissue: []TissueResponse{
			{
				AlphaX: 0.10,
				BetaX:  0.05,
				Alpha:  [3]float64{0.10, 0.002, 0},
				Beta:   [3]float64{0.05, 0.0005, 0},
			},
			{
				AlphaX: 0.50,
				BetaX:  0.05,
				Alpha:  [3]float64{0.30, 0.004, 0},
				Beta:   [3]float64{0.05, 0.001, 0},
			},
		},
		Kernel: genericKernel,
	}
	for n := 0; n < 10; n++ {
		rng := 20.0 + 20.0*float64(n)
		p.Energies = append(p.Energies, genericEnergy(rng))
	}
	return p
}

// genericEnergy tabulates one analytic energy with the given range in mm.
func genericEnergy(rng float64) Energy {
	// inverse of the Bragg-Kleeman rule R = 0.022 * E^1.77 (R in mm)
	nominal := math.Pow(rng/0.022, 1/1.77)

	peakSigma := peakWidth(rng)
	maxDepth := rng + 3*peakSigma

	const samples = 80
	e := Energy{
		Energy: nominal,
		Range:  rng,
		Offset: 0,
		Focus: []Focus{
			{WidthAtIso: 4, InitialSigma: 4 / 2.355},
			{WidthAtIso: 8, InitialSigma: 8 / 2.355},
			{WidthAtIso: 12, InitialSigma: 12 / 2.355},
		},
	}
	for i := 0; i <= samples; i++ {
		d := maxDepth * float64(i) / samples
		e.Depths = append(e.Depths, d)
		e.Sigma = append(e.Sigma, 2.0+0.06*d)
		e.LET = append(e.LET, genericLET(d, rng))
	}
	return e
}

// peakWidth returns the Gaussian sigma of the analytic Bragg peak.
func peakWidth(rng float64) float64 {
	return 0.03*rng + 1.0
}

// genericLET rises sigmoidally towards the Bragg peak.
func genericLET(d, rng float64) float64 {
	return 0.5 + 5.0/(1.0+math.Exp(-(d-rng+5)/3.0))
}

// genericIDD is the integral depth-dose of the analytic Bragg curve.
func genericIDD(d float64, e *Energy) float64 {
	sp := peakWidth(e.Range)
	peak := (d - e.PeakPos()) / sp
	return genericPlateau + (1-genericPlateau)*math.Exp(-0.5*peak*peak)
}

// genericKernel evaluates the analytic pencil-beam dose: depth-dose times a
// normalized lateral Gaussian whose width combines the depth-dependent
// scattering with the initial focus width, attenuated by an inverse-square
// divergence factor.
func genericKernel(depths, latSq []float64, ssd float64, focusIx int, e *Energy) []float64 {
	doses := make([]float64, len(depths))
	sigmaIni := e.Focus[focusIx].InitialSigma
	for i, d := range depths {
		sigma := e.SigmaAt(d)
		sigmaSq := sigma*sigma + sigmaIni*sigmaIni
		lateral := math.Exp(-0.5*latSq[i]/sigmaSq) / (2 * math.Pi * sigmaSq)
		invSq := genericSAD * genericSAD / ((ssd + d) * (ssd + d))
		doses[i] = genericIDD(d, e) * lateral * invSq
	}
	return doses
}
