package basedata

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	doserr "dosecalc/pkg/errors"
)

// TestResolveGeneric verifies that the built-in analytic profile is
// registered and validated.
func TestResolveGeneric(t *testing.T) {
	p, err := Resolve("protons", "Generic")
	require.NoError(t, err)
	assert.Equal(t, "protons", p.Radiation)
	assert.Equal(t, 2000.0, p.SAD)
	assert.Len(t, p.Energies, 10)
	assert.True(t, p.HasLET())
	assert.True(t, p.SupportsBio())
}

// TestResolveUnknown verifies that an unresolved profile is a
// MissingDataError.
func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("carbon", "NoSuchMachine")
	require.Error(t, err)

	var mde *doserr.MissingDataError
	assert.True(t, stderrors.As(err, &mde))
}

// TestValidateRejectsIncompleteProfiles exercises the required-field checks.
func TestValidateRejectsIncompleteProfiles(t *testing.T) {
	var mde *doserr.MissingDataError

	p := NewGenericProfile()
	p.SAD = 0
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, stderrors.As(err, &mde))

	p = NewGenericProfile()
	p.Kernel = nil
	err = p.Validate()
	require.Error(t, err)
	assert.True(t, stderrors.As(err, &mde))

	p = NewGenericProfile()
	p.Energies = nil
	err = p.Validate()
	require.Error(t, err)
	assert.True(t, stderrors.As(err, &mde))

	p = NewGenericProfile()
	p.Energies[3].Sigma = p.Energies[3].Sigma[:2]
	err = p.Validate()
	require.Error(t, err)
	assert.True(t, stderrors.As(err, &mde))
}

// TestEnergyTables verifies the per-depth interpolated queries.
func TestEnergyTables(t *testing.T) {
	p := NewGenericProfile()
	require.NoError(t, p.Validate())

	e := &p.Energies[2] // 60 mm range
	assert.InDelta(t, 60.0, e.PeakPos(), 1e-12)
	assert.Greater(t, e.MaxDepth(), e.PeakPos())

	// sigma grows monotonically with depth
	assert.Less(t, e.SigmaAt(0), e.SigmaAt(30))
	assert.Less(t, e.SigmaAt(30), e.SigmaAt(e.MaxDepth()))

	// queries clamp to the tabulated span instead of extrapolating
	assert.Equal(t, e.SigmaAt(e.MaxDepth()), e.SigmaAt(e.MaxDepth()+100))

	// LET rises towards the peak
	assert.Less(t, e.LETAt(5), e.LETAt(e.PeakPos()))
}

// TestLETAbsent verifies the nil-table behavior.
func TestLETAbsent(t *testing.T) {
	p := NewGenericProfile()
	for i := range p.Energies {
		p.Energies[i].LET = nil
	}
	require.NoError(t, p.Validate())
	assert.False(t, p.HasLET())
	assert.Zero(t, p.Energies[0].LETAt(10))
}

// TestMinWidthLookup verifies interpolation and clamping of the
// spacing-to-minimum-width lookup.
func TestMinWidthLookup(t *testing.T) {
	p := NewGenericProfile()
	require.NoError(t, p.Validate())

	assert.InDelta(t, 6.0, p.MinWidthFor(3), 1e-12)
	// halfway between the 3 and 5 mm entries
	assert.InDelta(t, 7.0, p.MinWidthFor(4), 1e-12)
	// clamped below and above the tabulated span
	assert.InDelta(t, 2.0, p.MinWidthFor(0.1), 1e-12)
	assert.InDelta(t, 14.0, p.MinWidthFor(99), 1e-12)
}

// TestTissueResponse verifies the quadratic alpha/beta evaluation and the
// sqrt(beta) linearization.
func TestTissueResponse(t *testing.T) {
	tr := TissueResponse{
		Alpha: [3]float64{0.1, 0.01, 0.001},
		Beta:  [3]float64{0.04, 0, 0},
	}
	assert.InDelta(t, 0.1+0.1+1.0, tr.AlphaAt(10), 1e-12)
	assert.InDelta(t, 0.2, tr.SqrtBetaAt(10), 1e-12)

	// negative polynomial values clamp to zero
	neg := TissueResponse{Alpha: [3]float64{-1, 0, 0}, Beta: [3]float64{-1, 0, 0}}
	assert.Zero(t, neg.AlphaAt(5))
	assert.Zero(t, neg.SqrtBetaAt(5))
}

// TestGenericKernelShape sanity-checks the analytic kernel: dose peaks near
// the Bragg peak on axis and decays laterally.
func TestGenericKernelShape(t *testing.T) {
	p := NewGenericProfile()
	require.NoError(t, p.Validate())
	e := &p.Energies[2]

	depths := []float64{10, e.PeakPos(), e.MaxDepth()}
	latSq := []float64{0, 0, 0}
	doses := p.Kernel(depths, latSq, 1900, 0, e)
	require.Len(t, doses, 3)
	assert.Greater(t, doses[1], doses[0])
	assert.Greater(t, doses[1], doses[2])

	offAxis := p.Kernel([]float64{e.PeakPos()}, []float64{100}, 1900, 0, e)
	assert.Less(t, offAxis[0], doses[1])
}
