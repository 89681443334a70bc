package cutoff

import (
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dosecalc/pkg/basedata"
	doserr "dosecalc/pkg/errors"
)

// TestInvalidFraction verifies that fractions outside (0,1] are rejected
// with a ConfigurationError.
func TestInvalidFraction(t *testing.T) {
	prof := basedata.NewGenericProfile()

	for _, f := range []float64{0, -0.5, 1.0000001, 2, math.NaN()} {
		_, err := New(prof, f)
		require.Error(t, err, "fraction %v", f)

		var ce *doserr.ConfigurationError
		assert.True(t, stderrors.As(err, &ce), "fraction %v", f)
	}
}

// TestFullFractionDisablesLateralRejection verifies the full-grid fallback:
// at fraction 1.0 only the depth-range check remains.
func TestFullFractionDisablesLateralRejection(t *testing.T) {
	prof := basedata.NewGenericProfile()

	m, err := New(prof, 1.0)
	require.NoError(t, err)
	assert.False(t, m.LateralRejection())
	assert.True(t, math.IsInf(m.Radius(0, 10), 1))
	assert.True(t, math.IsInf(m.MaxRadius(0), 1))

	// the depth bound still reflects the tabulated maximum
	assert.Equal(t, prof.Energies[0].MaxDepth(), m.MaxDepth(0))
}

// TestRadiusMonotone verifies that the cutoff radius never shrinks with
// depth, so the coarse maximum-radius test is conservative.
func TestRadiusMonotone(t *testing.T) {
	prof := basedata.NewGenericProfile()

	m, err := New(prof, 0.99)
	require.NoError(t, err)
	require.True(t, m.LateralRejection())

	for e := range prof.Energies {
		maxDepth := m.MaxDepth(e)
		prev := 0.0
		for d := 0.0; d <= maxDepth; d += maxDepth / 20 {
			r := m.Radius(e, d)
			assert.GreaterOrEqual(t, r, prev)
			assert.LessOrEqual(t, r, m.MaxRadius(e)+1e-12)
			prev = r
		}
	}
}

// TestRadiusScalesWithFraction verifies that a higher contained-dose
// fraction yields a larger cutoff radius.
func TestRadiusScalesWithFraction(t *testing.T) {
	prof := basedata.NewGenericProfile()

	tight, err := New(prof, 0.9)
	require.NoError(t, err)
	loose, err := New(prof, 0.999)
	require.NoError(t, err)

	assert.Greater(t, loose.Radius(0, 20), tight.Radius(0, 20))
}

// TestRadiusMatchesGaussianContainment verifies the radius against the
// closed-form containment of a cylindrically symmetric Gaussian.
func TestRadiusMatchesGaussianContainment(t *testing.T) {
	prof := basedata.NewGenericProfile()
	require.NoError(t, prof.Validate())

	const f = 0.95
	m, err := New(prof, f)
	require.NoError(t, err)

	e := &prof.Energies[4]
	d := e.MaxDepth() // sigma is monotone, so no running-max correction here
	want := e.SigmaAt(d) * math.Sqrt(-2*math.Log(1-f))
	assert.InDelta(t, want, m.Radius(4, d), 1e-9)
}

// TestRadiusClampsDepth verifies that out-of-range depths are clamped to
// the tabulated span instead of extrapolated.
func TestRadiusClampsDepth(t *testing.T) {
	prof := basedata.NewGenericProfile()

	m, err := New(prof, 0.99)
	require.NoError(t, err)

	assert.Equal(t, m.Radius(0, 0), m.Radius(0, -50))
	assert.Equal(t, m.Radius(0, m.MaxDepth(0)), m.Radius(0, m.MaxDepth(0)+500))
}
