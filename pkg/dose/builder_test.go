package dose

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dosecalc/internal/models"
	"dosecalc/pkg/basedata"
	"dosecalc/pkg/config"
	doserr "dosecalc/pkg/errors"
	"dosecalc/pkg/steering"
	"dosecalc/pkg/trace"
)

// fixture bundles a water phantom with a deep target box, a body structure
// along the beam path and the steering description for a single beam.
type fixture struct {
	grid    *models.VoxelGrid
	structs []models.Structure
	desc    *steering.Description
	prof    *basedata.Profile
	opts    Options
}

func newFixture(t *testing.T, prof *basedata.Profile) *fixture {
	t.Helper()

	n := 10
	spacing := 10.0
	grid := &models.VoxelGrid{
		Dims:    [3]int{n, n, n},
		Spacing: [3]float64{spacing, spacing, spacing},
		Origin:  [3]float64{spacing / 2, spacing / 2, spacing / 2},
		Density: make([]float64, n*n*n),
	}
	for i := range grid.Density {
		grid.Density[i] = 1.0
	}

	box := func(lo, hi [3]int) []int {
		var vox []int
		for k := lo[2]; k <= hi[2]; k++ {
			for j := lo[1]; j <= hi[1]; j++ {
				for i := lo[0]; i <= hi[0]; i++ {
					vox = append(vox, grid.Index(i, j, k))
				}
			}
		}
		return vox
	}

	structs := []models.Structure{
		{Name: "PTV", Type: models.Target, Voxels: box([3]int{4, 5, 4}, [3]int{5, 8, 5})},
		{Name: "BODY", Type: models.Other, Voxels: box([3]int{3, 0, 3}, [3]int{6, 9, 6})},
	}

	cfg := config.DefaultConfig()
	cfg.Plan.SpotSpacing = spacing
	cfg.Calc.NumCores = 2

	desc, err := steering.Generate(grid, structs, prof, cfg)
	require.NoError(t, err)
	require.Greater(t, desc.NumBixels, 1)

	return &fixture{
		grid:    grid,
		structs: structs,
		desc:    desc,
		prof:    prof,
		opts: Options{
			LateralCutoff: 0.995,
			ContainerSize: 250,
			NumCores:      2,
		},
	}
}

func resolveGeneric(t *testing.T) *basedata.Profile {
	t.Helper()
	prof, err := basedata.Resolve("protons", "Generic")
	require.NoError(t, err)
	return prof
}

// TestOperatorMatchesDirect verifies that multiplying the operator with a
// weight vector reproduces the direct-dose computation: uniform weights for
// the row sums, a one-hot weight for a single column.
func TestOperatorMatchesDirect(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))
	ctx := context.Background()

	inf, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts)
	require.NoError(t, err)
	require.Equal(t, fx.desc.NumBixels, inf.NumColumns)
	require.Positive(t, inf.Dose.NNZ())

	uniform := make([]float64, fx.desc.NumBixels)
	for i := range uniform {
		uniform[i] = 1
	}
	direct, err := BuildDirect(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts, uniform)
	require.NoError(t, err)

	rowSum := make([]float64, inf.NumVoxels)
	inf.Dose.DoNonZero(func(i, j int, v float64) {
		rowSum[i] += v
	})
	for v := 0; v < inf.NumVoxels; v++ {
		want := direct.Dose.AtVec(v)
		assert.InDelta(t, want, rowSum[v], 1e-12+1e-9*math.Abs(want))
	}

	// a one-hot weight reads back a single column exactly
	oneHot := make([]float64, fx.desc.NumBixels)
	oneHot[0] = 1
	single, err := BuildDirect(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts, oneHot)
	require.NoError(t, err)
	for v := 0; v < inf.NumVoxels; v++ {
		assert.Equal(t, single.Dose.AtVec(v), inf.Dose.At(v, 0))
	}
}

// TestColumnBookkeeping verifies that the beam/ray/layer index of every
// column points back at the layer carrying that column number.
func TestColumnBookkeeping(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))

	inf, err := Build(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, fx.opts)
	require.NoError(t, err)

	for col := 0; col < inf.NumColumns; col++ {
		beam := &fx.desc.Beams[inf.BeamIx[col]]
		layer := beam.Rays[inf.RayIx[col]].Layers[inf.LayerIx[col]]
		assert.Equal(t, col, layer.Column)
	}
}

// TestBuildDeterministic verifies that two runs produce bit-identical
// operators despite the worker-pool parallelism.
func TestBuildDeterministic(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))
	ctx := context.Background()

	a, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts)
	require.NoError(t, err)
	b, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts)
	require.NoError(t, err)

	require.Equal(t, a.Dose.NNZ(), b.Dose.NNZ())
	a.Dose.DoNonZero(func(i, j int, v float64) {
		if b.Dose.At(i, j) != v {
			t.Fatalf("operator differs at (%d,%d): %v vs %v", i, j, v, b.Dose.At(i, j))
		}
	})
}

// TestContainerSizeInvariant verifies that the flush batching has no effect
// on the result.
func TestContainerSizeInvariant(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))
	ctx := context.Background()

	small := fx.opts
	small.ContainerSize = 1
	large := fx.opts
	large.ContainerSize = 10000

	a, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, small)
	require.NoError(t, err)
	b, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, large)
	require.NoError(t, err)

	require.Equal(t, a.Dose.NNZ(), b.Dose.NNZ())
	a.Dose.DoNonZero(func(i, j int, v float64) {
		assert.Equal(t, v, b.Dose.At(i, j))
	})
}

// TestFullCutoffFraction verifies the fraction-1.0 fallback: every interest
// voxel within the depth range of a layer receives a contribution, however
// far off axis.
func TestFullCutoffFraction(t *testing.T) {
	prof := resolveGeneric(t)
	fx := newFixture(t, prof)
	opts := fx.opts
	opts.LateralCutoff = 1.0

	inf, err := Build(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, opts)
	require.NoError(t, err)

	// recompute the depth of every interest voxel and count the ones
	// inside the depth span of column 0's energy
	beam := &fx.desc.Beams[0]
	layer := beam.Rays[0].Layers[0]
	maxDepth := prof.Energies[layer.EnergyIx].MaxDepth()
	source := beam.Transform.SourcePoint()

	interest := map[int]struct{}{}
	for s := range fx.structs {
		for _, v := range fx.structs[s].Voxels {
			interest[v] = struct{}{}
		}
	}
	want := 0
	for v := range interest {
		c := fx.grid.CenterOf(v)
		steps := trace.Trace(source, c, fx.grid, fx.grid.Density)
		if len(steps) == 0 {
			continue
		}
		if trace.RadDepthTotal(steps) <= maxDepth {
			want++
		}
	}

	got := 0
	inf.Dose.DoNonZero(func(i, j int, v float64) {
		if j == layer.Column {
			got++
		}
	})
	assert.Equal(t, want, got)
}

// TestBiologicalChannels verifies the channel linearization against a
// profile with depth-independent tissue response: the alpha channel is a
// constant multiple of the physical dose, and the effect recovers the
// linear-quadratic form.
func TestBiologicalChannels(t *testing.T) {
	const a0, b0 = 0.1, 0.05

	prof := basedata.NewGenericProfile()
	prof.Tissue = []basedata.TissueResponse{{
		AlphaX: a0,
		BetaX:  b0,
		Alpha:  [3]float64{a0, 0, 0},
		Beta:   [3]float64{b0, 0, 0},
	}}
	fx := newFixture(t, prof)

	opts := fx.opts
	opts.BioModel = "LEM"

	weights := make([]float64, fx.desc.NumBixels)
	for i := range weights {
		weights[i] = 2
	}
	res, err := BuildDirect(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, opts, weights)
	require.NoError(t, err)
	require.NotNil(t, res.AlphaDose)
	require.NotNil(t, res.SqrtBetaDose)
	assert.Empty(t, res.Warnings)

	sqrtB := math.Sqrt(b0)
	effect := res.Effect()
	require.NotNil(t, effect)
	for v := 0; v < fx.grid.NumVoxels(); v++ {
		d := res.Dose.AtVec(v)
		assert.InDelta(t, a0*d, res.AlphaDose.AtVec(v), 1e-12+1e-9*d)
		assert.InDelta(t, sqrtB*d, res.SqrtBetaDose.AtVec(v), 1e-12+1e-9*d)
		assert.InDelta(t, a0*d+b0*d*d, effect.AtVec(v), 1e-12+1e-9*(d+d*d))
	}
}

// TestUnsupportedChannelsDegrade verifies that requesting channels the base
// data cannot provide degrades with a warning instead of failing.
func TestUnsupportedChannelsDegrade(t *testing.T) {
	prof := basedata.NewGenericProfile()
	for i := range prof.Energies {
		prof.Energies[i].LET = nil
	}
	prof.Tissue = nil
	fx := newFixture(t, prof)

	opts := fx.opts
	opts.CalcLET = true
	opts.BioModel = "LEM"

	inf, err := Build(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, opts)
	require.NoError(t, err)
	assert.Nil(t, inf.LETDose)
	assert.Nil(t, inf.AlphaDose)
	assert.Nil(t, inf.SqrtBetaDose)
	assert.Len(t, inf.Warnings, 2)
	assert.NotNil(t, inf.Dose)
}

// TestLETChannel verifies that the LET-weighted channel shares the sparsity
// pattern of the dose channel and equals dose times tabulated LET.
func TestLETChannel(t *testing.T) {
	prof := resolveGeneric(t)
	fx := newFixture(t, prof)

	opts := fx.opts
	opts.CalcLET = true

	inf, err := Build(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, opts)
	require.NoError(t, err)
	require.NotNil(t, inf.LETDose)
	assert.Equal(t, inf.Dose.NNZ(), inf.LETDose.NNZ())

	inf.Dose.DoNonZero(func(i, j int, v float64) {
		lv := inf.LETDose.At(i, j)
		assert.Positive(t, lv)
		// Generic LET stays within its sigmoid bounds
		assert.Less(t, lv, 6*v)
	})
}

// TestMissingWeight verifies that a short weight vector is rejected before
// any computation, naming the first uncovered layer.
func TestMissingWeight(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))

	weights := make([]float64, fx.desc.NumBixels-1)
	_, err := BuildDirect(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, fx.opts, weights)
	require.Error(t, err)

	var mwe *doserr.MissingWeightError
	require.True(t, stderrors.As(err, &mwe))
	layer := fx.desc.Beams[mwe.Beam].Rays[mwe.Ray].Layers[mwe.Layer]
	assert.Equal(t, fx.desc.NumBixels-1, layer.Column)
}

// TestBuildCancelled verifies the between-beams context check.
func TestBuildCancelled(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = BuildDirect(ctx, fx.grid, fx.structs, fx.desc, fx.prof, fx.opts, make([]float64, fx.desc.NumBixels))
	assert.ErrorIs(t, err, context.Canceled)
}

// TestInvalidCutoffRejected verifies that the cutoff fraction is validated
// at build time.
func TestInvalidCutoffRejected(t *testing.T) {
	fx := newFixture(t, resolveGeneric(t))

	opts := fx.opts
	opts.LateralCutoff = 1.5

	_, err := Build(context.Background(), fx.grid, fx.structs, fx.desc, fx.prof, opts)
	require.Error(t, err)

	var ce *doserr.ConfigurationError
	assert.True(t, stderrors.As(err, &ce))
}

// TestSummarize checks the per-structure statistics on a hand-built dose
// vector.
func TestSummarize(t *testing.T) {
	doseVec := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	structs := []models.Structure{
		{Name: "PTV", Voxels: []int{5, 6, 7, 8, 9}},
		{Name: "EMPTY"},
		{Name: "BODY", Voxels: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}

	stats := Summarize(doseVec, structs)
	require.Len(t, stats, 2)

	assert.Equal(t, "PTV", stats[0].Name)
	assert.Equal(t, 5, stats[0].Voxels)
	assert.InDelta(t, 7.0, stats[0].Mean, 1e-12)
	assert.Equal(t, 9.0, stats[0].Max)
	assert.InDelta(t, 7.0, stats[0].D50, 1e-12)
	assert.InDelta(t, 5.0, stats[0].D95, 1e-12)

	assert.Equal(t, "BODY", stats[1].Name)
	assert.Equal(t, 10, stats[1].Voxels)
	assert.InDelta(t, 4.5, stats[1].Mean, 1e-12)
}
