package plan

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dosecalc/internal/models"
	"dosecalc/pkg/config"
	doserr "dosecalc/pkg/errors"
)

func newPhantom(t *testing.T) (*models.VoxelGrid, []models.Structure) {
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

	var vox []int
	for k := 4; k <= 5; k++ {
		for j := 5; j <= 7; j++ {
			for i := 4; i <= 5; i++ {
				vox = append(vox, grid.Index(i, j, k))
			}
		}
	}
	return grid, []models.Structure{{Name: "PTV", Type: models.Target, Voxels: vox}}
}

// TestPipeline runs the full pipeline end to end and checks that the
// operator dimensions match the steering description.
func TestPipeline(t *testing.T) {
	grid, structs := newPhantom(t)

	cfg := config.DefaultConfig()
	cfg.Plan.SpotSpacing = 10
	cfg.Calc.NumCores = 2

	p, err := New(cfg, grid, structs)
	require.NoError(t, err)
	assert.Equal(t, "protons_Generic", p.Profile().Name())

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, res.Steering.NumBixels)
	assert.Equal(t, res.Steering.NumBixels, res.Influence.NumColumns)
	assert.Equal(t, grid.NumVoxels(), res.Influence.NumVoxels)
	assert.Positive(t, res.Influence.Dose.NNZ())

	weights := make([]float64, res.Steering.NumBixels)
	for i := range weights {
		weights[i] = 1
	}
	desc, direct, err := p.RunDirect(context.Background(), weights)
	require.NoError(t, err)
	assert.Equal(t, res.Steering.NumBixels, desc.NumBixels)

	// the target receives dose
	total := 0.0
	for _, v := range structs[0].Voxels {
		total += direct.Dose.AtVec(v)
	}
	assert.Positive(t, total)
}

// TestNewFailsFast verifies that configuration and base-data problems
// surface at construction time.
func TestNewFailsFast(t *testing.T) {
	grid, structs := newPhantom(t)

	cfg := config.DefaultConfig()
	cfg.Calc.LateralCutoff = -1
	_, err := New(cfg, grid, structs)
	require.Error(t, err)
	var ce *doserr.ConfigurationError
	assert.True(t, stderrors.As(err, &ce))

	cfg = config.DefaultConfig()
	cfg.Plan.Machine = "NoSuchMachine"
	_, err = New(cfg, grid, structs)
	require.Error(t, err)
	var mde *doserr.MissingDataError
	assert.True(t, stderrors.As(err, &mde))
}
