package dose

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"dosecalc/internal/models"
	"dosecalc/pkg/basedata"
	"dosecalc/pkg/cutoff"
	doserr "dosecalc/pkg/errors"
	"dosecalc/pkg/steering"
)

// DirectResult is the outcome of a direct-dose computation: per-voxel
// vectors instead of an operator. LETDose, AlphaDose and SqrtBetaDose are
// nil unless their channel was requested and supported.
type DirectResult struct {
	Dose         *mat.VecDense
	LETDose      *mat.VecDense
	AlphaDose    *mat.VecDense
	SqrtBetaDose *mat.VecDense

	Warnings []string
}

// BuildDirect bypasses operator construction: every layer contribution is
// multiplied by its per-layer weight and accumulated straight into dense
// per-voxel vectors. The weight vector must cover every layer of the
// steering description or the computation fails with a MissingWeightError
// before any work is done.
func BuildDirect(ctx context.Context, grid *models.VoxelGrid, structures []models.Structure, desc *steering.Description, prof *basedata.Profile, opts Options, weights []float64) (*DirectResult, error) {
	if len(weights) < desc.NumBixels {
		return nil, missingWeight(desc, len(weights))
	}
	model, err := cutoff.New(prof, opts.LateralCutoff)
	if err != nil {
		return nil, err
	}
	ch := resolveChannels(prof, opts)

	numVoxels := grid.NumVoxels()
	voxels := interestVoxels(grid, structures)
	tissue := tissueIndex(grid, structures, prof)

	dose := make([]float64, numVoxels)
	var let, alpha, sqrtBeta []float64
	if ch.let {
		let = make([]float64, numVoxels)
	}
	if ch.bio {
		alpha = make([]float64, numVoxels)
		sqrtBeta = make([]float64, numVoxels)
	}

	for b := range desc.Beams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		beam := &desc.Beams[b]
		results := beamContributions(grid, voxels, tissue, prof, model, beam, ch, opts.NumCores)
		for r := range results {
			for l := range results[r] {
				c := &results[r][l]
				w := weights[c.column]
				for i, v := range c.voxels {
					dose[v] += w * c.dose[i]
					if c.let != nil {
						let[v] += w * c.let[i]
					}
					if c.alpha != nil {
						alpha[v] += w * c.alpha[i]
						sqrtBeta[v] += w * c.sqrtBeta[i]
					}
				}
			}
		}
	}

	res := &DirectResult{
		Dose:     mat.NewVecDense(numVoxels, dose),
		Warnings: ch.warnings,
	}
	if let != nil {
		res.LETDose = mat.NewVecDense(numVoxels, let)
	}
	if alpha != nil {
		res.AlphaDose = mat.NewVecDense(numVoxels, alpha)
		res.SqrtBetaDose = mat.NewVecDense(numVoxels, sqrtBeta)
	}
	return res, nil
}

// missingWeight identifies the first layer whose weight is absent.
func missingWeight(desc *steering.Description, have int) error {
	for b := range desc.Beams {
		for r := range desc.Beams[b].Rays {
			for l := range desc.Beams[b].Rays[r].Layers {
				if desc.Beams[b].Rays[r].Layers[l].Column == have {
					return &doserr.MissingWeightError{Beam: b, Ray: r, Layer: l}
				}
			}
		}
	}
	return &doserr.MissingWeightError{Beam: len(desc.Beams) - 1, Ray: 0, Layer: 0}
}

// Effect evaluates the biological effect per voxel from the direct-dose
// channels: alpha-weighted dose plus the square of the sqrt(beta)-weighted
// dose. Squaring at evaluation time recovers the quadratic term while the
// accumulated channels stay linear in the spot weights.
func (r *DirectResult) Effect() *mat.VecDense {
	if r.AlphaDose == nil {
		return nil
	}
	n := r.AlphaDose.Len()
	effect := make([]float64, n)
	for i := 0; i < n; i++ {
		sb := r.SqrtBetaDose.AtVec(i)
		effect[i] = r.AlphaDose.AtVec(i) + sb*sb
	}
	return mat.NewVecDense(n, effect)
}
