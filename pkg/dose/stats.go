package dose

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dosecalc/internal/models"
)

// StructureStats summarizes a computed dose distribution over one
// structure. D50 and D95 are the dose levels received by at least 50% and
// 95% of the structure volume.
type StructureStats struct {
	Name   string
	Voxels int
	Mean   float64
	Max    float64
	D50    float64
	D95    float64
}

// Summarize reports per-structure statistics of a per-voxel dose vector.
// Structures without voxels are skipped.
func Summarize(doseVec []float64, structures []models.Structure) []StructureStats {
	var out []StructureStats
	for s := range structures {
		if len(structures[s].Voxels) == 0 {
			continue
		}
		vals := make([]float64, 0, len(structures[s].Voxels))
		for _, v := range structures[s].Voxels {
			vals = append(vals, doseVec[v])
		}
		sort.Float64s(vals)
		out = append(out, StructureStats{
			Name:   structures[s].Name,
			Voxels: len(vals),
			Mean:   stat.Mean(vals, nil),
			Max:    floats.Max(vals),
			D50:    stat.Quantile(0.5, stat.Empirical, vals, nil),
			D95:    stat.Quantile(0.05, stat.Empirical, vals, nil),
		})
	}
	return out
}
