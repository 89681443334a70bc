package dose

import (
	"math"
	"sync"

	"github.com/ungerik/go3d/float64/vec3"

	"dosecalc/internal/models"
	"dosecalc/pkg/trace"
)

// depthField computes the radiological depth of every voxel of interest as
// seen from the beam source: the density-weighted path length of the ray
// from the source to the voxel center. Voxels outside the interest set, or
// unreachable from the source, stay NaN. The work is split across numCores
// workers; each voxel is independent.
func depthField(grid *models.VoxelGrid, voxels []int, source vec3.T, numCores int) []float64 {
	depths := make([]float64, grid.NumVoxels())
	for i := range depths {
		depths[i] = math.NaN()
	}

	workers := numCores
	if workers > len(voxels) {
		workers = len(voxels)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	chunk := (len(voxels) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(voxels) {
			hi = len(voxels)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(part []int) {
			defer wg.Done()
			for _, v := range part {
				center := grid.CenterOf(v)
				steps := trace.Trace(source, center, grid, grid.Density)
				if len(steps) == 0 {
					continue
				}
				depths[v] = trace.RadDepthTotal(steps)
			}
		}(voxels[lo:hi])
	}
	wg.Wait()
	return depths
}
