// Package trace implements radiological ray tracing through a voxel grid.
//
// The traversal follows the classic Siddon construction: the parametric
// values at which the ray crosses grid planes are collected per axis, merged,
// and consecutive differences give the path length through the voxel that is
// valid on each interval.
package trace

import (
	"math"
	"sort"

	"github.com/ungerik/go3d/float64/vec3"

	"dosecalc/internal/models"
)

// alphaTol is the parametric tolerance below which two plane crossings are
// considered the same (ray grazing a voxel edge or corner).
const alphaTol = 1e-12

// Step is one traversed voxel of a traced segment.
type Step struct {
	// Index is the flat voxel index in the grid
	Index int

	// Length is the path length through the voxel in mm
	Length float64

	// Entry is the parametric value in [0,1] at which the segment
	// enters the voxel, measured from the segment start
	Entry float64

	// Values holds one sample per requested field, taken at this voxel
	Values []float64
}

// Trace computes the ordered voxel traversal of the segment from start to
// end through the grid. The returned path lengths sum to the portion of the
// Euclidean segment length inside the grid. Each supplied field is sampled
// at every traversed voxel. A segment entirely outside the grid yields an
// empty result; a zero-length segment inside the grid yields a single step
// of zero length.
func Trace(start, end vec3.T, grid *models.VoxelGrid, fields ...[]float64) []Step {
	var low, high [3]float64
	for a := 0; a < 3; a++ {
		low[a] = grid.Origin[a] - 0.5*grid.Spacing[a]
		high[a] = low[a] + float64(grid.Dims[a])*grid.Spacing[a]
	}

	dir := vec3.Sub(&end, &start)
	segLen := dir.Length()

	if segLen < alphaTol {
		idx, ok := voxelAt(grid, low, start)
		if !ok {
			return nil
		}
		return []Step{{Index: idx, Length: 0, Entry: 0, Values: sample(fields, idx)}}
	}

	// Clip the segment against the grid bounding box.
	aMin, aMax := 0.0, 1.0
	for a := 0; a < 3; a++ {
		if math.Abs(dir[a]) < alphaTol {
			if start[a] < low[a] || start[a] > high[a] {
				return nil
			}
			continue
		}
		t1 := (low[a] - start[a]) / dir[a]
		t2 := (high[a] - start[a]) / dir[a]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > aMin {
			aMin = t1
		}
		if t2 < aMax {
			aMax = t2
		}
	}
	if aMin >= aMax {
		return nil
	}

	// Collect the parametric plane crossings of all three axes.
	alphas := make([]float64, 0, grid.Dims[0]+grid.Dims[1]+grid.Dims[2]+2)
	alphas = append(alphas, aMin, aMax)
	for a := 0; a < 3; a++ {
		if math.Abs(dir[a]) < alphaTol {
			continue
		}
		for i := 0; i <= grid.Dims[a]; i++ {
			plane := low[a] + float64(i)*grid.Spacing[a]
			alpha := (plane - start[a]) / dir[a]
			if alpha > aMin+alphaTol && alpha < aMax-alphaTol {
				alphas = append(alphas, alpha)
			}
		}
	}
	sort.Float64s(alphas)

	steps := make([]Step, 0, len(alphas)-1)
	for n := 0; n < len(alphas)-1; n++ {
		a1, a2 := alphas[n], alphas[n+1]
		if a2-a1 <= alphaTol {
			// grazing crossing, zero-width interval
			continue
		}
		mid := 0.5 * (a1 + a2)
		p := vec3.T{
			start[0] + mid*dir[0],
			start[1] + mid*dir[1],
			start[2] + mid*dir[2],
		}
		idx, ok := voxelAt(grid, low, p)
		if !ok {
			continue
		}
		steps = append(steps, Step{
			Index:  idx,
			Length: (a2 - a1) * segLen,
			Entry:  a1,
			Values: sample(fields, idx),
		})
	}
	return steps
}

// voxelAt returns the flat index of the voxel containing p, or false when p
// lies outside the grid.
func voxelAt(grid *models.VoxelGrid, low [3]float64, p vec3.T) (int, bool) {
	var c [3]int
	for a := 0; a < 3; a++ {
		i := int(math.Floor((p[a] - low[a]) / grid.Spacing[a]))
		if i < 0 || i >= grid.Dims[a] {
			return 0, false
		}
		c[a] = i
	}
	return grid.Index(c[0], c[1], c[2]), true
}

func sample(fields [][]float64, idx int) []float64 {
	if len(fields) == 0 {
		return nil
	}
	vals := make([]float64, len(fields))
	for i, f := range fields {
		vals[i] = f[idx]
	}
	return vals
}

// PathLength returns the summed path length of all steps in mm.
func PathLength(steps []Step) float64 {
	total := 0.0
	for i := range steps {
		total += steps[i].Length
	}
	return total
}

// RadDepths returns the cumulative density-weighted path length at the
// midpoint of every step. The density must have been sampled as the first
// field of the trace.
func RadDepths(steps []Step) []float64 {
	depths := make([]float64, len(steps))
	acc := 0.0
	for i := range steps {
		d := steps[i].Values[0] * steps[i].Length
		depths[i] = acc + 0.5*d
		acc += d
	}
	return depths
}

// RadDepthTotal returns the density-weighted path length over the full
// traced segment, i.e. the radiological depth of the segment end point.
func RadDepthTotal(steps []Step) float64 {
	acc := 0.0
	for i := range steps {
		acc += steps[i].Values[0] * steps[i].Length
	}
	return acc
}
