package models

import (
	"github.com/ungerik/go3d/float64/vec3"
)

// VoxelGrid represents the patient CT volume resampled to the dose grid.
// Voxel data is stored as a 1D array in x-fastest order; the grid and its
// scalar fields are read-only inputs for the whole computation.
type VoxelGrid struct {
	// Dims is the number of voxels along x, y, z
	Dims [3]int

	// Spacing is the physical voxel size in mm along each axis
	Spacing [3]float64

	// Origin is the world position in mm of the center of voxel (0,0,0)
	Origin [3]float64

	// Density holds the mass density (relative to water) per voxel
	Density []float64
}

// NumVoxels returns the total number of voxels in the grid.
func (g *VoxelGrid) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index converts voxel coordinates to the flat array index.
func (g *VoxelGrid) Index(i, j, k int) int {
	return i + g.Dims[0]*(j+g.Dims[1]*k)
}

// Coords converts a flat array index back to voxel coordinates.
func (g *VoxelGrid) Coords(idx int) (i, j, k int) {
	i = idx % g.Dims[0]
	idx /= g.Dims[0]
	j = idx % g.Dims[1]
	k = idx / g.Dims[1]
	return
}

// VoxelCenter returns the world position of a voxel center in mm.
func (g *VoxelGrid) VoxelCenter(i, j, k int) vec3.T {
	return vec3.T{
		g.Origin[0] + float64(i)*g.Spacing[0],
		g.Origin[1] + float64(j)*g.Spacing[1],
		g.Origin[2] + float64(k)*g.Spacing[2],
	}
}

// CenterOf returns the world position of the voxel with flat index idx.
func (g *VoxelGrid) CenterOf(idx int) vec3.T {
	i, j, k := g.Coords(idx)
	return g.VoxelCenter(i, j, k)
}

// MinSpacing returns the finest voxel spacing over all three axes in mm.
func (g *VoxelGrid) MinSpacing() float64 {
	min := g.Spacing[0]
	for _, s := range g.Spacing[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// StructureType classifies a contoured region for planning purposes.
type StructureType int

const (
	// Target regions are to be covered by the spot pattern
	Target StructureType = iota

	// OAR marks organs at risk spared during optimization
	OAR

	// Other regions participate in dose reporting only
	Other
)

// Structure is a named region of interest given as a list of voxel indices
// into the dose grid.
type Structure struct {
	// Name identifies the structure, e.g. "PTV" or "SpinalCord"
	Name string

	// Type classifies the structure for steering and reporting
	Type StructureType

	// Voxels lists the flat voxel indices belonging to the structure
	Voxels []int

	// Prescription is the prescribed dose in Gy; zero when absent
	Prescription float64

	// TissueClass selects the radiobiological response class in the
	// base-data profile; zero is the default tissue
	TissueClass int

	// AlphaX and BetaX are the photon reference response parameters of
	// the linear-quadratic model, used by biological optimization
	AlphaX float64
	BetaX  float64
}

// IsTarget reports whether the structure is a planning target.
func (s *Structure) IsTarget() bool {
	return s.Type == Target
}
