// Package geometry provides the IEC-61217 beam geometry: rotations between
// the patient (world) frame and the beam's-eye-view (BEV) frame, and the
// derived source and target points of a beam.
//
// In the BEV frame the beam axis points along +y, the source sits at
// (0, -SAD, 0) and the isocenter plane is y = 0. The forward rotation is
// the couch rotation (about y) followed by the gantry rotation (about z);
// both are right-handed and taken in degrees.
package geometry

import (
	"math"

	"github.com/ungerik/go3d/float64/mat3"
	"github.com/ungerik/go3d/float64/vec3"
)

// Transform maps between patient and BEV coordinates for one beam.
type Transform struct {
	rot mat3.T // BEV -> world
	inv mat3.T // world -> BEV
	iso vec3.T
	sad float64
}

// New builds the transform for the given gantry and couch angles in degrees,
// isocenter in world mm and source-to-axis distance in mm.
func New(gantryDeg, couchDeg float64, isocenter vec3.T, sad float64) *Transform {
	gantry := rotZ(gantryDeg)
	couch := rotY(couchDeg)
	rot := mul(&gantry, &couch)
	return &Transform{
		rot: rot,
		inv: transposed(&rot),
		iso: isocenter,
		sad: sad,
	}
}

// SAD returns the source-to-axis distance in mm.
func (t *Transform) SAD() float64 { return t.sad }

// Isocenter returns the isocenter in world coordinates.
func (t *Transform) Isocenter() vec3.T { return t.iso }

// BEVToWorld maps a point from BEV coordinates (relative to the isocenter)
// into the patient frame.
func (t *Transform) BEVToWorld(p *vec3.T) vec3.T {
	r := t.rot.MulVec3(p)
	return vec3.Add(&r, &t.iso)
}

// WorldToBEV maps a patient-frame point into BEV coordinates relative to
// the isocenter. It is the exact inverse of BEVToWorld.
func (t *Transform) WorldToBEV(p *vec3.T) vec3.T {
	rel := vec3.Sub(p, &t.iso)
	return t.inv.MulVec3(&rel)
}

// SourcePoint returns the beam source in world coordinates.
func (t *Transform) SourcePoint() vec3.T {
	src := vec3.T{0, -t.sad, 0}
	return t.BEVToWorld(&src)
}

// IsoPlanePoint returns the world position of the point (x, z) on the
// isocenter plane of the beam.
func (t *Transform) IsoPlanePoint(x, z float64) vec3.T {
	p := vec3.T{x, 0, z}
	return t.BEVToWorld(&p)
}

// TargetPoint returns the world position of the ray end point: the source
// mirrored about the spot position (x, z) on the isocenter plane. The ray
// from the source to this point passes exactly through the spot.
func (t *Transform) TargetPoint(x, z float64) vec3.T {
	p := vec3.T{2 * x, t.sad, 2 * z}
	return t.BEVToWorld(&p)
}

// rotZ returns the right-handed rotation about the z axis. Columns are the
// images of the basis vectors (go3d matrices are column-major).
func rotZ(deg float64) mat3.T {
	c, s := sincos(deg)
	return mat3.T{
		vec3.T{c, s, 0},
		vec3.T{-s, c, 0},
		vec3.T{0, 0, 1},
	}
}

// rotY returns the right-handed rotation about the y axis.
func rotY(deg float64) mat3.T {
	c, s := sincos(deg)
	return mat3.T{
		vec3.T{c, 0, -s},
		vec3.T{0, 1, 0},
		vec3.T{s, 0, c},
	}
}

func sincos(deg float64) (c, s float64) {
	rad := deg * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}

// mul returns the matrix product a*b.
func mul(a, b *mat3.T) mat3.T {
	var out mat3.T
	for col := 0; col < 3; col++ {
		out[col] = a.MulVec3(&b[col])
	}
	return out
}

// transposed returns the transpose, which for a rotation is its inverse.
func transposed(m *mat3.T) mat3.T {
	var out mat3.T
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			out[col][row] = m[row][col]
		}
	}
	return out
}
