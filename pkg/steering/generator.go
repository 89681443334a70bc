// Package steering generates the per-beam spot and energy-layer geometry:
// which rays are needed to cover the target, at which energies, and with
// which spot size. Its output fixes the column layout of the dose-influence
// operator.
package steering

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/ungerik/go3d/float64/vec3"

	"dosecalc/internal/models"
	"dosecalc/pkg/basedata"
	"dosecalc/pkg/config"
	doserr "dosecalc/pkg/errors"
	"dosecalc/pkg/geometry"
	"dosecalc/pkg/trace"
)

// Layer is one energy layer of a ray. Every layer owns exactly one column
// of the dose-influence operator.
type Layer struct {
	// Energy is the nominal energy in MeV
	Energy float64

	// EnergyIx indexes the energy in the base-data profile
	EnergyIx int

	// FocusIx selects the spot-size level of the energy
	FocusIx int

	// Column is the global operator column of this layer, assigned in
	// beam-major, ray-next, layer-last traversal order
	Column int
}

// Ray is one lateral spot position of a beam. A ray that survives target
// hit testing carries at least one layer; rays that miss the target are
// dropped from the description.
type Ray struct {
	// Pos is the spot position (x, z) on the isocenter plane in BEV mm
	Pos [2]float64

	// SourcePoint and TargetPoint span the traced segment in world mm
	SourcePoint vec3.T
	TargetPoint vec3.T

	// SSD is the source-to-skin distance in mm
	SSD float64

	// EntryDepth and ExitDepth are the radiological depths at which the
	// ray enters and leaves the target
	EntryDepth float64
	ExitDepth  float64

	// Layers is ordered by increasing energy
	Layers []Layer
}

// NumLayers returns the number of energy layers (bixels) of the ray.
func (r *Ray) NumLayers() int { return len(r.Layers) }

// Beam is the steering description of one treatment direction.
type Beam struct {
	Index       int
	GantryAngle float64
	CouchAngle  float64
	Isocenter   vec3.T
	SAD         float64
	SpotSpacing float64

	// Transform maps between world and BEV for this beam
	Transform *geometry.Transform

	// Rays holds the surviving spots in deterministic grid order
	Rays []Ray

	// NumBixels is the sum of layer counts over all rays
	NumBixels int
}

// Description is the full steering output consumed by the dose builder.
type Description struct {
	Beams []Beam

	// NumBixels is the total operator column count
	NumBixels int
}

var log = logrus.WithField("pkg", "steering")

// Generate builds the steering description for all configured beams.
func Generate(grid *models.VoxelGrid, structures []models.Structure, prof *basedata.Profile, cfg *config.Config) (*Description, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}

	mask, nTarget := targetMask(grid, structures, cfg.Plan.TargetMargin)
	if nTarget == 0 {
		return nil, &doserr.ConfigurationError{
			Field:  "structures",
			Reason: "target region maps to zero voxels",
		}
	}

	iso := isocenter(grid, mask, cfg)
	minWidth := prof.MinWidthFor(cfg.Plan.SpotSpacing)

	desc := &Description{}
	column := 0
	for b := range cfg.Plan.GantryAngles {
		tr := geometry.New(cfg.Plan.GantryAngles[b], cfg.Plan.CouchAngles[b], iso, prof.SAD)
		beam := Beam{
			Index:       b,
			GantryAngle: cfg.Plan.GantryAngles[b],
			CouchAngle:  cfg.Plan.CouchAngles[b],
			Isocenter:   iso,
			SAD:         prof.SAD,
			SpotSpacing: cfg.Plan.SpotSpacing,
			Transform:   tr,
		}

		candidates := candidateSpots(grid, mask, tr, cfg.Plan.SpotSpacing)
		missed := 0
		for _, pos := range candidates {
			ray, hit, err := resolveRay(grid, mask, tr, prof, cfg, b, len(beam.Rays), pos)
			if err != nil {
				return nil, err
			}
			if !hit {
				missed++
				continue
			}
			for l := range ray.Layers {
				ray.Layers[l].FocusIx = focusIndex(&prof.Energies[ray.Layers[l].EnergyIx], minWidth)
				ray.Layers[l].Column = column
				column++
			}
			beam.NumBixels += ray.NumLayers()
			beam.Rays = append(beam.Rays, ray)
		}

		log.WithFields(logrus.Fields{
			"beam":       b,
			"gantry":     beam.GantryAngle,
			"couch":      beam.CouchAngle,
			"candidates": len(candidates),
			"rays":       len(beam.Rays),
			"missed":     missed,
			"bixels":     beam.NumBixels,
		}).Debug("beam steering generated")

		desc.NumBixels += beam.NumBixels
		desc.Beams = append(desc.Beams, beam)
	}
	log.WithFields(logrus.Fields{"beams": len(desc.Beams), "bixels": desc.NumBixels}).
		Info("steering description complete")
	return desc, nil
}

// targetMask rasterizes the union of all target structures into a binary
// field over the grid, optionally dilated by the configured margin. It
// returns the mask and the number of marked voxels.
func targetMask(grid *models.VoxelGrid, structures []models.Structure, margin float64) ([]float64, int) {
	mask := make([]float64, grid.NumVoxels())
	n := 0
	for s := range structures {
		if !structures[s].IsTarget() {
			continue
		}
		for _, v := range structures[s].Voxels {
			if mask[v] == 0 {
				mask[v] = 1
				n++
			}
		}
	}
	if margin <= 0 || n == 0 {
		return mask, n
	}

	var r [3]int
	for a := 0; a < 3; a++ {
		r[a] = int(math.Ceil(margin / grid.Spacing[a]))
	}
	dilated := make([]float64, len(mask))
	copy(dilated, mask)
	for idx, v := range mask {
		if v == 0 {
			continue
		}
		i, j, k := grid.Coords(idx)
		for dk := -r[2]; dk <= r[2]; dk++ {
			for dj := -r[1]; dj <= r[1]; dj++ {
				for di := -r[0]; di <= r[0]; di++ {
					ni, nj, nk := i+di, j+dj, k+dk
					if ni < 0 || nj < 0 || nk < 0 ||
						ni >= grid.Dims[0] || nj >= grid.Dims[1] || nk >= grid.Dims[2] {
						continue
					}
					nidx := grid.Index(ni, nj, nk)
					if dilated[nidx] == 0 {
						dilated[nidx] = 1
						n++
					}
				}
			}
		}
	}
	return dilated, n
}

// isocenter returns the configured isocenter or, when absent, the centroid
// of the target mask.
func isocenter(grid *models.VoxelGrid, mask []float64, cfg *config.Config) vec3.T {
	if cfg.Plan.Isocenter != nil {
		return vec3.T(*cfg.Plan.Isocenter)
	}
	var sum vec3.T
	n := 0.0
	for idx, v := range mask {
		if v == 0 {
			continue
		}
		c := grid.CenterOf(idx)
		sum = vec3.Add(&sum, &c)
		n++
	}
	return sum.Scaled(1 / n)
}

// candidateSpots projects every target voxel onto the isocenter plane by
// similar-triangles scaling, snaps the projections to the spot grid and
// deduplicates. When the spot spacing is coarser than the finest voxel
// spacing, the grid is padded with the eight neighboring spot positions so
// projection aliasing cannot under-sample the target.
func candidateSpots(grid *models.VoxelGrid, mask []float64, tr *geometry.Transform, spacing float64) [][2]float64 {
	type key struct{ x, z int64 }
	seen := map[key]struct{}{}
	sad := tr.SAD()

	for idx, v := range mask {
		if v == 0 {
			continue
		}
		c := grid.CenterOf(idx)
		bev := tr.WorldToBEV(&c)
		// project through the source onto the y = 0 plane
		scale := sad / (sad + bev[1])
		k := key{
			x: int64(math.Round(bev[0] * scale / spacing)),
			z: int64(math.Round(bev[2] * scale / spacing)),
		}
		seen[k] = struct{}{}
	}

	if spacing > grid.MinSpacing() {
		pad := make([]key, 0, len(seen))
		for k := range seen {
			pad = append(pad, k)
		}
		for _, k := range pad {
			for dz := int64(-1); dz <= 1; dz++ {
				for dx := int64(-1); dx <= 1; dx++ {
					seen[key{k.x + dx, k.z + dz}] = struct{}{}
				}
			}
		}
	}

	keys := make([]key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].z != keys[j].z {
			return keys[i].z < keys[j].z
		}
		return keys[i].x < keys[j].x
	})

	spots := make([][2]float64, len(keys))
	for i, k := range keys {
		spots[i] = [2]float64{float64(k.x) * spacing, float64(k.z) * spacing}
	}
	return spots
}

// resolveRay traces one candidate spot through the grid and, when it hits
// the target, derives its SSD, target entry/exit depths and energy layers.
// The returned flag is false for a clean miss, which is a defined terminal
// state and not an error.
func resolveRay(grid *models.VoxelGrid, mask []float64, tr *geometry.Transform, prof *basedata.Profile, cfg *config.Config, beamIx, rayIx int, pos [2]float64) (Ray, bool, error) {
	ray := Ray{
		Pos:         pos,
		SourcePoint: tr.SourcePoint(),
		TargetPoint: tr.TargetPoint(pos[0], pos[1]),
	}

	steps := trace.Trace(ray.SourcePoint, ray.TargetPoint, grid, grid.Density, mask)
	if len(steps) == 0 {
		return ray, false, nil
	}

	var (
		ssdFound bool
		inside   bool
		entries  []float64
		exits    []float64
		acc      float64
	)
	for i := range steps {
		rho := steps[i].Values[0]
		if !ssdFound && rho > cfg.Calc.SSDDensityThreshold {
			ray.SSD = 2 * tr.SAD() * steps[i].Entry
			ssdFound = true
		}
		inMask := steps[i].Values[1] > 0.5
		if inMask && !inside {
			entries = append(entries, acc)
			inside = true
		} else if !inMask && inside {
			exits = append(exits, acc)
			inside = false
		}
		acc += rho * steps[i].Length
	}

	if len(entries) == 0 {
		return ray, false, nil
	}
	if inside || len(entries) != len(exits) {
		return ray, false, &doserr.GeometryError{
			Beam: beamIx, Ray: rayIx,
			Reason: "unequal counts of target entry and exit crossings",
		}
	}
	if !ssdFound {
		return ray, false, &doserr.GeometryError{
			Beam: beamIx, Ray: rayIx,
			Reason: "patient surface never found along ray",
		}
	}
	ray.EntryDepth = entries[0]
	ray.ExitDepth = exits[len(exits)-1]

	ray.Layers = selectEnergies(prof, cfg, ray.EntryDepth, ray.ExitDepth)
	if len(ray.Layers) == 0 {
		// geometrically hit but no tabulated energy reaches the
		// target span; treat as a miss
		return ray, false, nil
	}
	return ray, true, nil
}

// selectEnergies picks every energy whose peak position falls inside the
// target depth span and collapses nearly-duplicate consecutive energies
// when an energy lattice spacing is configured.
func selectEnergies(prof *basedata.Profile, cfg *config.Config, entry, exit float64) []Layer {
	var layers []Layer
	for i := range prof.Energies {
		peak := prof.Energies[i].PeakPos()
		if peak < entry || peak > exit {
			continue
		}
		if spacing := cfg.Plan.EnergyLatticeSpacing; spacing > 0 && len(layers) > 0 {
			prev := layers[len(layers)-1].Energy
			if prof.Energies[i].Energy-prev < spacing-cfg.Plan.EnergyLatticeTolerance {
				continue
			}
		}
		layers = append(layers, Layer{
			Energy:   prof.Energies[i].Energy,
			EnergyIx: i,
		})
	}
	return layers
}

// focusIndex returns the smallest focus level whose width at isocenter
// reaches the minimum width, falling back to the widest available level.
func focusIndex(e *basedata.Energy, minWidth float64) int {
	for i := range e.Focus {
		if e.Focus[i].WidthAtIso >= minWidth {
			return i
		}
	}
	return len(e.Focus) - 1
}
