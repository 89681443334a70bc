// Package dose builds the sparse dose-influence operator: for every energy
// layer of the steering description it evaluates the pencil-beam kernel over
// the voxels within depth range and lateral cutoff and accumulates the
// result into one operator column per layer. Optional channels carry
// LET-weighted and biological-effect-weighted dose.
package dose

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/james-bowman/sparse"
	"github.com/sirupsen/logrus"
	"github.com/ungerik/go3d/float64/vec3"

	"dosecalc/internal/models"
	"dosecalc/pkg/basedata"
	"dosecalc/pkg/config"
	"dosecalc/pkg/cutoff"
	"dosecalc/pkg/steering"
)

var log = logrus.WithField("pkg", "dose")

// Options control the dose-influence computation.
type Options struct {
	// LateralCutoff is the contained-dose fraction of the cutoff model;
	// 1.0 disables lateral rejection
	LateralCutoff float64

	// ContainerSize is the number of finished columns buffered before
	// they are flushed into the sparse accumulators
	ContainerSize int

	// NumCores bounds the per-beam worker parallelism
	NumCores int

	// CalcLET requests the LET-weighted dose channel
	CalcLET bool

	// BioModel requests the biological channels; "none" or "LEM"
	BioModel string
}

// OptionsFromConfig copies the calculation settings out of a validated
// configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LateralCutoff: cfg.Calc.LateralCutoff,
		ContainerSize: cfg.Calc.ContainerSize,
		NumCores:      cfg.Calc.NumCores,
		CalcLET:       cfg.Calc.CalcLET,
		BioModel:      cfg.Calc.BioModel,
	}
}

// Influence is the sparse dose-influence operator. Every matrix has shape
// numVoxels x numColumns with one column per layer in steering traversal
// order; LETDose, AlphaDose and SqrtBetaDose are nil unless their channel
// was requested and supported.
type Influence struct {
	Dose         *sparse.CSR
	LETDose      *sparse.CSR
	AlphaDose    *sparse.CSR
	SqrtBetaDose *sparse.CSR

	// BeamIx, RayIx and LayerIx map each column back to its originating
	// layer in the steering description
	BeamIx  []int
	RayIx   []int
	LayerIx []int

	NumVoxels  int
	NumColumns int

	// Warnings lists non-fatal degradations, e.g. a requested channel
	// that the base data cannot provide
	Warnings []string
}

// channels is the resolved set of requested and supported output channels.
type channels struct {
	let      bool
	bio      bool
	warnings []string
}

func resolveChannels(prof *basedata.Profile, opts Options) channels {
	var ch channels
	if opts.CalcLET {
		if prof.HasLET() {
			ch.let = true
		} else {
			w := "LET channel requested but profile " + prof.Name() + " has no LET table; channel omitted"
			ch.warnings = append(ch.warnings, w)
			log.Warn(w)
		}
	}
	if opts.BioModel == "LEM" {
		if prof.SupportsBio() {
			ch.bio = true
		} else {
			w := "biological model requested but profile " + prof.Name() + " has no tissue response data; computing physical dose only"
			ch.warnings = append(ch.warnings, w)
			log.Warn(w)
		}
	}
	return ch
}

// Build computes the dose-influence operator for the steering description.
// The context is checked between beams only; a beam is the atomic unit of
// work. The voxel set is restricted to the union of all structure voxels
// (the whole grid when no structures are given).
func Build(ctx context.Context, grid *models.VoxelGrid, structures []models.Structure, desc *steering.Description, prof *basedata.Profile, opts Options) (*Influence, error) {
	model, err := cutoff.New(prof, opts.LateralCutoff)
	if err != nil {
		return nil, err
	}
	ch := resolveChannels(prof, opts)

	numVoxels := grid.NumVoxels()
	numCols := desc.NumBixels
	voxels := interestVoxels(grid, structures)
	tissue := tissueIndex(grid, structures, prof)

	inf := &Influence{
		BeamIx:     make([]int, numCols),
		RayIx:      make([]int, numCols),
		LayerIx:    make([]int, numCols),
		NumVoxels:  numVoxels,
		NumColumns: numCols,
		Warnings:   ch.warnings,
	}

	doseCOO := sparse.NewCOO(numVoxels, numCols, nil, nil, nil)
	var letCOO, alphaCOO, sqrtBetaCOO *sparse.COO
	if ch.let {
		letCOO = sparse.NewCOO(numVoxels, numCols, nil, nil, nil)
	}
	if ch.bio {
		alphaCOO = sparse.NewCOO(numVoxels, numCols, nil, nil, nil)
		sqrtBetaCOO = sparse.NewCOO(numVoxels, numCols, nil, nil, nil)
	}

	cont := newContainer(opts.ContainerSize, func(cols []columnContrib) {
		for _, c := range cols {
			for i, v := range c.voxels {
				doseCOO.Set(v, c.column, c.dose[i])
				if c.let != nil {
					letCOO.Set(v, c.column, c.let[i])
				}
				if c.alpha != nil {
					alphaCOO.Set(v, c.column, c.alpha[i])
					sqrtBetaCOO.Set(v, c.column, c.sqrtBeta[i])
				}
			}
		}
	})

	for b := range desc.Beams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		beam := &desc.Beams[b]
		results := beamContributions(grid, voxels, tissue, prof, model, beam, ch, opts.NumCores)

		// flush in traversal order so accumulation is deterministic
		for r := range results {
			for l := range results[r] {
				col := results[r][l].column
				inf.BeamIx[col] = beam.Index
				inf.RayIx[col] = r
				inf.LayerIx[col] = l
				cont.add(results[r][l])
			}
		}
		log.WithFields(logrus.Fields{"beam": beam.Index, "rays": len(beam.Rays), "bixels": beam.NumBixels}).
			Debug("beam influence accumulated")
	}
	cont.flushNow()

	inf.Dose = doseCOO.ToCSR()
	if letCOO != nil {
		inf.LETDose = letCOO.ToCSR()
	}
	if alphaCOO != nil {
		inf.AlphaDose = alphaCOO.ToCSR()
		inf.SqrtBetaDose = sqrtBetaCOO.ToCSR()
	}
	log.WithFields(logrus.Fields{"columns": numCols, "nnz": inf.Dose.NNZ()}).
		Info("dose-influence operator assembled")
	return inf, nil
}

// beamContributions computes the column contributions of every ray of the
// beam. Kernel evaluations run on a bounded worker pool; results are stored
// by ray index so the caller can merge them in traversal order regardless
// of completion order.
func beamContributions(grid *models.VoxelGrid, voxels []int, tissue []int, prof *basedata.Profile, model *cutoff.Model, beam *steering.Beam, ch channels, numCores int) [][]columnContrib {
	depths := depthField(grid, voxels, beam.Transform.SourcePoint(), numCores)

	results := make([][]columnContrib, len(beam.Rays))
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := numCores
	if workers > len(beam.Rays) {
		workers = len(beam.Rays)
	}
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				ray := &beam.Rays[r]
				cols := make([]columnContrib, len(ray.Layers))
				for l := range ray.Layers {
					cols[l] = layerContribution(grid, voxels, depths, tissue, prof, model, ray, &ray.Layers[l], ch)
				}
				results[r] = cols
			}
		}()
	}
	for r := range beam.Rays {
		jobs <- r
	}
	close(jobs)
	wg.Wait()
	return results
}

// columnContrib is the finished sparse content of one operator column.
type columnContrib struct {
	column   int
	voxels   []int
	dose     []float64
	let      []float64
	alpha    []float64
	sqrtBeta []float64
}

// layerContribution evaluates the pencil-beam kernel of one energy layer
// over the voxels that pass the depth-range and lateral-cutoff tests.
func layerContribution(grid *models.VoxelGrid, voxels []int, depths []float64, tissue []int, prof *basedata.Profile, model *cutoff.Model, ray *steering.Ray, layer *steering.Layer, ch channels) columnContrib {
	e := &prof.Energies[layer.EnergyIx]
	maxDepth := model.MaxDepth(layer.EnergyIx)
	maxRadius := model.MaxRadius(layer.EnergyIx)
	reject := model.LateralRejection()

	dir := vec3.Sub(&ray.TargetPoint, &ray.SourcePoint)
	dir.Normalize()

	var (
		ixs    []int
		rds    []float64
		latSqs []float64
	)
	for _, v := range voxels {
		rd := depths[v]
		if math.IsNaN(rd) || rd > maxDepth {
			continue
		}
		c := grid.CenterOf(v)
		w := vec3.Sub(&c, &ray.SourcePoint)
		axial := vec3.Dot(&w, &dir)
		latSq := vec3.Dot(&w, &w) - axial*axial
		if latSq < 0 {
			latSq = 0
		}
		if reject {
			// coarse bounding test before the interpolated one
			if latSq > maxRadius*maxRadius {
				continue
			}
			r := model.Radius(layer.EnergyIx, rd)
			if latSq > r*r {
				continue
			}
		}
		ixs = append(ixs, v)
		rds = append(rds, rd)
		latSqs = append(latSqs, latSq)
	}

	contrib := columnContrib{column: layer.Column, voxels: ixs}
	if len(ixs) == 0 {
		return contrib
	}
	contrib.dose = prof.Kernel(rds, latSqs, ray.SSD, layer.FocusIx, e)

	if ch.let {
		contrib.let = make([]float64, len(ixs))
		for i := range ixs {
			contrib.let[i] = e.LETAt(rds[i]) * contrib.dose[i]
		}
	}
	if ch.bio {
		contrib.alpha = make([]float64, len(ixs))
		contrib.sqrtBeta = make([]float64, len(ixs))
		for i := range ixs {
			t := &prof.Tissue[tissue[ixs[i]]]
			contrib.alpha[i] = t.AlphaAt(rds[i]) * contrib.dose[i]
			contrib.sqrtBeta[i] = t.SqrtBetaAt(rds[i]) * contrib.dose[i]
		}
	}
	return contrib
}

// interestVoxels returns the sorted union of all structure voxel lists, or
// every grid voxel when no structures are given.
func interestVoxels(grid *models.VoxelGrid, structures []models.Structure) []int {
	seen := map[int]struct{}{}
	for s := range structures {
		for _, v := range structures[s].Voxels {
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		all := make([]int, grid.NumVoxels())
		for i := range all {
			all[i] = i
		}
		return all
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// tissueIndex maps every voxel to its tissue response class; voxels outside
// any structure get class 0.
func tissueIndex(grid *models.VoxelGrid, structures []models.Structure, prof *basedata.Profile) []int {
	tissue := make([]int, grid.NumVoxels())
	if !prof.SupportsBio() {
		return tissue
	}
	for s := range structures {
		tc := structures[s].TissueClass
		if tc <= 0 || tc >= len(prof.Tissue) {
			continue
		}
		for _, v := range structures[s].Voxels {
			tissue[v] = tc
		}
	}
	return tissue
}
