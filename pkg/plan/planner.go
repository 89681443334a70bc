// Package plan wires the pipeline together: validate the configuration,
// resolve the base-data profile, generate the steering description and
// build the dose-influence operator (or a directly weighted dose).
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dosecalc/internal/models"
	"dosecalc/pkg/basedata"
	"dosecalc/pkg/config"
	"dosecalc/pkg/dose"
	"dosecalc/pkg/steering"
)

var log = logrus.WithField("pkg", "plan")

// Result bundles the outputs of a full pipeline run.
type Result struct {
	Steering  *steering.Description
	Influence *dose.Influence
}

// Planner runs the dose calculation pipeline for one patient model.
type Planner struct {
	cfg        *config.Config
	grid       *models.VoxelGrid
	structures []models.Structure
	profile    *basedata.Profile
}

// New validates the configuration, resolves the base-data profile and
// returns a ready planner. All fail-fast checks happen here; a returned
// planner will not abort on configuration grounds later.
func New(cfg *config.Config, grid *models.VoxelGrid, structures []models.Structure) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prof, err := basedata.Resolve(cfg.Plan.Radiation, cfg.Plan.Machine)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return &Planner{
		cfg:        cfg,
		grid:       grid,
		structures: structures,
		profile:    prof,
	}, nil
}

// Profile returns the resolved base-data profile.
func (p *Planner) Profile() *basedata.Profile { return p.profile }

// Run executes steering generation followed by operator construction.
func (p *Planner) Run(ctx context.Context) (*Result, error) {
	log.Info("step 1: generating steering description...")
	start := time.Now()
	desc, err := steering.Generate(p.grid, p.structures, p.profile, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("steering generation failed: %w", err)
	}
	log.WithField("elapsed", time.Since(start)).Info("steering description ready")

	log.Info("step 2: building dose-influence operator...")
	start = time.Now()
	inf, err := dose.Build(ctx, p.grid, p.structures, desc, p.profile, dose.OptionsFromConfig(p.cfg))
	if err != nil {
		return nil, fmt.Errorf("dose-influence build failed: %w", err)
	}
	log.WithField("elapsed", time.Since(start)).Info("dose-influence operator ready")

	return &Result{Steering: desc, Influence: inf}, nil
}

// RunDirect executes steering generation followed by a direct weighted dose
// computation, bypassing operator construction.
func (p *Planner) RunDirect(ctx context.Context, weights []float64) (*steering.Description, *dose.DirectResult, error) {
	log.Info("step 1: generating steering description...")
	desc, err := steering.Generate(p.grid, p.structures, p.profile, p.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("steering generation failed: %w", err)
	}

	log.Info("step 2: computing weighted dose...")
	res, err := dose.BuildDirect(ctx, p.grid, p.structures, desc, p.profile, dose.OptionsFromConfig(p.cfg), weights)
	if err != nil {
		return nil, nil, fmt.Errorf("direct dose computation failed: %w", err)
	}
	return desc, res, nil
}
