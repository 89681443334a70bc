// Package config provides configuration loading and validation for dosecalc.
// It handles loading configuration from YAML files and provides default
// values; validation performs the fail-fast checks before any computation.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	doserr "dosecalc/pkg/errors"
)

// Config represents the planning configuration loaded from YAML.
type Config struct {
	// Plan parameters describe the treatment geometry
	Plan struct {
		// Radiation is the modality of the base-data profile
		Radiation string `yaml:"radiation"`

		// Machine names the base-data machine profile
		Machine string `yaml:"machine"`

		// GantryAngles and CouchAngles are paired per beam, in degrees
		GantryAngles []float64 `yaml:"gantryAngles"`
		CouchAngles  []float64 `yaml:"couchAngles"`

		// Isocenter in world mm; when absent the target centroid is used
		Isocenter *[3]float64 `yaml:"isocenter,omitempty"`

		// SpotSpacing is the lateral spot grid spacing in mm
		SpotSpacing float64 `yaml:"spotSpacing"`

		// TargetMargin dilates the target mask isotropically, in mm
		TargetMargin float64 `yaml:"targetMargin"`

		// EnergyLatticeSpacing collapses consecutive selected energies
		// closer than (spacing - tolerance) in MeV; zero disables the
		// collapsing entirely
		EnergyLatticeSpacing   float64 `yaml:"energyLatticeSpacing"`
		EnergyLatticeTolerance float64 `yaml:"energyLatticeTolerance"`
	} `yaml:"plan"`

	// Calc parameters control the dose-influence computation
	Calc struct {
		// LateralCutoff is the dose fraction contained inside the
		// lateral cutoff radius; 1.0 disables lateral rejection
		LateralCutoff float64 `yaml:"lateralCutoff"`

		// ContainerSize is the number of operator columns buffered
		// before they are flushed into the sparse structure
		ContainerSize int `yaml:"containerSize"`

		// NumCores bounds the worker parallelism
		NumCores int `yaml:"numCores"`

		// SSDDensityThreshold is the density above which a ray is
		// considered to have entered the patient
		SSDDensityThreshold float64 `yaml:"ssdDensityThreshold"`

		// CalcLET requests the LET-weighted dose channel
		CalcLET bool `yaml:"calcLET"`

		// BioModel requests biological channels; "none" or "LEM"
		BioModel string `yaml:"bioModel"`
	} `yaml:"calc"`

	// Logging parameters
	Logging struct {
		// Verbose enables debug-level log output
		Verbose bool `yaml:"verbose"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Plan.Radiation = "protons"
	cfg.Plan.Machine = "Generic"
	cfg.Plan.GantryAngles = []float64{0}
	cfg.Plan.CouchAngles = []float64{0}
	cfg.Plan.SpotSpacing = 3.0
	cfg.Plan.TargetMargin = 0.0
	cfg.Plan.EnergyLatticeSpacing = 0.0
	cfg.Plan.EnergyLatticeTolerance = 0.0

	cfg.Calc.LateralCutoff = 0.995
	cfg.Calc.ContainerSize = 250
	cfg.Calc.NumCores = runtime.NumCPU()
	cfg.Calc.SSDDensityThreshold = 0.05
	cfg.Calc.CalcLET = false
	cfg.Calc.BioModel = "none"

	cfg.Logging.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate performs the fail-fast configuration checks. Any violation is a
// ConfigurationError and aborts before computation starts.
func (cfg *Config) Validate() error {
	if len(cfg.Plan.GantryAngles) == 0 {
		return &doserr.ConfigurationError{Field: "plan.gantryAngles", Reason: "no beam angles configured"}
	}
	if len(cfg.Plan.GantryAngles) != len(cfg.Plan.CouchAngles) {
		return &doserr.ConfigurationError{
			Field:  "plan.couchAngles",
			Reason: fmt.Sprintf("got %d couch angles for %d gantry angles", len(cfg.Plan.CouchAngles), len(cfg.Plan.GantryAngles)),
		}
	}
	if cfg.Plan.SpotSpacing <= 0 || math.IsNaN(cfg.Plan.SpotSpacing) || math.IsInf(cfg.Plan.SpotSpacing, 0) {
		return &doserr.ConfigurationError{Field: "plan.spotSpacing", Reason: "must be finite and positive"}
	}
	if cfg.Plan.TargetMargin < 0 {
		return &doserr.ConfigurationError{Field: "plan.targetMargin", Reason: "must not be negative"}
	}
	if f := cfg.Calc.LateralCutoff; math.IsNaN(f) || f <= 0 || f > 1 {
		return &doserr.ConfigurationError{Field: "calc.lateralCutoff", Reason: "dose fraction must lie in (0,1]"}
	}
	if cfg.Calc.ContainerSize <= 0 {
		return &doserr.ConfigurationError{Field: "calc.containerSize", Reason: "must be positive"}
	}
	if cfg.Calc.NumCores <= 0 {
		return &doserr.ConfigurationError{Field: "calc.numCores", Reason: "must be positive"}
	}
	switch cfg.Calc.BioModel {
	case "", "none", "LEM":
	default:
		return &doserr.ConfigurationError{Field: "calc.bioModel", Reason: "must be \"none\" or \"LEM\""}
	}
	return nil
}
