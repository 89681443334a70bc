package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"dosecalc/internal/models"
	"dosecalc/pkg/config"
	"dosecalc/pkg/dose"
	"dosecalc/pkg/plan"
)

func main() {
	configPath := flag.String("config", "dosecalc.yaml", "Path to the YAML configuration")
	outputFile := flag.String("output", "", "Write the weighted dose vector as little-endian float64 to this file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig {
		if err := config.SaveConfig(config.DefaultConfig(), *configPath); err != nil {
			logrus.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *verbose {
		cfg.Logging.Verbose = true
	}

	fmt.Println("================================")
	fmt.Println("DOSECALC - SPOT STEERING AND DOSE-INFLUENCE COMPUTATION")
	fmt.Println("================================")

	// The CT and structure loaders are external collaborators; the demo
	// runs on a water-box phantom with a centered target and one organ
	// at risk behind it.
	grid, structures := waterPhantom()

	planner, err := plan.New(cfg, grid, structures)
	if err != nil {
		logrus.Fatalf("Planning setup failed: %v", err)
	}

	result, err := planner.Run(context.Background())
	if err != nil {
		logrus.Fatalf("Pipeline failed: %v", err)
	}

	fmt.Printf("\nSteering description:\n")
	fmt.Printf("=====================\n")
	for i := range result.Steering.Beams {
		b := &result.Steering.Beams[i]
		fmt.Printf("Beam %d: gantry %.1f deg, couch %.1f deg, %d rays, %d bixels\n",
			b.Index, b.GantryAngle, b.CouchAngle, len(b.Rays), b.NumBixels)
	}
	fmt.Printf("Total bixels (operator columns): %d\n", result.Steering.NumBixels)
	fmt.Printf("Operator non-zeros: %d\n", result.Influence.Dose.NNZ())
	for _, w := range result.Influence.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	// Weight every spot uniformly and report per-structure statistics of
	// the resulting dose distribution.
	weights := make([]float64, result.Steering.NumBixels)
	for i := range weights {
		weights[i] = 1
	}
	_, direct, err := planner.RunDirect(context.Background(), weights)
	if err != nil {
		logrus.Fatalf("Direct dose computation failed: %v", err)
	}

	doseVec := direct.Dose.RawVector().Data
	fmt.Printf("\nDose statistics (uniform weights):\n")
	fmt.Printf("==================================\n")
	for _, s := range dose.Summarize(doseVec, structures) {
		fmt.Printf("%-10s %6d voxels  mean %.4g  max %.4g  D50 %.4g  D95 %.4g\n",
			s.Name, s.Voxels, s.Mean, s.Max, s.D50, s.D95)
	}

	if *outputFile != "" {
		if err := writeDose(*outputFile, doseVec); err != nil {
			logrus.Fatalf("Failed to write dose vector: %v", err)
		}
		fmt.Printf("\nDose vector written to: %s\n", *outputFile)
	}
}

// waterPhantom builds the demo input: a 50x50x50 water cube at 3 mm
// resolution with a 12 mm half-width target at the center and an organ at
// risk directly downstream of it.
func waterPhantom() (*models.VoxelGrid, []models.Structure) {
	const n = 50
	const spacing = 3.0

	grid := &models.VoxelGrid{
		Dims:    [3]int{n, n, n},
		Spacing: [3]float64{spacing, spacing, spacing},
		Origin:  [3]float64{-spacing * (n - 1) / 2, -spacing * (n - 1) / 2, -spacing * (n - 1) / 2},
		Density: make([]float64, n*n*n),
	}
	for i := range grid.Density {
		grid.Density[i] = 1.0
	}

	box := func(lo, hi [3]int) []int {
		var vox []int
		for k := lo[2]; k <= hi[2]; k++ {
			for j := lo[1]; j <= hi[1]; j++ {
				for i := lo[0]; i <= hi[0]; i++ {
					vox = append(vox, grid.Index(i, j, k))
				}
			}
		}
		return vox
	}

	c := n / 2
	target := models.Structure{
		Name:         "PTV",
		Type:         models.Target,
		Voxels:       box([3]int{c - 4, c - 4, c - 4}, [3]int{c + 4, c + 4, c + 4}),
		Prescription: 2.0,
	}
	oar := models.Structure{
		Name:   "OAR",
		Type:   models.OAR,
		Voxels: box([3]int{c - 4, c + 8, c - 4}, [3]int{c + 4, c + 12, c + 4}),
	}
	return grid, []models.Structure{target, oar}
}

// writeDose dumps the dose vector as little-endian float64, one value per
// voxel in grid order.
func writeDose(path string, doseVec []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dose file: %w", err)
	}
	defer file.Close()

	for _, v := range doseVec {
		if err := binary.Write(file, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write dose data: %w", err)
		}
	}
	return nil
}
