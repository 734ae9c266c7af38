// Package config loads calibration settings from a YAML (or JSON) file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"camcal/internal/calibration"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to build a Calibrator.
type Config struct {
	Pattern  calibration.Pattern     `yaml:"pattern" json:"pattern"`
	Detector DetectorConfig          `yaml:"detector" json:"detector"`
	Solver   calibration.SolverFlags `yaml:"solver" json:"solver"`
	Workers  int                     `yaml:"workers" json:"workers"`
}

// DetectorConfig configures the checkerboard corner detector.
type DetectorConfig struct {
	calibration.DetectorFlags `yaml:",inline"`

	// Refine enables sub-pixel corner refinement.
	Refine bool `yaml:"refine" json:"refine"`
	// RefineWindow is the half-size in pixels of the refinement search window.
	RefineWindow int `yaml:"refine_window" json:"refine_window"`
}

// Default returns the settings used when no file is given: a 9x6 board,
// OpenCV's default detector flags with sub-pixel refinement, and the full
// five-coefficient distortion model.
func Default() *Config {
	return &Config{
		Pattern: calibration.Pattern{Width: 9, Height: 6},
		Detector: DetectorConfig{
			DetectorFlags: calibration.DefaultDetectorFlags(),
			Refine:        true,
			RefineWindow:  calibration.DefaultRefineWindow,
		},
		Workers: 1,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if err := c.Pattern.Validate(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Detector.RefineWindow < 0 {
		return fmt.Errorf("refine_window must not be negative, got %d", c.Detector.RefineWindow)
	}
	return nil
}

// Options converts the configuration into Calibrator options. Images are
// expected in OpenCV's BGR order.
func (c *Config) Options() []calibration.Option {
	detector := &calibration.OpenCVDetector{
		Flags:        c.Detector.DetectorFlags,
		Refine:       c.Detector.Refine,
		RefineWindow: c.Detector.RefineWindow,
	}

	return []calibration.Option{
		calibration.WithDetector(detector),
		calibration.WithSolver(&calibration.OpenCVSolver{Flags: c.Solver}),
		calibration.WithWorkers(c.Workers),
	}
}
