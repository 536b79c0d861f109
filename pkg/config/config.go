// Package config provides configuration loading and management for
// genepursuit. It handles loading configuration from YAML files, provides
// default values, and validates every recognized option before a run starts.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ValidationError reports a configuration option that failed validation.
// Configuration errors are fatal at startup and never retried.
type ValidationError struct {
	// Option is the offending option name as written in the YAML file.
	Option string

	// Reason says what is wrong with the value.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration option %s: %s", e.Option, e.Reason)
}

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Pursuit parameters control the per-pixel sparse fit.
	Pursuit struct {
		// WeightCoefFit switches the coefficient refit from plain to
		// weighted least squares.
		WeightCoefFit bool `yaml:"weight_coef_fit"`

		// MaxGenes caps the number of genes assigned to one pixel.
		MaxGenes int `yaml:"max_genes"`

		// DpThresh is the minimum absolute dot-product score for pursuit to
		// keep iterating.
		DpThresh float64 `yaml:"dp_thresh"`

		// Alpha is the strength of the residual down-weighting of
		// already-explained rounds/channels. Zero disables weighting.
		Alpha float64 `yaml:"alpha"`

		// Beta is the sharpness of the residual down-weighting.
		Beta float64 `yaml:"beta"`
	} `yaml:"pursuit"`

	// Builder parameters control tile chunking and the intensity gate.
	Builder struct {
		// SubsetSizeXY is the xy side length of the chunks a tile is
		// processed in. Memory only; results are chunk-invariant.
		SubsetSizeXY int `yaml:"subset_size_xy"`

		// PixelMaxPercentile (0-100) gates which pixels are solved at all.
		// A cost/recall trade-off: raising it can drop genuinely dim spots.
		PixelMaxPercentile float64 `yaml:"pixel_max_percentile"`
	} `yaml:"builder"`

	// Shape parameters control spot shape calibration.
	Shape struct {
		// SpotShape is the template size in y, x, z. All odd.
		SpotShape [3]int `yaml:"spot_shape"`

		// MaxSpots caps how many isolated peaks feed the template.
		MaxSpots int `yaml:"spot_shape_max_spots"`

		// IsolationDistanceYX and IsolationDistanceZ define how far a peak
		// must be from any other peak to be used for calibration.
		IsolationDistanceYX float64 `yaml:"shape_isolation_distance_yx"`
		IsolationDistanceZ  float64 `yaml:"shape_isolation_distance_z"`

		// CoefficientThreshold is the minimum peak coefficient used for
		// calibration.
		CoefficientThreshold float64 `yaml:"shape_coefficient_threshold"`

		// SignThresh zeroes template positions with a weaker mean sign.
		SignThresh float64 `yaml:"shape_sign_thresh"`

		// Filepath optionally loads a previously calibrated template
		// instead of calibrating from the first tile.
		Filepath string `yaml:"shape_filepath"`
	} `yaml:"shape"`

	// Detect parameters control spot detection and scoring.
	Detect struct {
		// CoefficientThreshold is the minimum coefficient of a candidate
		// local maximum.
		CoefficientThreshold float64 `yaml:"coefficient_threshold"`

		// RadiusXY and RadiusZ define the suppression neighborhood.
		RadiusXY float64 `yaml:"radius_xy"`
		RadiusZ  float64 `yaml:"radius_z"`

		// HighCoefBias flattens the scoring emphasis on large coefficients.
		HighCoefBias float64 `yaml:"high_coef_bias"`

		// ScoreThreshold discards spots scoring below it.
		ScoreThreshold float64 `yaml:"score_threshold"`
	} `yaml:"detect"`

	// Runtime parameters select the execution strategy. They never affect
	// numeric results.
	Runtime struct {
		// NumCores is the worker count for the parallel backend.
		NumCores int `yaml:"num_cores"`

		// Backend selects the execution backend: "serial" or "parallel".
		Backend string `yaml:"backend"`
	} `yaml:"runtime"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pursuit.WeightCoefFit = true
	cfg.Pursuit.MaxGenes = 5
	cfg.Pursuit.DpThresh = 0.225
	cfg.Pursuit.Alpha = 120
	cfg.Pursuit.Beta = 1

	cfg.Builder.SubsetSizeXY = 300
	cfg.Builder.PixelMaxPercentile = 5

	cfg.Shape.SpotShape = [3]int{9, 9, 5}
	cfg.Shape.MaxSpots = 5000
	cfg.Shape.IsolationDistanceYX = 10
	cfg.Shape.IsolationDistanceZ = 2
	cfg.Shape.CoefficientThreshold = 0.25
	cfg.Shape.SignThresh = 0.15

	cfg.Detect.CoefficientThreshold = 0.25
	cfg.Detect.RadiusXY = 3
	cfg.Detect.RadiusZ = 2
	cfg.Detect.HighCoefBias = 0.4
	cfg.Detect.ScoreThreshold = 0.1

	cfg.Runtime.NumCores = runtime.NumCPU()
	cfg.Runtime.Backend = "parallel"

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration. The result is validated.
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

	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Validate checks every option and returns a ValidationError for the first
// violation found.
func (c *Config) Validate() error {
	if c.Pursuit.MaxGenes < 1 {
		return &ValidationError{Option: "max_genes", Reason: "must be at least 1"}
	}
	if c.Pursuit.DpThresh < 0 {
		return &ValidationError{Option: "dp_thresh", Reason: "must be non-negative"}
	}
	if c.Pursuit.Alpha < 0 {
		return &ValidationError{Option: "alpha", Reason: "must be non-negative"}
	}
	if c.Pursuit.Beta <= 0 {
		return &ValidationError{Option: "beta", Reason: "must be positive"}
	}
	if c.Builder.SubsetSizeXY < 1 {
		return &ValidationError{Option: "subset_size_xy", Reason: "must be at least 1"}
	}
	if c.Builder.PixelMaxPercentile < 0 || c.Builder.PixelMaxPercentile > 100 {
		return &ValidationError{Option: "pixel_max_percentile", Reason: "must be within [0, 100]"}
	}
	for _, d := range c.Shape.SpotShape {
		if d < 1 || d%2 == 0 {
			return &ValidationError{Option: "spot_shape", Reason: "every dimension must be odd and positive"}
		}
	}
	if c.Shape.MaxSpots < 1 {
		return &ValidationError{Option: "spot_shape_max_spots", Reason: "must be at least 1"}
	}
	if c.Shape.IsolationDistanceYX <= 0 {
		return &ValidationError{Option: "shape_isolation_distance_yx", Reason: "must be positive"}
	}
	if c.Shape.IsolationDistanceZ <= 0 {
		return &ValidationError{Option: "shape_isolation_distance_z", Reason: "must be positive"}
	}
	if c.Shape.CoefficientThreshold <= 0 {
		return &ValidationError{Option: "shape_coefficient_threshold", Reason: "must be positive"}
	}
	if c.Shape.SignThresh < 0 || c.Shape.SignThresh > 1 {
		return &ValidationError{Option: "shape_sign_thresh", Reason: "must be within [0, 1]"}
	}
	if c.Detect.CoefficientThreshold <= 0 {
		return &ValidationError{Option: "coefficient_threshold", Reason: "must be positive"}
	}
	if c.Detect.RadiusXY <= 0 {
		return &ValidationError{Option: "radius_xy", Reason: "must be positive"}
	}
	if c.Detect.RadiusZ <= 0 {
		return &ValidationError{Option: "radius_z", Reason: "must be positive"}
	}
	if c.Detect.HighCoefBias <= 0 {
		return &ValidationError{Option: "high_coef_bias", Reason: "must be positive"}
	}
	if c.Detect.ScoreThreshold < 0 || c.Detect.ScoreThreshold > 1 {
		return &ValidationError{Option: "score_threshold", Reason: "must be within [0, 1]"}
	}
	switch c.Runtime.Backend {
	case "serial", "parallel":
	default:
		return &ValidationError{Option: "backend", Reason: `must be "serial" or "parallel"`}
	}
	return nil
}

// Digest returns a stable hex digest of every option that affects results.
// Runtime options are excluded: backend choice never changes the output, so
// switching it must not invalidate checkpoints.
func (c *Config) Digest() (string, error) {
	resultAffecting := *c
	resultAffecting.Runtime.NumCores = 0
	resultAffecting.Runtime.Backend = ""
	data, err := yaml.Marshal(&resultAffecting)
	if err != nil {
		return "", fmt.Errorf("error marshaling config for digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
