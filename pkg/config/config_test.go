package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfigValid verifies the defaults pass their own validation.
func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should validate, got: %v", err)
	}
	if cfg.Pursuit.MaxGenes != 5 {
		t.Errorf("Expected default max_genes 5, got %d", cfg.Pursuit.MaxGenes)
	}
	if cfg.Pursuit.DpThresh != 0.225 {
		t.Errorf("Expected default dp_thresh 0.225, got %g", cfg.Pursuit.DpThresh)
	}
	if cfg.Shape.SpotShape != [3]int{9, 9, 5} {
		t.Errorf("Expected default spot_shape [9 9 5], got %v", cfg.Shape.SpotShape)
	}
}

// TestLoadConfigMissingFile verifies a missing file yields the defaults.
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on a missing file should succeed, got: %v", err)
	}
	if cfg.Pursuit.MaxGenes != DefaultConfig().Pursuit.MaxGenes {
		t.Error("Missing file should yield default values")
	}
}

// TestLoadConfigOverrides verifies YAML values override defaults and the
// untouched options keep theirs.
func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("pursuit:\n  max_genes: 8\n  dp_thresh: 0.3\ndetect:\n  radius_xy: 4.5\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Pursuit.MaxGenes != 8 {
		t.Errorf("Expected max_genes 8, got %d", cfg.Pursuit.MaxGenes)
	}
	if cfg.Pursuit.DpThresh != 0.3 {
		t.Errorf("Expected dp_thresh 0.3, got %g", cfg.Pursuit.DpThresh)
	}
	if cfg.Detect.RadiusXY != 4.5 {
		t.Errorf("Expected radius_xy 4.5, got %g", cfg.Detect.RadiusXY)
	}
	if cfg.Builder.SubsetSizeXY != 300 {
		t.Errorf("Untouched subset_size_xy should keep its default, got %d", cfg.Builder.SubsetSizeXY)
	}
}

// TestLoadConfigInvalid verifies that invalid values in the file are
// rejected with the offending option named.
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pursuit:\n  max_genes: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := LoadConfig(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got: %v", err)
	}
	if verr.Option != "max_genes" {
		t.Errorf("Expected the error to name max_genes, got %q", verr.Option)
	}
}

// TestValidate covers one representative violation per option group.
func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		option string
	}{
		{"negative dp_thresh", func(c *Config) { c.Pursuit.DpThresh = -0.1 }, "dp_thresh"},
		{"zero beta", func(c *Config) { c.Pursuit.Beta = 0 }, "beta"},
		{"negative alpha", func(c *Config) { c.Pursuit.Alpha = -1 }, "alpha"},
		{"zero subset", func(c *Config) { c.Builder.SubsetSizeXY = 0 }, "subset_size_xy"},
		{"percentile above 100", func(c *Config) { c.Builder.PixelMaxPercentile = 101 }, "pixel_max_percentile"},
		{"even spot shape", func(c *Config) { c.Shape.SpotShape = [3]int{9, 8, 5} }, "spot_shape"},
		{"zero max spots", func(c *Config) { c.Shape.MaxSpots = 0 }, "spot_shape_max_spots"},
		{"zero isolation yx", func(c *Config) { c.Shape.IsolationDistanceYX = 0 }, "shape_isolation_distance_yx"},
		{"sign thresh above 1", func(c *Config) { c.Shape.SignThresh = 1.5 }, "shape_sign_thresh"},
		{"zero coefficient threshold", func(c *Config) { c.Detect.CoefficientThreshold = 0 }, "coefficient_threshold"},
		{"zero radius", func(c *Config) { c.Detect.RadiusXY = 0 }, "radius_xy"},
		{"zero bias", func(c *Config) { c.Detect.HighCoefBias = 0 }, "high_coef_bias"},
		{"score threshold above 1", func(c *Config) { c.Detect.ScoreThreshold = 2 }, "score_threshold"},
		{"unknown backend", func(c *Config) { c.Runtime.Backend = "gpu" }, "backend"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got: %v", err)
			}
			if verr.Option != tc.option {
				t.Errorf("Expected option %q, got %q", tc.option, verr.Option)
			}
		})
	}
}

// TestSaveLoadRoundTrip verifies a saved configuration loads back equal.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	original := DefaultConfig()
	original.Pursuit.MaxGenes = 7
	original.Runtime.Backend = "serial"

	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("Configuration changed in round-trip:\n%+v\n%+v", loaded, original)
	}
}

// TestDigest verifies result-affecting options change the digest while
// runtime options do not.
func TestDigest(t *testing.T) {
	base, err := DefaultConfig().Digest()
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}

	same := DefaultConfig()
	same.Runtime.NumCores = 1
	same.Runtime.Backend = "serial"
	gotSame, err := same.Digest()
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if gotSame != base {
		t.Error("Runtime options should not change the digest")
	}

	changed := DefaultConfig()
	changed.Pursuit.DpThresh = 0.3
	gotChanged, err := changed.Digest()
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if gotChanged == base {
		t.Error("Changing dp_thresh should change the digest")
	}
}
