package shape

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"genepursuit/internal/models"
)

// plantSpot writes a stereotyped spot into a volume: a positive peak with a
// positive plus-shaped xy halo and a negative voxel left of center.
func plantSpot(vol *models.Volume, y, x, z int, amp float64) {
	vol.Set(y, x, z, amp)
	vol.Set(y+1, x, z, amp/2)
	vol.Set(y-1, x, z, amp/2)
	vol.Set(y, x+1, z, amp/2)
	vol.Set(y, x-2, z, -amp/4)
}

// calibrationFixture builds one coefficient volume holding n well-separated
// identical spots and the matching calibration parameters.
func calibrationFixture(n int) ([]*models.Volume, []int, Params) {
	shape := models.TileShape{NY: 64, NX: 64, NZ: 5}
	vol := models.NewVolume(shape)
	placed := 0
	for y := 8; y < shape.NY-8 && placed < n; y += 12 {
		for x := 8; x < shape.NX-8 && placed < n; x += 12 {
			plantSpot(vol, y, x, 2, 1+float64(placed)*0.1)
			placed++
		}
	}
	p := Params{
		SizeY: 5, SizeX: 5, SizeZ: 3,
		MaxSpots:             100,
		IsolationDistanceYX:  4,
		IsolationDistanceZ:   2,
		CoefficientThreshold: 0.25,
		SignThreshold:        0.6,
	}
	return []*models.Volume{vol}, []int{0}, p
}

// TestCalibrate verifies that identical planted spots produce the expected
// sign template: +1 where every spot is positive, -1 where every spot is
// negative, 0 elsewhere.
func TestCalibrate(t *testing.T) {
	volumes, genes, p := calibrationFixture(12)

	template, used, err := Calibrate(volumes, genes, p)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if used != 12 {
		t.Errorf("Expected 12 contributing peaks, got %d", used)
	}

	if got := template.At(0, 0, 0); got != 1 {
		t.Errorf("Center should be +1, got %d", got)
	}
	for _, off := range [][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}} {
		if got := template.At(off[0], off[1], off[2]); got != 1 {
			t.Errorf("Halo offset %v should be +1, got %d", off, got)
		}
	}
	if got := template.At(0, -2, 0); got != -1 {
		t.Errorf("Offset (0,-2,0) should be -1, got %d", got)
	}
	// A position that is zero in every spot stays zero.
	if got := template.At(2, 2, 1); got != 0 {
		t.Errorf("Empty offset should be 0, got %d", got)
	}
}

// TestCalibrateInsufficientSpots verifies the explicit failure when too few
// isolated peaks exist.
func TestCalibrateInsufficientSpots(t *testing.T) {
	volumes, genes, p := calibrationFixture(MinSpots - 1)

	_, found, err := Calibrate(volumes, genes, p)
	if err == nil {
		t.Fatal("Expected calibration to fail with too few peaks")
	}
	var insufficient *InsufficientSpotsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientSpotsError, got %v", err)
	}
	if insufficient.Found != MinSpots-1 || insufficient.Required != MinSpots {
		t.Errorf("Unexpected error detail: %+v", insufficient)
	}
	if found != MinSpots-1 {
		t.Errorf("Expected found count %d, got %d", MinSpots-1, found)
	}
}

// TestCalibrateCrowdedPeaksExcluded verifies that peaks with a neighbor
// inside the isolation distance never contribute.
func TestCalibrateCrowdedPeaksExcluded(t *testing.T) {
	volumes, genes, p := calibrationFixture(12)

	// Add a crowded pair: two peaks 2 apart with isolation distance 4.
	// Neither is isolated, so the contributing count must stay at 12.
	vol := volumes[0]
	vol.Set(8, 56, 2, 3)
	vol.Set(8, 58, 2, 3)

	_, used, err := Calibrate(volumes, genes, p)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if used != 12 {
		t.Errorf("Expected crowded peaks to be excluded, got %d contributors", used)
	}
}

// TestCalibrateMaxSpotsCap verifies that only the strongest MaxSpots peaks
// contribute.
func TestCalibrateMaxSpotsCap(t *testing.T) {
	volumes, genes, p := calibrationFixture(15)
	p.MaxSpots = 11

	_, used, err := Calibrate(volumes, genes, p)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if used != 11 {
		t.Errorf("Expected exactly MaxSpots contributors, got %d", used)
	}
}

// TestCalibrateSignThreshold verifies that a position with an inconsistent
// sign across spots is zeroed.
func TestCalibrateSignThreshold(t *testing.T) {
	volumes, genes, p := calibrationFixture(12)
	vol := volumes[0]

	// Flip the (0, +1, 0) halo voxel negative for half the spots. The mean
	// sign there drops to 0, well under the 0.6 threshold.
	flipped := 0
	for y := 8; y < 56 && flipped < 6; y += 12 {
		for x := 8; x < 56 && flipped < 6; x += 12 {
			if vol.At(y, x, 2) > 0 && vol.At(y, x+1, 2) > 0 {
				vol.Set(y, x+1, 2, -0.1)
				flipped++
			}
		}
	}
	if flipped != 6 {
		t.Fatalf("Fixture mismatch: flipped %d halo voxels", flipped)
	}

	template, _, err := Calibrate(volumes, genes, p)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if got := template.At(0, 1, 0); got != 0 {
		t.Errorf("Inconsistent position should be zeroed, got %d", got)
	}
	if got := template.At(0, 0, 0); got != 1 {
		t.Errorf("Center should stay +1, got %d", got)
	}
}

// TestCalibrateBadDimensions verifies that even template dimensions are
// rejected up front.
func TestCalibrateBadDimensions(t *testing.T) {
	volumes, genes, p := calibrationFixture(12)
	p.SizeX = 4
	if _, _, err := Calibrate(volumes, genes, p); err == nil {
		t.Error("Expected an error for even template dimensions")
	}
}

// TestSaveLoadRoundTrip verifies the shape file round-trip.
func TestSaveLoadRoundTrip(t *testing.T) {
	original, err := models.NewSpotShape(5, 5, 3)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	original.Set(0, 0, 0, 1)
	original.Set(1, 0, 0, 1)
	original.Set(0, -2, 0, -1)
	original.Set(-2, 2, 1, -1)

	path := filepath.Join(t.TempDir(), "shape.gpsh")
	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.NY != original.NY || loaded.NX != original.NX || loaded.NZ != original.NZ {
		t.Fatalf("Dimensions changed in round-trip: %dx%dx%d", loaded.NY, loaded.NX, loaded.NZ)
	}
	for i := range original.Data {
		if loaded.Data[i] != original.Data[i] {
			t.Errorf("Template value %d changed in round-trip: %d != %d",
				i, loaded.Data[i], original.Data[i])
		}
	}
}

// TestLoadRejectsGarbage verifies that non-shape files are rejected.
func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.gpsh")
	if err := Save(path, mustShape(t)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Overwrite the magic bytes.
	if err := os.WriteFile(path, []byte("NOPE this is not a shape file"), 0644); err != nil {
		t.Fatalf("Failed to overwrite file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected Load to reject a non-shape file")
	}
}

func mustShape(t *testing.T) *models.SpotShape {
	t.Helper()
	s, err := models.NewSpotShape(3, 3, 1)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	return s
}
