package detect

import (
	"math"
	"testing"

	"genepursuit/internal/models"
)

// newTestVolume builds a volume with the given voxel values.
func newTestVolume(t *testing.T, ny, nx, nz int, values map[[3]int]float64) *models.Volume {
	t.Helper()
	vol := models.NewVolume(models.TileShape{NY: ny, NX: nx, NZ: nz})
	for pos, v := range values {
		vol.Set(pos[0], pos[1], pos[2], v)
	}
	return vol
}

// pointShape is a 1x1x1 template with a single positive center, so a
// position's score depends only on its own coefficient.
func pointShape(t *testing.T) *models.SpotShape {
	t.Helper()
	shape, err := models.NewSpotShape(1, 1, 1)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	shape.Set(0, 0, 0, 1)
	return shape
}

// TestFindLocalMaxima verifies that only voxels not exceeded by any of their
// 26 neighbors survive, and that sub-threshold maxima are dropped.
func TestFindLocalMaxima(t *testing.T) {
	vol := newTestVolume(t, 8, 8, 3, map[[3]int]float64{
		{4, 4, 1}: 5,   // clean peak
		{4, 5, 1}: 4,   // shoulder of the peak, not a maximum
		{1, 1, 0}: 2,   // second peak, far away
		{7, 7, 2}: 0.1, // below threshold
	})

	peaks := FindLocalMaxima(vol, 0.25)

	if len(peaks) != 2 {
		t.Fatalf("Expected 2 peaks, got %d: %+v", len(peaks), peaks)
	}
	// Raster order: z slowest, so the (z=0) peak comes first.
	if peaks[0].Y != 1 || peaks[0].X != 1 || peaks[0].Z != 0 || peaks[0].Value != 2 {
		t.Errorf("Unexpected first peak: %+v", peaks[0])
	}
	if peaks[1].Y != 4 || peaks[1].X != 4 || peaks[1].Z != 1 || peaks[1].Value != 5 {
		t.Errorf("Unexpected second peak: %+v", peaks[1])
	}
}

// TestFindLocalMaximaEdge verifies that voxels on the volume boundary can be
// maxima: out-of-bounds neighbors never veto.
func TestFindLocalMaximaEdge(t *testing.T) {
	vol := newTestVolume(t, 4, 4, 2, map[[3]int]float64{
		{0, 0, 0}: 3,
	})
	peaks := FindLocalMaxima(vol, 0.5)
	if len(peaks) != 1 || peaks[0].Y != 0 || peaks[0].X != 0 || peaks[0].Z != 0 {
		t.Errorf("Expected single corner peak, got %+v", peaks)
	}
}

// TestSuppressPeaks verifies that of two nearby maxima only the larger
// survives, while well-separated maxima are untouched.
func TestSuppressPeaks(t *testing.T) {
	peaks := []Peak{
		{Y: 4, X: 4, Z: 1, Value: 5},
		{Y: 4, X: 6, Z: 1, Value: 3},  // within radius of the 5, dropped
		{Y: 4, X: 20, Z: 1, Value: 3}, // far away, kept
	}
	kept := SuppressPeaks(peaks, 3, 2)

	if len(kept) != 2 {
		t.Fatalf("Expected 2 surviving peaks, got %d: %+v", len(kept), kept)
	}
	if kept[0].Value != 5 || kept[0].X != 4 {
		t.Errorf("Expected the larger peak to survive, got %+v", kept[0])
	}
	if kept[1].X != 20 {
		t.Errorf("Expected the distant peak to survive, got %+v", kept[1])
	}
}

// TestSuppressPeaksTie verifies the deterministic tie-break: of two
// equal-valued peaks in range, the one with the smaller raster index wins.
func TestSuppressPeaksTie(t *testing.T) {
	peaks := []Peak{
		{Y: 2, X: 2, Z: 0, Value: 4},
		{Y: 2, X: 4, Z: 0, Value: 4},
	}
	kept := SuppressPeaks(peaks, 3, 2)

	if len(kept) != 1 {
		t.Fatalf("Expected exactly 1 survivor of the tied pair, got %d", len(kept))
	}
	if kept[0].X != 2 {
		t.Errorf("Expected the earlier peak to win the tie, got %+v", kept[0])
	}
}

// TestSuppressPeaksAnisotropic verifies that the z radius is applied
// separately from the xy radius: peaks aligned in z beyond RadiusZ never
// suppress each other even when their xy distance is zero.
func TestSuppressPeaksAnisotropic(t *testing.T) {
	peaks := []Peak{
		{Y: 4, X: 4, Z: 0, Value: 5},
		{Y: 4, X: 4, Z: 4, Value: 3},
	}
	kept := SuppressPeaks(peaks, 3, 2)
	if len(kept) != 2 {
		t.Errorf("Peaks separated in z beyond the radius should both survive, got %+v", kept)
	}

	kept = SuppressPeaks(peaks, 3, 5)
	if len(kept) != 1 || kept[0].Value != 5 {
		t.Errorf("Widening the z radius should suppress the smaller peak, got %+v", kept)
	}
}

// TestSuppressPeaksProperty verifies the postcondition on a grid of peaks:
// no survivor has a strictly larger survivor within its neighborhood.
func TestSuppressPeaksProperty(t *testing.T) {
	var peaks []Peak
	for y := 0; y < 10; y += 2 {
		for x := 0; x < 10; x += 2 {
			peaks = append(peaks, Peak{Y: y, X: x, Z: 0, Value: float64((y*7+x*3)%11) + 1})
		}
	}
	radiusXY, radiusZ := 3.0, 2.0
	kept := SuppressPeaks(peaks, radiusXY, radiusZ)

	if len(kept) == 0 {
		t.Fatal("Suppression should never remove every peak")
	}
	for _, p := range kept {
		for _, q := range kept {
			if p == q || q.Value <= p.Value {
				continue
			}
			dy := float64(q.Y - p.Y)
			dx := float64(q.X - p.X)
			dz := float64(q.Z - p.Z)
			if dy*dy+dx*dx <= radiusXY*radiusXY && dz*dz <= radiusZ*radiusZ {
				t.Errorf("Survivor %+v is dominated by survivor %+v", p, q)
			}
		}
	}
}

// TestScorePosition verifies the scoring formula on a hand-computed case.
func TestScorePosition(t *testing.T) {
	shape, err := models.NewSpotShape(3, 3, 1)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	shape.Set(0, 0, 0, 1)
	shape.Set(0, 1, 0, 1)
	shape.Set(0, -1, 0, -1)

	vol := newTestVolume(t, 8, 8, 1, map[[3]int]float64{
		{4, 4, 0}: 2,    // center, transforms to 2/(2+0.5) = 0.8
		{4, 5, 0}: 0.5,  // positive template, 0.5/(0.5+0.5) = 0.5
		{4, 3, 0}: -1.0, // negative coefficient contributes zero
	})

	got := ScorePosition(vol, shape, 4, 4, 0, 0.5)
	want := (0.8 + 0.5) / 2 // two positive template positions
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected score %g, got %g", want, got)
	}
}

// TestScorePositionNegativeContribution verifies that positive coefficients
// under a negative template position reduce the score, and that the result
// is clamped at zero.
func TestScorePositionNegativeContribution(t *testing.T) {
	shape, err := models.NewSpotShape(3, 3, 1)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	shape.Set(0, 0, 0, 1)
	shape.Set(0, -1, 0, -1)

	vol := newTestVolume(t, 8, 8, 1, map[[3]int]float64{
		{4, 4, 0}: 0.1,
		{4, 3, 0}: 5, // large positive value under the negative position
	})

	got := ScorePosition(vol, shape, 4, 4, 0, 0.5)
	if got != 0 {
		t.Errorf("Expected score clamped to 0, got %g", got)
	}
}

// TestScorePositionBounds verifies the score never leaves [0, 1], including
// for positions whose template window hangs off the volume edge.
func TestScorePositionBounds(t *testing.T) {
	shape, err := models.NewSpotShape(3, 3, 3)
	if err != nil {
		t.Fatalf("Failed to build template: %v", err)
	}
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				shape.Set(dy, dx, dz, 1)
			}
		}
	}

	vol := models.NewVolume(models.TileShape{NY: 4, NX: 4, NZ: 3})
	for p := range vol.Data {
		vol.Data[p] = 100 // saturating coefficients
	}

	for _, pos := range [][3]int{{0, 0, 0}, {2, 2, 1}, {3, 3, 2}} {
		got := ScorePosition(vol, shape, pos[0], pos[1], pos[2], 0.4)
		if got < 0 || got > 1 {
			t.Errorf("Score at %v out of bounds: %g", pos, got)
		}
	}
}

// TestDetectSpots runs the full chain: two nearby maxima where only the
// larger survives suppression and passes the score threshold.
func TestDetectSpots(t *testing.T) {
	vol := newTestVolume(t, 16, 16, 3, map[[3]int]float64{
		{8, 8, 1}:  5,
		{8, 10, 1}: 3, // suppressed by the 5
		{2, 2, 1}:  2, // independent spot
	})

	spots := DetectSpots(vol, pointShape(t), 7, 3, Params{
		CoefficientThreshold: 0.25,
		RadiusXY:             3,
		RadiusZ:              2,
		HighCoefBias:         0.4,
		ScoreThreshold:       0.1,
	})

	if len(spots) != 2 {
		t.Fatalf("Expected 2 spots, got %d: %+v", len(spots), spots)
	}
	// Descending score order; a larger coefficient scores higher.
	if spots[0].Y != 8 || spots[0].X != 8 || spots[0].Coefficient != 5 {
		t.Errorf("Unexpected first spot: %+v", spots[0])
	}
	if spots[1].Y != 2 || spots[1].X != 2 || spots[1].Coefficient != 2 {
		t.Errorf("Unexpected second spot: %+v", spots[1])
	}
	for _, s := range spots {
		if s.Tile != 7 || s.Gene != 3 {
			t.Errorf("Spot carries wrong identity: %+v", s)
		}
		want := s.Coefficient / (s.Coefficient + 0.4)
		if math.Abs(s.Score-want) > 1e-12 {
			t.Errorf("Spot %+v: expected score %g", s, want)
		}
	}
}

// TestDetectSpotsScoreThreshold verifies that low-scoring candidates are
// dropped.
func TestDetectSpotsScoreThreshold(t *testing.T) {
	vol := newTestVolume(t, 8, 8, 1, map[[3]int]float64{
		{4, 4, 0}: 0.3, // transforms to 0.3/0.7 = 0.43
	})

	spots := DetectSpots(vol, pointShape(t), 0, 0, Params{
		CoefficientThreshold: 0.25,
		RadiusXY:             3,
		RadiusZ:              2,
		HighCoefBias:         0.4,
		ScoreThreshold:       0.9,
	})
	if len(spots) != 0 {
		t.Errorf("Expected candidate below score threshold to be dropped, got %+v", spots)
	}
}

// TestIsolatedPeaks verifies that only peaks with an empty isolation
// neighborhood survive.
func TestIsolatedPeaks(t *testing.T) {
	peaks := []Peak{
		{Y: 2, X: 2, Z: 0, Value: 1},
		{Y: 2, X: 3, Z: 0, Value: 1},   // crowds the first
		{Y: 10, X: 10, Z: 0, Value: 1}, // isolated
	}
	isolated := IsolatedPeaks(peaks, 2, 2)
	if len(isolated) != 1 {
		t.Fatalf("Expected 1 isolated peak, got %d: %+v", len(isolated), isolated)
	}
	if isolated[0].Y != 10 || isolated[0].X != 10 {
		t.Errorf("Unexpected isolated peak: %+v", isolated[0])
	}
}
