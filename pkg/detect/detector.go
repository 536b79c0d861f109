// Package detect turns per-gene coefficient volumes into discrete, scored
// gene calls. Detection finds local coefficient maxima, suppresses maxima
// dominated by a larger neighbor, and scores the survivors against the
// calibrated spot shape template.
package detect

import (
	"sort"

	"genepursuit/internal/models"
)

// Params are the detection and scoring parameters.
type Params struct {
	// CoefficientThreshold is the minimum coefficient for a local maximum to
	// become a candidate.
	CoefficientThreshold float64

	// RadiusXY and RadiusZ define the suppression neighborhood: a candidate
	// is discarded when a larger maximum lies within RadiusXY in the xy
	// plane and RadiusZ along z.
	RadiusXY, RadiusZ float64

	// HighCoefBias flattens the emphasis on large coefficients during
	// scoring: each positive coefficient c maps to c/(c+HighCoefBias).
	HighCoefBias float64

	// ScoreThreshold discards candidates scoring below it.
	ScoreThreshold float64
}

// Peak is one local coefficient maximum.
type Peak struct {
	// Y, X, Z is the peak position in tile-local voxel coordinates.
	Y, X, Z int

	// Value is the coefficient at the peak.
	Value float64
}

// FindLocalMaxima returns every voxel at or above threshold whose value is
// not exceeded by any of its 26 spatial neighbors. Peaks are returned in
// raster order, which later stages rely on for deterministic tie-breaking.
// Equal-valued neighbors can both appear here; suppression resolves ties.
func FindLocalMaxima(vol *models.Volume, threshold float64) []Peak {
	var peaks []Peak
	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				v := vol.Data[vol.Index(y, x, z)]
				if v < threshold {
					continue
				}
				if isLocalMax(vol, y, x, z, v) {
					peaks = append(peaks, Peak{Y: y, X: x, Z: z, Value: v})
				}
			}
		}
	}
	return peaks
}

// isLocalMax reports whether v at (y, x, z) is >= every in-bounds neighbor.
func isLocalMax(vol *models.Volume, y, x, z int, v float64) bool {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dy == 0 && dx == 0 && dz == 0 {
					continue
				}
				ny, nx, nz := y+dy, x+dx, z+dz
				if ny < 0 || ny >= vol.NY || nx < 0 || nx >= vol.NX || nz < 0 || nz >= vol.NZ {
					continue
				}
				if vol.Data[vol.Index(ny, nx, nz)] > v {
					return false
				}
			}
		}
	}
	return true
}

// SuppressPeaks removes every peak that has a strictly larger peak, or an
// equal-valued peak with a smaller raster index, within the anisotropic
// suppression neighborhood. At most one of any tied pair survives. The input
// must be in raster order, as produced by FindLocalMaxima.
func SuppressPeaks(peaks []Peak, radiusXY, radiusZ float64) []Peak {
	if len(peaks) < 2 {
		return peaks
	}
	index := newPeakIndex(peaks, radiusXY, radiusZ)

	kept := make([]Peak, 0, len(peaks))
	for i, p := range peaks {
		dominated := false
		for _, j := range index.within(i) {
			q := peaks[j]
			if q.Value > p.Value || (q.Value == p.Value && j < i) {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, p)
		}
	}
	return kept
}

// ScorePosition scores one candidate position against the calibrated spot
// shape. Each positive coefficient in the template window is transformed to
// c/(c+bias), non-positive coefficients contribute zero, and the transformed
// values are averaged with the template signs as weights. The result is
// clamped to [0, 1]; positions outside the volume read as zero coefficient.
func ScorePosition(vol *models.Volume, shape *models.SpotShape, y, x, z int, bias float64) float64 {
	hy, hx, hz := shape.NY/2, shape.NX/2, shape.NZ/2
	sum := 0.0
	positive := 0
	for dz := -hz; dz <= hz; dz++ {
		for dy := -hy; dy <= hy; dy++ {
			for dx := -hx; dx <= hx; dx++ {
				s := shape.At(dy, dx, dz)
				if s == 0 {
					continue
				}
				if s > 0 {
					positive++
				}
				c := vol.At(y+dy, x+dx, z+dz)
				if c <= 0 {
					continue
				}
				sum += float64(s) * c / (c + bias)
			}
		}
	}
	if positive == 0 {
		return 0
	}
	score := sum / float64(positive)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DetectSpots runs the full candidate/suppress/score chain over one gene's
// coefficient volume and returns the surviving scored spots, ordered by
// descending score then raster position.
func DetectSpots(vol *models.Volume, shape *models.SpotShape, tile, gene int, p Params) []models.Spot {
	peaks := SuppressPeaks(FindLocalMaxima(vol, p.CoefficientThreshold), p.RadiusXY, p.RadiusZ)

	spots := make([]models.Spot, 0, len(peaks))
	for _, peak := range peaks {
		score := ScorePosition(vol, shape, peak.Y, peak.X, peak.Z, p.HighCoefBias)
		if score < p.ScoreThreshold {
			continue
		}
		spots = append(spots, models.Spot{
			Tile:        tile,
			Gene:        gene,
			Y:           peak.Y,
			X:           peak.X,
			Z:           peak.Z,
			Coefficient: peak.Value,
			Score:       score,
		})
	}
	sort.SliceStable(spots, func(i, j int) bool { return spots[i].Score > spots[j].Score })
	return spots
}
