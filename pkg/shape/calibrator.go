// Package shape learns the canonical 3D sign template of a true spot from
// well-isolated, high-confidence coefficient peaks on a reference tile. The
// template is calibrated once per run and then treated as a read-only
// constant by spot scoring.
package shape

import (
	"fmt"
	"sort"

	"genepursuit/internal/models"
	"genepursuit/pkg/detect"
)

// MinSpots is the minimum viable number of isolated peaks calibration needs.
// Below this the template would be dominated by noise from a handful of
// examples, so calibration fails explicitly instead.
const MinSpots = 10

// InsufficientSpotsError reports that too few isolated peaks were found to
// calibrate a trustworthy template. Callers decide whether to abort the run
// or substitute a shape from a previous run; calibration never silently
// falls back to an empty template, because an all-zero template would score
// every spot zero and mask the underlying data problem.
type InsufficientSpotsError struct {
	// Found is how many usable isolated peaks were collected.
	Found int

	// Required is the minimum viable count.
	Required int
}

func (e *InsufficientSpotsError) Error() string {
	return fmt.Sprintf("spot shape calibration found %d isolated peaks, need at least %d", e.Found, e.Required)
}

// Params are the calibration parameters.
type Params struct {
	// SizeY, SizeX, SizeZ are the template dimensions, each odd.
	SizeY, SizeX, SizeZ int

	// MaxSpots caps how many peaks contribute to the template; the
	// highest-coefficient peaks are used first.
	MaxSpots int

	// IsolationDistanceYX and IsolationDistanceZ define how far a peak must
	// be from any other peak to count as isolated.
	IsolationDistanceYX, IsolationDistanceZ float64

	// CoefficientThreshold is the minimum coefficient for a peak to be
	// considered at all.
	CoefficientThreshold float64

	// SignThreshold zeroes template positions whose mean sign magnitude
	// falls below it; the rest round to the dominant sign.
	SignThreshold float64
}

// candidate ties a peak to the volume it came from, for window extraction.
type candidate struct {
	vol  *models.Volume
	gene int
	peak detect.Peak
}

// Calibrate learns the spot shape template from the given per-gene
// coefficient volumes (typically the first processed tile's ordinary genes).
// It returns the template and the number of peaks that contributed. Fewer
// than MinSpots usable peaks yields an InsufficientSpotsError.
func Calibrate(volumes []*models.Volume, genes []int, p Params) (*models.SpotShape, int, error) {
	template, err := models.NewSpotShape(p.SizeY, p.SizeX, p.SizeZ)
	if err != nil {
		return nil, 0, err
	}

	// Collect isolated peaks per gene. Isolation is judged within one
	// gene's own candidate set: each coefficient volume is an independent
	// field, and a neighbor from another gene does not contaminate the sign
	// window extracted here.
	var candidates []candidate
	for _, g := range genes {
		vol := volumes[g]
		peaks := detect.FindLocalMaxima(vol, p.CoefficientThreshold)
		for _, peak := range detect.IsolatedPeaks(peaks, p.IsolationDistanceYX, p.IsolationDistanceZ) {
			candidates = append(candidates, candidate{vol: vol, gene: g, peak: peak})
		}
	}

	// Strongest peaks first; ties resolve by gene then raster position so
	// calibration is deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].peak.Value > candidates[j].peak.Value
	})
	if len(candidates) > p.MaxSpots {
		candidates = candidates[:p.MaxSpots]
	}
	if len(candidates) < MinSpots {
		return nil, len(candidates), &InsufficientSpotsError{Found: len(candidates), Required: MinSpots}
	}

	// Average the coefficient signs across every collected window. Windows
	// reaching past the tile edge read zeros there.
	hy, hx, hz := p.SizeY/2, p.SizeX/2, p.SizeZ/2
	sums := make([]float64, p.SizeY*p.SizeX*p.SizeZ)
	for _, c := range candidates {
		i := 0
		for dz := -hz; dz <= hz; dz++ {
			for dy := -hy; dy <= hy; dy++ {
				for dx := -hx; dx <= hx; dx++ {
					v := c.vol.At(c.peak.Y+dy, c.peak.X+dx, c.peak.Z+dz)
					switch {
					case v > 0:
						sums[i]++
					case v < 0:
						sums[i]--
					}
					i++
				}
			}
		}
	}

	n := float64(len(candidates))
	i := 0
	for dz := -hz; dz <= hz; dz++ {
		for dy := -hy; dy <= hy; dy++ {
			for dx := -hx; dx <= hx; dx++ {
				mean := sums[i] / n
				i++
				switch {
				case mean >= p.SignThreshold:
					template.Set(dy, dx, dz, 1)
				case mean <= -p.SignThreshold:
					template.Set(dy, dx, dz, -1)
				}
			}
		}
	}

	return template, len(candidates), nil
}
