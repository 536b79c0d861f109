package volume

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"genepursuit/internal/models"
	"genepursuit/pkg/pursuit"
)

// Config are the builder's tuning parameters.
type Config struct {
	// SubsetSizeXY is the side length of the square xy chunks a tile is
	// processed in. Chunking caps peak memory and never changes results.
	SubsetSizeXY int

	// PixelMaxPercentile is the percentile (0-100) of the tile's intensity
	// distribution a pixel must exceed to be solved at all. This gate is a
	// cost-saving policy, not a correctness one: raising it can suppress
	// genuinely dim true spots. Pixels below the gate get zero coefficients
	// for every gene.
	PixelMaxPercentile float64
}

// TileCoefficients is the builder's output for one tile: a dense coefficient
// volume per dictionary code plus gate bookkeeping.
type TileCoefficients struct {
	// Tile is the tile index.
	Tile int

	// Volumes holds one coefficient volume per dictionary code, background
	// codes included.
	Volumes []*models.Volume

	// GateThreshold is the intensity value pixels had to exceed.
	GateThreshold float64

	// SolvedPixels counts pixels that passed the gate and ran pursuit.
	SolvedPixels int
}

// Builder assembles per-gene coefficient volumes for whole tiles by running
// the pursuit solver over every gated pixel.
type Builder struct {
	source  PixelSource
	solver  *pursuit.Solver
	backend Backend
	dict    *models.Dictionary
	cfg     Config
}

// NewBuilder wires a builder from its collaborators.
func NewBuilder(source PixelSource, dict *models.Dictionary, solver *pursuit.Solver, backend Backend, cfg Config) *Builder {
	return &Builder{
		source:  source,
		solver:  solver,
		backend: backend,
		dict:    dict,
		cfg:     cfg,
	}
}

// MaxIntensity is the scalar intensity gate statistic for one pixel vector:
// the median, across rounds, of the per-round maximum absolute channel
// intensity.
func MaxIntensity(vec []float64, rounds, channels int) float64 {
	roundMax := make([]float64, rounds)
	for r := 0; r < rounds; r++ {
		maxAbs := 0.0
		for c := 0; c < channels; c++ {
			if a := math.Abs(vec[r*channels+c]); a > maxAbs {
				maxAbs = a
			}
		}
		roundMax[r] = maxAbs
	}
	sort.Float64s(roundMax)
	return stat.Quantile(0.5, stat.Empirical, roundMax, nil)
}

// BuildTile runs the gate and solver over one tile and assembles its
// coefficient volumes. Chunk boundaries have no effect on per-pixel results;
// they only bound memory.
func (b *Builder) BuildTile(ctx context.Context, tile int) (*TileCoefficients, error) {
	shape := b.source.TileShape()
	rounds, channels := b.source.Rounds(), b.source.Channels()

	gate, err := b.gateThreshold(ctx, tile, shape, rounds, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to compute gate threshold for tile %d: %w", tile, err)
	}

	out := &TileCoefficients{
		Tile:          tile,
		Volumes:       make([]*models.Volume, b.dict.NumGenes()),
		GateThreshold: gate,
	}
	for g := range out.Volumes {
		out.Volumes[g] = models.NewVolume(shape)
	}

	step := b.cfg.SubsetSizeXY
	if step < 1 {
		step = shape.NX
	}
	for y0 := 0; y0 < shape.NY; y0 += step {
		y1 := y0 + step
		if y1 > shape.NY {
			y1 = shape.NY
		}
		for x0 := 0; x0 < shape.NX; x0 += step {
			x1 := x0 + step
			if x1 > shape.NX {
				x1 = shape.NX
			}
			region := models.Region{Y0: y0, Y1: y1, X0: x0, X1: x1, Z0: 0, Z1: shape.NZ}
			if err := b.buildChunk(ctx, tile, region, gate, out); err != nil {
				return nil, fmt.Errorf("failed to process chunk y=%d x=%d of tile %d: %w", y0, x0, tile, err)
			}
		}
	}
	return out, nil
}

// buildChunk solves one spatial chunk and scatters the coefficients into the
// tile volumes.
func (b *Builder) buildChunk(ctx context.Context, tile int, region models.Region, gate float64, out *TileCoefficients) error {
	vectors, err := b.source.ReadRegion(ctx, tile, region)
	if err != nil {
		return err
	}
	rounds, channels := b.source.Rounds(), b.source.Channels()

	// Gather the gated pixels into a batch, remembering where each came from.
	batch := make([][]float64, 0, len(vectors))
	positions := make([]int, 0, len(vectors))
	i := 0
	for z := region.Z0; z < region.Z1; z++ {
		for y := region.Y0; y < region.Y1; y++ {
			for x := region.X0; x < region.X1; x++ {
				vec := vectors[i]
				i++
				if MaxIntensity(vec, rounds, channels) <= gate {
					continue
				}
				batch = append(batch, vec)
				positions = append(positions, out.Volumes[0].Index(y, x, z))
			}
		}
	}
	if len(batch) == 0 {
		return nil
	}

	results, err := b.backend.SolveBatch(ctx, b.solver, batch)
	if err != nil {
		return err
	}

	for p, res := range results {
		for _, a := range res.Assignments {
			out.Volumes[a.Gene].Data[positions[p]] = a.Coefficient
		}
	}
	out.SolvedPixels += len(batch)
	return nil
}

// gateThreshold estimates the tile's intensity gate from a representative
// subset: the central z plane. The returned value is the configured
// percentile of that plane's MaxIntensity distribution.
func (b *Builder) gateThreshold(ctx context.Context, tile int, shape models.TileShape, rounds, channels int) (float64, error) {
	zMid := shape.NZ / 2
	region := models.Region{Y0: 0, Y1: shape.NY, X0: 0, X1: shape.NX, Z0: zMid, Z1: zMid + 1}
	vectors, err := b.source.ReadRegion(ctx, tile, region)
	if err != nil {
		return 0, err
	}

	stats := make([]float64, len(vectors))
	for i, vec := range vectors {
		stats[i] = MaxIntensity(vec, rounds, channels)
	}
	sort.Float64s(stats)
	return stat.Quantile(b.cfg.PixelMaxPercentile/100, stat.Empirical, stats, nil), nil
}
