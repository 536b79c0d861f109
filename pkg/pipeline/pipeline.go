// Package pipeline drives the whole gene-assignment job: tile by tile it
// gates and solves pixels into coefficient volumes, calibrates the spot
// shape once, detects and scores spots, and checkpoints each completed tile
// so an interrupted run resumes where it left off.
package pipeline

import (
	"context"
	"fmt"
	"log"

	"genepursuit/internal/models"
	"genepursuit/pkg/checkpoint"
	"genepursuit/pkg/config"
	"genepursuit/pkg/detect"
	"genepursuit/pkg/pursuit"
	"genepursuit/pkg/shape"
	"genepursuit/pkg/volume"
)

// Pipeline runs the full job over every tile of a pixel source.
//
// The processing steps per tile are:
//  1. Gate pixels by intensity and compute pursuit coefficients
//  2. Calibrate the spot shape (first processed tile only)
//  3. Detect and score spots on every ordinary gene's volume
//  4. Persist the tile's volumes and spots atomically
type Pipeline struct {
	cfg     *config.Config
	dict    *models.Dictionary
	source  volume.PixelSource
	store   *checkpoint.Store
	solver  *pursuit.Solver
	builder *volume.Builder

	// spotShape is nil until calibrated or loaded; read-only afterwards.
	spotShape *models.SpotShape

	// spots accumulates every tile's calls, completed checkpoints included.
	spots []models.Spot
}

// New wires a pipeline from its collaborators. The configuration must have
// been validated already; New validates it again defensively since a
// misconfigured run is fatal anyway.
func New(cfg *config.Config, dict *models.Dictionary, source volume.PixelSource, store *checkpoint.Store) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dict.VectorLen() != source.Rounds()*source.Channels() {
		return nil, fmt.Errorf("dictionary covers %d rounds x %d channels but source supplies %dx%d",
			dict.Rounds, dict.Channels, source.Rounds(), source.Channels())
	}

	solver := pursuit.NewSolver(dict, pursuit.Params{
		MaxGenes:            cfg.Pursuit.MaxGenes,
		DotProductThreshold: cfg.Pursuit.DpThresh,
		Alpha:               cfg.Pursuit.Alpha,
		Beta:                cfg.Pursuit.Beta,
		WeightCoefFit:       cfg.Pursuit.WeightCoefFit,
	})

	var backend volume.Backend
	switch cfg.Runtime.Backend {
	case "serial":
		backend = volume.SerialBackend{}
	default:
		backend = volume.ParallelBackend{Workers: cfg.Runtime.NumCores}
	}

	builder := volume.NewBuilder(source, dict, solver, backend, volume.Config{
		SubsetSizeXY:       cfg.Builder.SubsetSizeXY,
		PixelMaxPercentile: cfg.Builder.PixelMaxPercentile,
	})

	return &Pipeline{
		cfg:     cfg,
		dict:    dict,
		source:  source,
		store:   store,
		solver:  solver,
		builder: builder,
	}, nil
}

// Run processes every tile in order, skipping tiles already checkpointed.
// Cancellation is honored at tile granularity: an in-flight tile's partial
// work is discarded and recomputed on the next run.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.loadShape(); err != nil {
		return err
	}

	numTiles := p.source.NumTiles()
	for t := 0; t < numTiles; t++ {
		if p.store.HasTile(t) {
			rec, err := p.store.ReadTile(t)
			if err != nil {
				return fmt.Errorf("failed to resume from tile %d: %w", t, err)
			}
			p.spots = append(p.spots, rec.Spots...)
			fmt.Printf("Tile %d/%d: already completed, skipping\n", t+1, numTiles)
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processTile(ctx, t, numTiles); err != nil {
			return err
		}
	}

	fmt.Printf("All %d tiles complete: %d spots, %d degenerate refits recovered\n",
		numTiles, len(p.spots), p.solver.DegenerateRefits())
	return nil
}

// processTile runs the per-tile steps and checkpoints the result.
func (p *Pipeline) processTile(ctx context.Context, tile, numTiles int) error {
	fmt.Printf("Tile %d/%d: computing coefficients...\n", tile+1, numTiles)
	coeffs, err := p.builder.BuildTile(ctx, tile)
	if err != nil {
		return fmt.Errorf("failed to build coefficient volumes for tile %d: %w", tile, err)
	}
	log.Printf("tile %d: solved %d pixels above gate %.4f", tile, coeffs.SolvedPixels, coeffs.GateThreshold)

	if p.spotShape == nil {
		fmt.Printf("Tile %d/%d: calibrating spot shape...\n", tile+1, numTiles)
		sh, used, err := shape.Calibrate(coeffs.Volumes, p.dict.OrdinaryGenes(), shape.Params{
			SizeY:                p.cfg.Shape.SpotShape[0],
			SizeX:                p.cfg.Shape.SpotShape[1],
			SizeZ:                p.cfg.Shape.SpotShape[2],
			MaxSpots:             p.cfg.Shape.MaxSpots,
			IsolationDistanceYX:  p.cfg.Shape.IsolationDistanceYX,
			IsolationDistanceZ:   p.cfg.Shape.IsolationDistanceZ,
			CoefficientThreshold: p.cfg.Shape.CoefficientThreshold,
			SignThreshold:        p.cfg.Shape.SignThresh,
		})
		if err != nil {
			return fmt.Errorf("spot shape calibration on tile %d failed: %w", tile, err)
		}
		log.Printf("tile %d: spot shape calibrated from %d isolated peaks", tile, used)
		if err := p.store.WriteShape(sh); err != nil {
			return err
		}
		p.spotShape = sh
	}

	fmt.Printf("Tile %d/%d: detecting and scoring spots...\n", tile+1, numTiles)
	detectParams := detect.Params{
		CoefficientThreshold: p.cfg.Detect.CoefficientThreshold,
		RadiusXY:             p.cfg.Detect.RadiusXY,
		RadiusZ:              p.cfg.Detect.RadiusZ,
		HighCoefBias:         p.cfg.Detect.HighCoefBias,
		ScoreThreshold:       p.cfg.Detect.ScoreThreshold,
	}
	var tileSpots []models.Spot
	for _, g := range p.dict.OrdinaryGenes() {
		tileSpots = append(tileSpots, detect.DetectSpots(coeffs.Volumes[g], p.spotShape, tile, g, detectParams)...)
	}

	rec := &checkpoint.TileRecord{Tile: tile, Volumes: coeffs.Volumes, Spots: tileSpots}
	if err := p.store.WriteTile(rec); err != nil {
		return fmt.Errorf("failed to checkpoint tile %d: %w", tile, err)
	}
	p.spots = append(p.spots, tileSpots...)
	fmt.Printf("Tile %d/%d: %d spots\n", tile+1, numTiles, len(tileSpots))
	return nil
}

// loadShape resolves the spot shape before any tile runs: an explicitly
// configured shape file wins, then a shape persisted by a previous
// (interrupted) run; otherwise the first processed tile calibrates one.
func (p *Pipeline) loadShape() error {
	if p.cfg.Shape.Filepath != "" {
		sh, err := shape.Load(p.cfg.Shape.Filepath)
		if err != nil {
			return fmt.Errorf("failed to load configured spot shape: %w", err)
		}
		p.spotShape = sh
		log.Printf("spot shape loaded from %s", p.cfg.Shape.Filepath)
		return nil
	}

	sh, ok, err := p.store.ReadShape()
	if err != nil {
		return err
	}
	if ok {
		p.spotShape = sh
		log.Printf("spot shape restored from checkpoint store")
	}
	return nil
}

// Spots returns every accumulated spot, in tile order.
func (p *Pipeline) Spots() []models.Spot { return p.spots }

// SpotShape returns the calibrated template, or nil before calibration.
func (p *Pipeline) SpotShape() *models.SpotShape { return p.spotShape }
