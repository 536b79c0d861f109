package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"genepursuit/internal/models"
	"genepursuit/pkg/checkpoint"
	"genepursuit/pkg/config"
	"genepursuit/pkg/pipeline"
	"genepursuit/pkg/volume"
)

func main() {
	// Parse command line arguments
	datasetDir := flag.String("dataset", "", "Directory containing the registered pixel dataset")
	codesPath := flag.String("codes", "", "Gene dictionary YAML file from the reference calling stage")
	configPath := flag.String("config", "genepursuit.yaml", "Configuration YAML file (defaults used if absent)")
	checkpointDir := flag.String("checkpoint", "checkpoints", "Directory for per-tile checkpoint records")
	spotsPath := flag.String("spots", "spots.csv", "Output CSV file for scored gene calls")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: configuration value)")
	flag.Parse()

	// Validate inputs
	if *datasetDir == "" || *codesPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *numCores > 0 {
		cfg.Runtime.NumCores = *numCores
	}

	fmt.Println("================================")
	fmt.Println("ITERATIVE SPARSE GENE ASSIGNMENT BY ORTHOGONAL PURSUIT")
	fmt.Println("================================")

	dict, err := models.LoadDictionary(*codesPath)
	if err != nil {
		log.Fatalf("Failed to load gene dictionary: %v", err)
	}
	fmt.Printf("Dictionary: %d codes (%d ordinary, %d background), %d rounds x %d channels\n",
		dict.NumGenes(), len(dict.OrdinaryGenes()), dict.NumGenes()-len(dict.OrdinaryGenes()),
		dict.Rounds, dict.Channels)

	source, err := volume.OpenDirSource(*datasetDir)
	if err != nil {
		log.Fatalf("Failed to open dataset: %v", err)
	}
	shape := source.TileShape()
	fmt.Printf("Dataset: %d tiles of %dx%dx%d voxels\n", source.NumTiles(), shape.NY, shape.NX, shape.NZ)

	configDigest, err := cfg.Digest()
	if err != nil {
		log.Fatalf("Failed to digest configuration: %v", err)
	}
	store, err := checkpoint.Open(*checkpointDir, checkpoint.Manifest{
		ConfigDigest:     configDigest,
		DictionaryDigest: dict.Digest(),
		TileShape:        shape,
		NumGenes:         dict.NumGenes(),
		NumTiles:         source.NumTiles(),
	})
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	if done := store.CompletedTiles(); len(done) > 0 {
		fmt.Printf("Resuming run %s: %d of %d tiles already completed\n",
			store.Manifest().RunID, len(done), source.NumTiles())
	}

	p, err := pipeline.New(cfg, dict, source, store)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	// An interrupt cancels cleanly at tile granularity: the in-flight tile
	// is discarded and recomputed on the next invocation.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting gene assignment...")
	startTime := time.Now()
	if err := p.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Fatalf("Run interrupted; rerun to resume from the last completed tile")
		}
		log.Fatalf("Gene assignment failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := writeSpotsCSV(*spotsPath, dict, p.Spots()); err != nil {
		log.Fatalf("Failed to write spots: %v", err)
	}

	fmt.Printf("\nGene assignment completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Total spots: %d\n", len(p.Spots()))
	fmt.Printf("Spot calls saved to: %s\n", *spotsPath)
}

// writeSpotsCSV exports the scored gene calls for downstream tooling.
func writeSpotsCSV(path string, dict *models.Dictionary, spots []models.Spot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating spots file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"tile", "gene", "gene_name", "y", "x", "z", "coefficient", "score"}); err != nil {
		return fmt.Errorf("error writing spots header: %w", err)
	}
	for _, sp := range spots {
		row := []string{
			strconv.Itoa(sp.Tile),
			strconv.Itoa(sp.Gene),
			dict.Codes[sp.Gene].Name,
			strconv.Itoa(sp.Y),
			strconv.Itoa(sp.X),
			strconv.Itoa(sp.Z),
			strconv.FormatFloat(sp.Coefficient, 'g', -1, 64),
			strconv.FormatFloat(sp.Score, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("error writing spot row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("error flushing spots file: %w", err)
	}
	return nil
}
