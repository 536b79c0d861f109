// Package checkpoint persists per-tile results so an interrupted run resumes
// from the last completed tile. Records become visible only through an
// atomic rename, so a crash can never leave a record that looks complete but
// is truncated, and every record carries a digest that is verified on read.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"genepursuit/internal/models"
)

// CorruptionError reports a stored record that failed integrity validation.
// It is fatal: a run never auto-resumes from an unverified state.
type CorruptionError struct {
	// Path is the offending file.
	Path string

	// Tile is the tile the record claims to hold, or -1 when unknown.
	Tile int

	// Reason describes what failed.
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint record %s (tile %d) is corrupt: %s", e.Path, e.Tile, e.Reason)
}

// Manifest identifies a run and pins the inputs its records were computed
// from. Resuming with a different configuration or dictionary is refused
// explicitly rather than silently mixing results.
type Manifest struct {
	// RunID uniquely identifies the run that created this store.
	RunID string `json:"run_id"`

	// CreatedAt is when the store was initialized.
	CreatedAt time.Time `json:"created_at"`

	// ConfigDigest is the digest of the run configuration.
	ConfigDigest string `json:"config_digest"`

	// DictionaryDigest is the digest of the gene dictionary.
	DictionaryDigest string `json:"dictionary_digest"`

	// TileShape is the spatial extent of every tile.
	TileShape models.TileShape `json:"tile_shape"`

	// NumGenes is the dictionary size, background codes included.
	NumGenes int `json:"num_genes"`

	// NumTiles is the total tile count of the run.
	NumTiles int `json:"num_tiles"`
}

// TileRecord is the persisted output of one fully processed tile.
type TileRecord struct {
	// Tile is the tile index.
	Tile int

	// Volumes holds one coefficient volume per dictionary code.
	Volumes []*models.Volume

	// Spots are the scored gene calls detected on the tile.
	Spots []models.Spot
}

// recordCacheSize bounds how many decoded tile records stay in memory for
// repeated reads during resume and export.
const recordCacheSize = 4

// Store is a directory-backed checkpoint store with a single writer per run.
type Store struct {
	dir      string
	manifest Manifest

	enc *zstd.Encoder
	dec *zstd.Decoder

	cache *lru.Cache[int, *TileRecord]
	mu    sync.Mutex
}

// manifestFile is the manifest's name inside the store directory.
const manifestFile = "manifest.json"

// Open creates a checkpoint store in dir, or resumes the one already there.
// On resume the stored manifest's config and dictionary digests must match
// the provided ones; a mismatch means the existing records were computed
// from different inputs and is an error requiring operator intervention.
func Open(dir string, manifest Manifest) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating checkpoint directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}
	cache, err := lru.New[int, *TileRecord](recordCacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating record cache: %w", err)
	}

	s := &Store{dir: dir, enc: enc, dec: dec, cache: cache}

	manifestPath := filepath.Join(dir, manifestFile)
	if data, err := os.ReadFile(manifestPath); err == nil {
		var existing Manifest
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, &CorruptionError{Path: manifestPath, Tile: -1, Reason: fmt.Sprintf("unreadable manifest: %v", err)}
		}
		if existing.ConfigDigest != manifest.ConfigDigest {
			return nil, fmt.Errorf("checkpoint directory %s was written with a different configuration; "+
				"clear it or restore the matching configuration before resuming", dir)
		}
		if existing.DictionaryDigest != manifest.DictionaryDigest {
			return nil, fmt.Errorf("checkpoint directory %s was written with a different gene dictionary; "+
				"clear it or restore the matching dictionary before resuming", dir)
		}
		if existing.TileShape != manifest.TileShape || existing.NumGenes != manifest.NumGenes {
			return nil, fmt.Errorf("checkpoint directory %s was written with different run geometry", dir)
		}
		s.manifest = existing
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	manifest.RunID = uuid.NewString()
	manifest.CreatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error encoding manifest: %w", err)
	}
	if err := writeFileAtomic(manifestPath, data); err != nil {
		return nil, fmt.Errorf("error writing manifest: %w", err)
	}
	s.manifest = manifest
	return s, nil
}

// Manifest returns the store's manifest.
func (s *Store) Manifest() Manifest { return s.manifest }

// Close releases the store's compression resources.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return nil
}

// tilePath returns the record file name for a tile.
func (s *Store) tilePath(tile int) string {
	return filepath.Join(s.dir, fmt.Sprintf("tile_%05d.cpt", tile))
}

// shapePath returns the calibrated shape's file name.
func (s *Store) shapePath() string {
	return filepath.Join(s.dir, "shape.cpt")
}

// HasTile reports whether a completed record exists for the tile. Only fully
// renamed records are visible, so a partial write never counts.
func (s *Store) HasTile(tile int) bool {
	_, err := os.Stat(s.tilePath(tile))
	return err == nil
}

// CompletedTiles returns the sorted indices of all persisted tiles.
func (s *Store) CompletedTiles() []int {
	var tiles []int
	for t := 0; t < s.manifest.NumTiles; t++ {
		if s.HasTile(t) {
			tiles = append(tiles, t)
		}
	}
	sort.Ints(tiles)
	return tiles
}

// WriteTile persists one tile's record atomically. On any error the
// checkpoint is left unchanged, so the whole tile is safe to retry.
func (s *Store) WriteTile(rec *TileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := encodeTileRecord(rec)
	if err != nil {
		return fmt.Errorf("error encoding tile %d record: %w", rec.Tile, err)
	}
	framed := frame(s.enc.EncodeAll(payload, nil))
	if err := writeFileAtomic(s.tilePath(rec.Tile), framed); err != nil {
		return fmt.Errorf("error writing tile %d record: %w", rec.Tile, err)
	}
	s.cache.Add(rec.Tile, rec)
	return nil
}

// ReadTile loads and verifies one tile's record. A digest or header mismatch
// returns a CorruptionError.
func (s *Store) ReadTile(tile int) (*TileRecord, error) {
	if rec, ok := s.cache.Get(tile); ok {
		return rec, nil
	}

	path := s.tilePath(tile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tile %d record: %w", tile, err)
	}
	compressed, err := unframe(data)
	if err != nil {
		return nil, &CorruptionError{Path: path, Tile: tile, Reason: err.Error()}
	}
	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &CorruptionError{Path: path, Tile: tile, Reason: fmt.Sprintf("decompression failed: %v", err)}
	}
	rec, err := decodeTileRecord(payload)
	if err != nil {
		return nil, &CorruptionError{Path: path, Tile: tile, Reason: err.Error()}
	}
	if rec.Tile != tile {
		return nil, &CorruptionError{Path: path, Tile: tile, Reason: fmt.Sprintf("record claims tile %d", rec.Tile)}
	}
	s.cache.Add(tile, rec)
	return rec, nil
}

// WriteShape persists the calibrated spot shape atomically.
func (s *Store) WriteShape(sh *models.SpotShape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := encodeShape(sh)
	framed := frame(s.enc.EncodeAll(payload, nil))
	if err := writeFileAtomic(s.shapePath(), framed); err != nil {
		return fmt.Errorf("error writing shape record: %w", err)
	}
	return nil
}

// ReadShape loads the calibrated spot shape if one has been persisted. The
// second return value reports whether a shape was present.
func (s *Store) ReadShape() (*models.SpotShape, bool, error) {
	path := s.shapePath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading shape record: %w", err)
	}
	compressed, err := unframe(data)
	if err != nil {
		return nil, false, &CorruptionError{Path: path, Tile: -1, Reason: err.Error()}
	}
	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, &CorruptionError{Path: path, Tile: -1, Reason: fmt.Sprintf("decompression failed: %v", err)}
	}
	sh, err := decodeShape(payload)
	if err != nil {
		return nil, false, &CorruptionError{Path: path, Tile: -1, Reason: err.Error()}
	}
	return sh, true, nil
}

// writeFileAtomic writes data to a temporary file in the target's directory,
// syncs it, then renames it into place so the target is either fully present
// or absent.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
