// Package volume orchestrates pursuit over whole tiles: it gates pixels by
// intensity, batches the survivors through an execution backend, and
// assembles one dense coefficient volume per gene.
package volume

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"genepursuit/internal/models"
)

// PixelSource supplies normalized per-round/per-channel pixel vectors, tile
// by tile. It is the boundary to the upstream filtering/registration stage.
//
// ReadRegion returns one vector per voxel of the region in region-raster
// order: z varies slowest, then y, then x. Each vector has length
// Rounds()*Channels() in round-major order.
type PixelSource interface {
	NumTiles() int
	TileShape() models.TileShape
	Rounds() int
	Channels() int
	ReadRegion(ctx context.Context, tile int, region models.Region) ([][]float64, error)
}

// MemorySource is a PixelSource backed by in-memory tiles. It is used by
// tests and small synthetic runs.
type MemorySource struct {
	Shape       models.TileShape
	NumRounds   int
	NumChannels int

	// Tiles holds per-tile pixel vectors in tile raster order.
	Tiles [][][]float64

	// reads counts ReadRegion calls per tile, for resume verification.
	reads []int
}

// NewMemorySource builds a source over pre-computed tile vectors.
func NewMemorySource(shape models.TileShape, rounds, channels int, tiles [][][]float64) *MemorySource {
	return &MemorySource{
		Shape:       shape,
		NumRounds:   rounds,
		NumChannels: channels,
		Tiles:       tiles,
		reads:       make([]int, len(tiles)),
	}
}

func (m *MemorySource) NumTiles() int               { return len(m.Tiles) }
func (m *MemorySource) TileShape() models.TileShape { return m.Shape }
func (m *MemorySource) Rounds() int                 { return m.NumRounds }
func (m *MemorySource) Channels() int               { return m.NumChannels }

// ReadCount returns how many region reads have hit the given tile.
func (m *MemorySource) ReadCount(tile int) int { return m.reads[tile] }

// ReadRegion copies out the vectors of the region in region-raster order.
func (m *MemorySource) ReadRegion(_ context.Context, tile int, region models.Region) ([][]float64, error) {
	if tile < 0 || tile >= len(m.Tiles) {
		return nil, fmt.Errorf("tile %d out of range [0, %d)", tile, len(m.Tiles))
	}
	m.reads[tile]++
	pixels := m.Tiles[tile]
	out := make([][]float64, 0, region.NumPixels())
	for z := region.Z0; z < region.Z1; z++ {
		for y := region.Y0; y < region.Y1; y++ {
			for x := region.X0; x < region.X1; x++ {
				idx := z*m.Shape.NX*m.Shape.NY + y*m.Shape.NX + x
				out = append(out, pixels[idx])
			}
		}
	}
	return out, nil
}

// datasetIndex is the YAML descriptor at the root of an on-disk dataset.
type datasetIndex struct {
	Rounds    int `yaml:"rounds"`
	Channels  int `yaml:"channels"`
	NumTiles  int `yaml:"num_tiles"`
	TileShape struct {
		NY int `yaml:"ny"`
		NX int `yaml:"nx"`
		NZ int `yaml:"nz"`
	} `yaml:"tile_shape"`
}

// DirSource reads tiles from a dataset directory written by the upstream
// stage: a dataset.yaml descriptor plus one raw little-endian float32 file
// per tile (tile_000.bin, tile_001.bin, ...) holding the pixel vectors in
// tile raster order.
type DirSource struct {
	dir   string
	index datasetIndex

	// Decoded tiles are large, so only a couple stay resident.
	cache *lru.Cache[int, [][]float64]
}

// tileCacheSize bounds how many decoded tiles a DirSource keeps in memory.
const tileCacheSize = 2

// OpenDirSource opens a dataset directory and validates its descriptor.
func OpenDirSource(dir string) (*DirSource, error) {
	data, err := os.ReadFile(filepath.Join(dir, "dataset.yaml"))
	if err != nil {
		return nil, fmt.Errorf("error reading dataset descriptor: %w", err)
	}
	var index datasetIndex
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("error parsing dataset descriptor: %w", err)
	}
	if index.Rounds < 1 || index.Channels < 1 {
		return nil, fmt.Errorf("dataset descriptor has invalid rounds/channels %dx%d", index.Rounds, index.Channels)
	}
	if index.NumTiles < 1 {
		return nil, fmt.Errorf("dataset descriptor lists no tiles")
	}
	cache, err := lru.New[int, [][]float64](tileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating tile cache: %w", err)
	}
	return &DirSource{dir: dir, index: index, cache: cache}, nil
}

func (d *DirSource) NumTiles() int { return d.index.NumTiles }
func (d *DirSource) TileShape() models.TileShape {
	return models.TileShape{NY: d.index.TileShape.NY, NX: d.index.TileShape.NX, NZ: d.index.TileShape.NZ}
}
func (d *DirSource) Rounds() int   { return d.index.Rounds }
func (d *DirSource) Channels() int { return d.index.Channels }

// ReadRegion loads the tile (from cache when possible) and copies out the
// region's vectors in region-raster order.
func (d *DirSource) ReadRegion(ctx context.Context, tile int, region models.Region) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, err := d.loadTile(tile)
	if err != nil {
		return nil, err
	}
	shape := d.TileShape()
	out := make([][]float64, 0, region.NumPixels())
	for z := region.Z0; z < region.Z1; z++ {
		for y := region.Y0; y < region.Y1; y++ {
			for x := region.X0; x < region.X1; x++ {
				idx := z*shape.NX*shape.NY + y*shape.NX + x
				out = append(out, pixels[idx])
			}
		}
	}
	return out, nil
}

// loadTile decodes one raw tile file into per-pixel vectors.
func (d *DirSource) loadTile(tile int) ([][]float64, error) {
	if tile < 0 || tile >= d.index.NumTiles {
		return nil, fmt.Errorf("tile %d out of range [0, %d)", tile, d.index.NumTiles)
	}
	if cached, ok := d.cache.Get(tile); ok {
		return cached, nil
	}

	path := filepath.Join(d.dir, fmt.Sprintf("tile_%03d.bin", tile))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tile file: %w", err)
	}

	shape := d.TileShape()
	vectorLen := d.index.Rounds * d.index.Channels
	want := shape.NumPixels() * vectorLen * 4
	if len(raw) != want {
		return nil, fmt.Errorf("tile file %s has %d bytes, want %d", path, len(raw), want)
	}

	pixels := make([][]float64, shape.NumPixels())
	offset := 0
	for p := range pixels {
		vec := make([]float64, vectorLen)
		for i := range vec {
			bits := binary.LittleEndian.Uint32(raw[offset:])
			vec[i] = float64(math.Float32frombits(bits))
			offset += 4
		}
		pixels[p] = vec
	}
	d.cache.Add(tile, pixels)
	return pixels, nil
}
