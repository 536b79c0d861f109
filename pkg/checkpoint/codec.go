package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"genepursuit/internal/models"
)

// Record files are framed as:
//
//	magic [4]byte, version uint16, digest [32]byte, length uint64, body
//
// where digest is the SHA-256 of body and body is the zstd-compressed
// record payload. The digest is checked before any decompression, so a
// truncated or bit-flipped file is rejected up front.

// recordMagic identifies a checkpoint record file.
var recordMagic = [4]byte{'G', 'P', 'C', 'K'}

// recordVersion is the current record format version.
const recordVersion uint16 = 1

// frameHeaderSize is the byte length of the frame header.
const frameHeaderSize = 4 + 2 + sha256.Size + 8

// frame wraps a compressed body in the record frame.
func frame(body []byte) []byte {
	out := make([]byte, frameHeaderSize+len(body))
	copy(out, recordMagic[:])
	binary.LittleEndian.PutUint16(out[4:], recordVersion)
	digest := sha256.Sum256(body)
	copy(out[6:], digest[:])
	binary.LittleEndian.PutUint64(out[6+sha256.Size:], uint64(len(body)))
	copy(out[frameHeaderSize:], body)
	return out
}

// unframe validates the frame and returns the compressed body. Validation
// failures are reported with a reason suitable for CorruptionError.
func unframe(data []byte) ([]byte, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("file too short for record header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], recordMagic[:]) {
		return nil, fmt.Errorf("bad magic %q", data[:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", v)
	}
	var want [sha256.Size]byte
	copy(want[:], data[6:])
	length := binary.LittleEndian.Uint64(data[6+sha256.Size:])
	body := data[frameHeaderSize:]
	if uint64(len(body)) != length {
		return nil, fmt.Errorf("body length %d does not match header %d", len(body), length)
	}
	if sha256.Sum256(body) != want {
		return nil, fmt.Errorf("body digest mismatch")
	}
	return body, nil
}

// encodeTileRecord serializes a tile record. Coefficient volumes are stored
// as float32, matching the precision the solver's inputs carry.
func encodeTileRecord(rec *TileRecord) ([]byte, error) {
	if len(rec.Volumes) == 0 {
		return nil, fmt.Errorf("record has no volumes")
	}
	first := rec.Volumes[0]
	var buf bytes.Buffer

	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU32(uint32(rec.Tile))
	writeU32(uint32(first.NY))
	writeU32(uint32(first.NX))
	writeU32(uint32(first.NZ))
	writeU32(uint32(len(rec.Volumes)))

	for g, vol := range rec.Volumes {
		if vol.NY != first.NY || vol.NX != first.NX || vol.NZ != first.NZ {
			return nil, fmt.Errorf("volume %d has mismatched dimensions", g)
		}
		raw := make([]byte, 4*len(vol.Data))
		for i, v := range vol.Data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
		}
		buf.Write(raw)
	}

	writeU32(uint32(len(rec.Spots)))
	for _, sp := range rec.Spots {
		writeU32(uint32(sp.Gene))
		writeU32(uint32(sp.Y))
		writeU32(uint32(sp.X))
		writeU32(uint32(sp.Z))
		binary.Write(&buf, binary.LittleEndian, sp.Coefficient)
		binary.Write(&buf, binary.LittleEndian, sp.Score)
	}
	return buf.Bytes(), nil
}

// decodeTileRecord deserializes a tile record payload.
func decodeTileRecord(payload []byte) (*TileRecord, error) {
	r := bytes.NewReader(payload)
	readU32 := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}

	tile, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("truncated record header")
	}
	ny, err1 := readU32()
	nx, err2 := readU32()
	nz, err3 := readU32()
	numGenes, err4 := readU32()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, fmt.Errorf("truncated record header")
	}

	shape := models.TileShape{NY: int(ny), NX: int(nx), NZ: int(nz)}
	if shape.NY < 1 || shape.NX < 1 || shape.NZ < 1 || numGenes < 1 {
		return nil, fmt.Errorf("invalid record geometry %dx%dx%d, %d genes", ny, nx, nz, numGenes)
	}

	rec := &TileRecord{Tile: int(tile), Volumes: make([]*models.Volume, numGenes)}
	raw := make([]byte, 4*shape.NumPixels())
	for g := range rec.Volumes {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("truncated volume data for gene %d", g)
		}
		vol := models.NewVolume(shape)
		for i := range vol.Data {
			vol.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		rec.Volumes[g] = vol
	}

	numSpots, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("truncated spot count")
	}
	rec.Spots = make([]models.Spot, 0, numSpots)
	for i := uint32(0); i < numSpots; i++ {
		var sp models.Spot
		gene, err1 := readU32()
		y, err2 := readU32()
		x, err3 := readU32()
		z, err4 := readU32()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("truncated spot %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &sp.Coefficient); err != nil {
			return nil, fmt.Errorf("truncated spot %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &sp.Score); err != nil {
			return nil, fmt.Errorf("truncated spot %d", i)
		}
		sp.Tile = int(tile)
		sp.Gene = int(gene)
		sp.Y, sp.X, sp.Z = int(y), int(x), int(z)
		rec.Spots = append(rec.Spots, sp)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after record", r.Len())
	}
	return rec, nil
}

// encodeShape serializes a spot shape template.
func encodeShape(s *models.SpotShape) []byte {
	var buf bytes.Buffer
	for _, d := range []int{s.NY, s.NX, s.NZ} {
		binary.Write(&buf, binary.LittleEndian, uint32(d))
	}
	binary.Write(&buf, binary.LittleEndian, s.Data)
	return buf.Bytes()
}

// decodeShape deserializes a spot shape template payload.
func decodeShape(payload []byte) (*models.SpotShape, error) {
	r := bytes.NewReader(payload)
	var dims [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("truncated shape header")
	}
	s, err := models.NewSpotShape(int(dims[0]), int(dims[1]), int(dims[2]))
	if err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, s.Data); err != nil {
		return nil, fmt.Errorf("truncated shape data")
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after shape", r.Len())
	}
	return s, nil
}
