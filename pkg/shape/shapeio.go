package shape

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"genepursuit/internal/models"
)

// Shape files let a calibrated template from one run be reused by another,
// for example when a dataset is too sparse to calibrate on its own.

// shapeMagic identifies a spot shape file.
var shapeMagic = [4]byte{'G', 'P', 'S', 'H'}

// shapeVersion is the current file format version.
const shapeVersion uint16 = 1

// Save writes a template to path.
func Save(path string, s *models.SpotShape) error {
	var buf bytes.Buffer
	buf.Write(shapeMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, shapeVersion); err != nil {
		return fmt.Errorf("error encoding shape header: %w", err)
	}
	for _, d := range []int{s.NY, s.NX, s.NZ} {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(d)); err != nil {
			return fmt.Errorf("error encoding shape dimensions: %w", err)
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, s.Data); err != nil {
		return fmt.Errorf("error encoding shape data: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("error writing shape file: %w", err)
	}
	return nil
}

// Load reads a template from path, validating the header and dimensions.
func Load(path string) (*models.SpotShape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading shape file: %w", err)
	}
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != shapeMagic {
		return nil, fmt.Errorf("file %s is not a spot shape file", path)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("error decoding shape header: %w", err)
	}
	if version != shapeVersion {
		return nil, fmt.Errorf("unsupported shape file version %d", version)
	}

	var dims [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("error decoding shape dimensions: %w", err)
	}
	s, err := models.NewSpotShape(int(dims[0]), int(dims[1]), int(dims[2]))
	if err != nil {
		return nil, fmt.Errorf("shape file %s has invalid dimensions: %w", path, err)
	}
	if err := binary.Read(r, binary.LittleEndian, s.Data); err != nil {
		return nil, fmt.Errorf("error decoding shape data: %w", err)
	}
	for _, v := range s.Data {
		if v < -1 || v > 1 {
			return nil, fmt.Errorf("shape file %s holds values outside {-1, 0, +1}", path)
		}
	}
	return s, nil
}
