package models

import "fmt"

// TileShape is the spatial extent of one tile in voxels.
type TileShape struct {
	// NY, NX are the in-plane dimensions.
	NY, NX int

	// NZ is the number of z planes.
	NZ int
}

// NumPixels returns the total voxel count of the tile.
func (s TileShape) NumPixels() int { return s.NY * s.NX * s.NZ }

// Region is a half-open axis-aligned box [Y0,Y1) x [X0,X1) x [Z0,Z1)
// within a tile, used for chunked processing.
type Region struct {
	Y0, Y1 int
	X0, X1 int
	Z0, Z1 int
}

// NumPixels returns the voxel count of the region.
func (r Region) NumPixels() int {
	return (r.Y1 - r.Y0) * (r.X1 - r.X0) * (r.Z1 - r.Z0)
}

// Volume is a dense 3D scalar field over one tile, stored as a flat array
// in raster order: index = z*NX*NY + y*NX + x.
type Volume struct {
	// Data is the flattened field. Pixels that were never computed hold zero.
	Data []float64

	// NY, NX, NZ are the volume dimensions in voxels.
	NY, NX, NZ int
}

// NewVolume allocates a zeroed volume with the given tile shape.
func NewVolume(shape TileShape) *Volume {
	return &Volume{
		Data: make([]float64, shape.NumPixels()),
		NY:   shape.NY,
		NX:   shape.NX,
		NZ:   shape.NZ,
	}
}

// Index returns the flat index of voxel (y, x, z).
func (v *Volume) Index(y, x, z int) int {
	return z*v.NX*v.NY + y*v.NX + x
}

// At returns the value at (y, x, z), or zero when the position lies outside
// the volume. Out-of-bounds reads are valid because windows around spots
// near tile edges extend past the data.
func (v *Volume) At(y, x, z int) float64 {
	if y < 0 || y >= v.NY || x < 0 || x >= v.NX || z < 0 || z >= v.NZ {
		return 0
	}
	return v.Data[v.Index(y, x, z)]
}

// Set writes the value at (y, x, z). The position must be in bounds.
func (v *Volume) Set(y, x, z int, value float64) {
	v.Data[v.Index(y, x, z)] = value
}

// SpotShape is the calibrated sign template of a true spot's coefficient
// neighborhood. Values are -1, 0 or +1; zero positions carry no weight
// during scoring. All dimensions are odd so the template has a center voxel.
type SpotShape struct {
	// Data is the flattened template in the same raster order as Volume.
	Data []int8

	// NY, NX, NZ are the template dimensions, each odd.
	NY, NX, NZ int
}

// NewSpotShape allocates a zeroed template, validating that every dimension
// is odd and positive.
func NewSpotShape(ny, nx, nz int) (*SpotShape, error) {
	for _, d := range []int{ny, nx, nz} {
		if d < 1 || d%2 == 0 {
			return nil, fmt.Errorf("spot shape dimensions must be odd and positive, got %dx%dx%d", ny, nx, nz)
		}
	}
	return &SpotShape{
		Data: make([]int8, ny*nx*nz),
		NY:   ny,
		NX:   nx,
		NZ:   nz,
	}, nil
}

// At returns the template value at offset (dy, dx, dz) from the center.
func (s *SpotShape) At(dy, dx, dz int) int8 {
	y := dy + s.NY/2
	x := dx + s.NX/2
	z := dz + s.NZ/2
	return s.Data[z*s.NX*s.NY+y*s.NX+x]
}

// Set writes the template value at offset (dy, dx, dz) from the center.
func (s *SpotShape) Set(dy, dx, dz int, value int8) {
	y := dy + s.NY/2
	x := dx + s.NX/2
	z := dz + s.NZ/2
	s.Data[z*s.NX*s.NY+y*s.NX+x] = value
}

// NumNonZero counts the template positions carrying weight.
func (s *SpotShape) NumNonZero() int {
	n := 0
	for _, v := range s.Data {
		if v != 0 {
			n++
		}
	}
	return n
}
