package detect

import (
	"gonum.org/v1/gonum/spatial/kdtree"
)

// peakPoint is one peak in the kd-tree, with z pre-scaled so the anisotropic
// suppression cylinder fits inside an isotropic query sphere.
type peakPoint struct {
	y, x, z float64
	idx     int
}

// Compare implements the kdtree.Comparable interface.
func (p peakPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(peakPoint)
	switch d {
	case 0:
		return p.y - q.y
	case 1:
		return p.x - q.x
	case 2:
		return p.z - q.z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the kd-tree.
func (p peakPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points.
func (p peakPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(peakPoint)
	dy := p.y - q.y
	dx := p.x - q.x
	dz := p.z - q.z
	return dy*dy + dx*dx + dz*dz
}

// peakPoints is a collection of peakPoint that satisfies kdtree.Interface.
type peakPoints []peakPoint

func (p peakPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p peakPoints) Len() int                              { return len(p) }
func (p peakPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method.
func (p peakPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(peakPlane{peakPoints: p, Dim: d}, kdtree.MedianOfRandoms(peakPlane{peakPoints: p, Dim: d}, 100))
}

// peakPlane implements sort.Interface and kdtree.SortSlicer for peakPoints.
type peakPlane struct {
	peakPoints
	kdtree.Dim
}

func (p peakPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.peakPoints[i].y < p.peakPoints[j].y
	case 1:
		return p.peakPoints[i].x < p.peakPoints[j].x
	case 2:
		return p.peakPoints[i].z < p.peakPoints[j].z
	default:
		panic("illegal dimension")
	}
}

func (p peakPlane) Slice(start, end int) kdtree.SortSlicer {
	return peakPlane{peakPoints: p.peakPoints[start:end], Dim: p.Dim}
}

func (p peakPlane) Swap(i, j int) {
	p.peakPoints[i], p.peakPoints[j] = p.peakPoints[j], p.peakPoints[i]
}

// peakIndex answers "which other peaks lie within the anisotropic
// neighborhood of peak i" via a kd-tree radius query. The cylinder test
// (radiusYX in the xy plane, radiusZ along z) is applied exactly after the
// coarse sphere query.
type peakIndex struct {
	peaks    []Peak
	tree     *kdtree.Tree
	radiusYX float64
	radiusZ  float64
	zScale   float64
	bound    float64
}

// newPeakIndex builds the index. radiusYX and radiusZ must be positive.
func newPeakIndex(peaks []Peak, radiusYX, radiusZ float64) *peakIndex {
	zScale := radiusYX / radiusZ
	points := make(peakPoints, len(peaks))
	for i, p := range peaks {
		points[i] = peakPoint{
			y:   float64(p.Y),
			x:   float64(p.X),
			z:   float64(p.Z) * zScale,
			idx: i,
		}
	}
	return &peakIndex{
		peaks:    peaks,
		tree:     kdtree.New(points, true),
		radiusYX: radiusYX,
		radiusZ:  radiusZ,
		zScale:   zScale,
		// The cylinder's bounding sphere in scaled coordinates: the z extent
		// radiusZ maps to radiusYX, so the squared bound is 2*radiusYX^2.
		bound: 2 * radiusYX * radiusYX,
	}
}

// within returns the indices of all peaks other than i inside i's
// neighborhood.
func (n *peakIndex) within(i int) []int {
	p := n.peaks[i]
	query := peakPoint{
		y: float64(p.Y),
		x: float64(p.X),
		z: float64(p.Z) * n.zScale,
	}

	keeper := kdtree.NewDistKeeper(n.bound)
	n.tree.NearestSet(keeper, query)

	var out []int
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		q := item.Comparable.(peakPoint)
		if q.idx == i {
			continue
		}
		other := n.peaks[q.idx]
		dy := float64(other.Y - p.Y)
		dx := float64(other.X - p.X)
		dz := float64(other.Z - p.Z)
		if dy*dy+dx*dx <= n.radiusYX*n.radiusYX && dz*dz <= n.radiusZ*n.radiusZ {
			out = append(out, q.idx)
		}
	}
	return out
}

// IsolatedPeaks returns the peaks with no other peak inside their
// anisotropic isolation neighborhood. Used by spot shape calibration to pick
// clean, uncontaminated examples.
func IsolatedPeaks(peaks []Peak, distYX, distZ float64) []Peak {
	if len(peaks) < 2 {
		return peaks
	}
	index := newPeakIndex(peaks, distYX, distZ)
	isolated := make([]Peak, 0, len(peaks))
	for i, p := range peaks {
		if len(index.within(i)) == 0 {
			isolated = append(isolated, p)
		}
	}
	return isolated
}
