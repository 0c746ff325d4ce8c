// Package boxes provides bounding-box geometry for the detection head:
// center-size/corner conversions, intersection-over-union and its
// generalized variant. Boxes are rows of a gonum matrix, either
// (cx, cy, w, h) in normalized [0, 1] coordinates or (x1, y1, x2, y2)
// corners.
package boxes

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// CenterToCorners converts an n×4 matrix of (cx, cy, w, h) boxes to
// (x1, y1, x2, y2) corner format.
func CenterToCorners(b *mat.Dense) (*mat.Dense, error) {
	r, c := b.Dims()
	if c != 4 {
		return nil, errors.NewDimensionError("boxes.CenterToCorners", 4, c, 1)
	}
	out := mat.NewDense(r, 4, nil)
	for i := 0; i < r; i++ {
		cx, cy, w, h := b.At(i, 0), b.At(i, 1), b.At(i, 2), b.At(i, 3)
		out.Set(i, 0, cx-0.5*w)
		out.Set(i, 1, cy-0.5*h)
		out.Set(i, 2, cx+0.5*w)
		out.Set(i, 3, cy+0.5*h)
	}
	return out, nil
}

// CornersToCenter converts an n×4 matrix of (x1, y1, x2, y2) boxes to
// (cx, cy, w, h) center-size format.
func CornersToCenter(b *mat.Dense) (*mat.Dense, error) {
	r, c := b.Dims()
	if c != 4 {
		return nil, errors.NewDimensionError("boxes.CornersToCenter", 4, c, 1)
	}
	out := mat.NewDense(r, 4, nil)
	for i := 0; i < r; i++ {
		x1, y1, x2, y2 := b.At(i, 0), b.At(i, 1), b.At(i, 2), b.At(i, 3)
		out.Set(i, 0, 0.5*(x1+x2))
		out.Set(i, 1, 0.5*(y1+y2))
		out.Set(i, 2, x2-x1)
		out.Set(i, 3, y2-y1)
	}
	return out, nil
}

// Area returns the area of a corner-format box. Degenerate boxes
// (x2 < x1 or y2 < y1) have zero area.
func Area(x1, y1, x2, y2 float64) float64 {
	w := math.Max(x2-x1, 0)
	h := math.Max(y2-y1, 0)
	return w * h
}

// IoU computes the intersection-over-union and the union area of two
// corner-format boxes a and b, each a length-4 slice.
func IoU(a, b []float64) (iou, union float64) {
	areaA := Area(a[0], a[1], a[2], a[3])
	areaB := Area(b[0], b[1], b[2], b[3])

	ix1 := math.Max(a[0], b[0])
	iy1 := math.Max(a[1], b[1])
	ix2 := math.Min(a[2], b[2])
	iy2 := math.Min(a[3], b[3])
	inter := Area(ix1, iy1, ix2, iy2)

	union = areaA + areaB - inter
	if union <= 0 {
		return 0, 0
	}
	return inter / union, union
}

// GIoU computes the generalized intersection-over-union of two
// corner-format boxes: IoU minus the fraction of the smallest enclosing
// box not covered by the union. Ranges over (-1, 1]; 1 for identical
// boxes, negative when the boxes are disjoint and far apart.
func GIoU(a, b []float64) float64 {
	iou, union := IoU(a, b)

	ex1 := math.Min(a[0], b[0])
	ey1 := math.Min(a[1], b[1])
	ex2 := math.Max(a[2], b[2])
	ey2 := math.Max(a[3], b[3])
	enclose := Area(ex1, ey1, ex2, ey2)
	if enclose <= 0 {
		return iou
	}
	return iou - (enclose-union)/enclose
}

// MatchedGIoU computes the GIoU between each row of src and the
// corresponding row of tgt (matched pairs only, not all-pairs). Both
// matrices are corner-format n×4.
func MatchedGIoU(src, tgt *mat.Dense) (*mat.VecDense, error) {
	rs, cs := src.Dims()
	rt, ct := tgt.Dims()
	if cs != 4 || ct != 4 {
		return nil, errors.NewDimensionError("boxes.MatchedGIoU", 4, cs, 1)
	}
	if rs != rt {
		return nil, errors.NewDimensionError("boxes.MatchedGIoU", rs, rt, 0)
	}
	if rs == 0 {
		// No matched pairs; callers treat a nil vector as an empty sum.
		return nil, nil
	}
	out := mat.NewVecDense(rs, nil)
	for i := 0; i < rs; i++ {
		out.SetVec(i, GIoU(mat.Row(nil, i, src), mat.Row(nil, i, tgt)))
	}
	return out, nil
}
