package detr

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/boxes"
	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// PostProcess converts the final prediction stage into per-image
// detection lists in absolute pixel coordinates. Scores are independent
// sigmoid activations per (query, class) cell; the top-K cells are
// selected over the flattened score array, so one query slot may
// contribute several detections under different labels.
type PostProcess struct {
	// TopK bounds the number of detections per image.
	TopK int
}

// NewPostProcess returns a converter with the standard 100-detection
// bound.
func NewPostProcess() *PostProcess {
	return &PostProcess{TopK: 100}
}

// Apply converts one stage. sizes holds each image's unpadded
// (height, width); boxes are scaled from normalized (cx, cy, w, h) to
// pixel (x1, y1, x2, y2).
func (p *PostProcess) Apply(stage Stage, sizes [][2]float64) ([]Detection, error) {
	if stage.Batch() != len(sizes) {
		return nil, errors.NewDimensionError("PostProcess.Apply", stage.Batch(), len(sizes), 0)
	}
	if p.TopK <= 0 {
		return nil, errors.NewConfigError("TopK", "must be positive", p.TopK)
	}

	out := make([]Detection, stage.Batch())
	for b := 0; b < stage.Batch(); b++ {
		det, err := p.one(stage.Logits[b], stage.Boxes[b], sizes[b])
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", b)
		}
		out[b] = det
	}
	return out, nil
}

func (p *PostProcess) one(logits, predBoxes *mat.Dense, size [2]float64) (Detection, error) {
	q, c := logits.Dims()
	bq, bc := predBoxes.Dims()
	if bq != q || bc != 4 {
		return Detection{}, errors.NewShapeError("PostProcess", []int{q, 4}, []int{bq, bc})
	}

	// Top-K over the flattened (query, class) score grid.
	k := p.TopK
	if q*c < k {
		k = q * c
	}
	idx := make([]int, q*c)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return logits.At(idx[a]/c, idx[a]%c) > logits.At(idx[b]/c, idx[b]%c)
	})
	idx = idx[:k]

	h, w := size[0], size[1]
	det := Detection{
		Scores: make([]float64, k),
		Labels: make([]int, k),
		Boxes:  mat.NewDense(k, 4, nil),
	}
	if k == 0 {
		det.Boxes = nil
		return det, nil
	}

	selected := mat.NewDense(k, 4, nil)
	for i, flat := range idx {
		query, label := flat/c, flat%c
		det.Scores[i] = errors.Sigmoid(logits.At(query, label))
		det.Labels[i] = label
		selected.SetRow(i, mat.Row(nil, query, predBoxes))
	}

	corners, err := boxes.CenterToCorners(selected)
	if err != nil {
		return Detection{}, err
	}
	for i := 0; i < k; i++ {
		det.Boxes.Set(i, 0, corners.At(i, 0)*w)
		det.Boxes.Set(i, 1, corners.At(i, 1)*h)
		det.Boxes.Set(i, 2, corners.At(i, 2)*w)
		det.Boxes.Set(i, 3, corners.At(i, 3)*h)
	}
	return det, nil
}

// PostProcessTarget rescales ground-truth boxes into the same absolute
// corner format as detections, for visualization and evaluation
// tooling. Scores are fixed at 1.
func PostProcessTarget(targets []Targets) ([]Detection, error) {
	out := make([]Detection, len(targets))
	for i, t := range targets {
		n := t.NumTargets()
		det := Detection{
			Scores: make([]float64, n),
			Labels: append([]int(nil), t.Labels...),
		}
		if n == 0 {
			out[i] = det
			continue
		}

		corners, err := boxes.CenterToCorners(t.Boxes)
		if err != nil {
			return nil, errors.Wrapf(err, "target %d", i)
		}
		h, w := t.Size[0], t.Size[1]
		det.Boxes = mat.NewDense(n, 4, nil)
		for r := 0; r < n; r++ {
			det.Scores[r] = 1
			det.Boxes.Set(r, 0, corners.At(r, 0)*w)
			det.Boxes.Set(r, 1, corners.At(r, 1)*h)
			det.Boxes.Set(r, 2, corners.At(r, 2)*w)
			det.Boxes.Set(r, 3, corners.At(r, 3)*h)
		}
		out[i] = det
	}
	return out, nil
}
