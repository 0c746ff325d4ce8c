package detr

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// SigmoidFocalLoss computes the focal classification loss between
// per-image logits and one-hot targets, both queries × classes. Easy
// examples are down-weighted by (1-p_t)^gamma; alpha balances
// positives against negatives (alpha < 0 disables the balancing). The
// reduction matches the detection convention: per-image mean over the
// query axis, summed over images and classes, divided by numBoxes.
func SigmoidFocalLoss(logits, targets []*mat.Dense, numBoxes, alpha, gamma float64) (float64, error) {
	if len(logits) != len(targets) {
		return 0, errors.NewDimensionError("detr.SigmoidFocalLoss", len(logits), len(targets), 0)
	}

	total := 0.0
	for b := range logits {
		q, c := logits[b].Dims()
		tq, tc := targets[b].Dims()
		if q != tq || c != tc {
			return 0, errors.NewShapeError("detr.SigmoidFocalLoss", []int{q, c}, []int{tq, tc})
		}

		sum := 0.0
		for i := 0; i < q; i++ {
			for j := 0; j < c; j++ {
				x := logits[b].At(i, j)
				t := targets[b].At(i, j)
				p := errors.Sigmoid(x)
				ce := errors.BCEWithLogits(x, t)
				pt := p*t + (1-p)*(1-t)
				loss := ce * math.Pow(1-pt, gamma)
				if alpha >= 0 {
					loss *= alpha*t + (1-alpha)*(1-t)
				}
				sum += loss
			}
		}
		total += sum / float64(q)
	}
	return total / numBoxes, nil
}

// DiceLoss computes the Dice loss between matched predicted and target
// masks, both k × pixels with predictions in logit space. The +1
// smoothing keeps empty masks well-defined.
func DiceLoss(inputs, targets *mat.Dense, numBoxes float64) (float64, error) {
	r, c := inputs.Dims()
	tr, tc := targets.Dims()
	if r != tr || c != tc {
		return 0, errors.NewShapeError("detr.DiceLoss", []int{r, c}, []int{tr, tc})
	}

	total := 0.0
	for i := 0; i < r; i++ {
		var inter, sumP, sumT float64
		for j := 0; j < c; j++ {
			p := errors.Sigmoid(inputs.At(i, j))
			t := targets.At(i, j)
			inter += p * t
			sumP += p
			sumT += t
		}
		total += 1 - (2*inter+1)/(sumP+sumT+1)
	}
	return total / numBoxes, nil
}

// sigmoidFocalMaskLoss is the focal loss over matched masks: per-mask
// mean over pixels, summed over masks, divided by numBoxes.
func sigmoidFocalMaskLoss(inputs, targets *mat.Dense, numBoxes, alpha, gamma float64) (float64, error) {
	r, c := inputs.Dims()
	tr, tc := targets.Dims()
	if r != tr || c != tc {
		return 0, errors.NewShapeError("detr.sigmoidFocalMaskLoss", []int{r, c}, []int{tr, tc})
	}

	total := 0.0
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			x := inputs.At(i, j)
			t := targets.At(i, j)
			p := errors.Sigmoid(x)
			ce := errors.BCEWithLogits(x, t)
			pt := p*t + (1-p)*(1-t)
			loss := ce * math.Pow(1-pt, gamma)
			if alpha >= 0 {
				loss *= alpha*t + (1-alpha)*(1-t)
			}
			sum += loss
		}
		total += sum / float64(c)
	}
	return total / numBoxes, nil
}

// softmaxRows returns the row-wise softmax of a matrix.
func softmaxRows(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := mat.Row(nil, i, x)
		lse := errors.LogSumExp(row)
		for j := 0; j < c; j++ {
			out.Set(i, j, math.Exp(row[j]-lse))
		}
	}
	return out
}

// sigmoidMat applies the logistic function elementwise.
func sigmoidMat(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, errors.Sigmoid(x.At(i, j)))
		}
	}
	return out
}

// inverseSigmoidMat maps probabilities back to logit space with
// saturation clipping, the transform that makes additive box refinement
// stable near the 0/1 boundaries.
func inverseSigmoidMat(x *mat.Dense) *mat.Dense {
	const eps = 1e-5
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, errors.Logit(x.At(i, j), eps))
		}
	}
	return out
}
