package detr

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/boxes"
	"github.com/YuminosukeSato/detgo/core/dist"
	"github.com/YuminosukeSato/detgo/core/parallel"
	"github.com/YuminosukeSato/detgo/nn"
	"github.com/YuminosukeSato/detgo/pkg/errors"
	dlog "github.com/YuminosukeSato/detgo/pkg/log"
)

// Loss names accepted by NewSetCriterion.
const (
	LossLabels      = "labels"
	LossBoxes       = "boxes"
	LossCardinality = "cardinality"
	LossMasks       = "masks"
)

// SetCriterion computes the bipartite matching-based detection loss.
// For every supervised stage — the final decoder layer, each auxiliary
// layer and the encoder proposal stage — it invokes the matcher, then
// supervises every matched prediction/target pair. Domain-alignment
// losses are computed once per enabled group, independent of decoder
// layer. Loss computation and loss weighting are deliberately separate:
// every term is emitted under its own key so an external collaborator
// can combine them with a per-key coefficient table.
type SetCriterion struct {
	cfg     Config
	matcher Matcher
	losses  []string
	reducer dist.Reducer
	logger  *slog.Logger
}

// NewSetCriterion validates the requested loss names once at
// construction. A nil reducer degenerates to the local single-worker
// sum.
func NewSetCriterion(cfg Config, matcher Matcher, losses []string, reducer dist.Reducer) (*SetCriterion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		return nil, errors.NewConfigError("matcher", "matcher capability is required", nil)
	}
	if len(losses) == 0 {
		return nil, errors.NewConfigError("losses", "at least one loss is required", losses)
	}
	for _, l := range losses {
		switch l {
		case LossLabels, LossBoxes, LossCardinality, LossMasks:
		default:
			return nil, errors.NewConfigError("losses", "unknown loss name", l)
		}
	}
	if reducer == nil {
		reducer = dist.Local{}
	}
	return &SetCriterion{
		cfg:     cfg,
		matcher: matcher,
		losses:  losses,
		reducer: reducer,
		logger: slog.Default().With(
			dlog.ComponentKey, "detr",
			dlog.OperationKey, dlog.OperationCriterion,
		),
	}, nil
}

// Compute returns the mapping from loss-term name to scalar value.
// In training mode with domain adaptation enabled only the first half
// of the target list (the source domain) is supervised; the caller is
// responsible for ordering targets to match the batch's source/target
// split.
func (c *SetCriterion) Compute(out *Output, targets []Targets, training bool) (map[string]float64, error) {
	losses, _, err := c.ComputeWithIndices(out, targets, training)
	return losses, err
}

// ComputeWithIndices additionally returns the final-stage assignments,
// for debugging and visualization.
func (c *SetCriterion) ComputeWithIndices(out *Output, targets []Targets, training bool) (map[string]float64, []Assignment, error) {
	if out == nil {
		return nil, nil, errors.NewMissingOutputError("SetCriterion.Compute", "output")
	}

	if training && c.cfg.Adversarial() {
		if len(targets)%2 != 0 {
			return nil, nil, errors.Wrap(errors.ErrOddBatch, "SetCriterion.Compute")
		}
		targets = targets[:len(targets)/2]
	}
	if out.Pred.Batch() != len(targets) {
		return nil, nil, errors.NewDimensionError("SetCriterion.Compute", out.Pred.Batch(), len(targets), 0)
	}

	indices, err := c.matchStage(out.Pred, targets)
	if err != nil {
		return nil, nil, err
	}

	numBoxes, err := c.normalizer(targets)
	if err != nil {
		return nil, nil, err
	}

	losses := make(map[string]float64)
	for _, name := range c.losses {
		terms, err := c.getLoss(name, out.Pred, targets, indices, numBoxes, true)
		if err != nil {
			return nil, nil, err
		}
		mergeWithSuffix(losses, terms, "")
	}

	// Auxiliary decoder layers are rematched per stage: predictions
	// differ, so assignments differ. Mask losses are skipped there (too
	// costly per layer) and class-error logging stays final-stage only.
	for i, aux := range out.Aux {
		auxIndices, err := c.matchStage(aux, targets)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range c.losses {
			if name == LossMasks {
				continue
			}
			terms, err := c.getLoss(name, aux, targets, auxIndices, numBoxes, false)
			if err != nil {
				return nil, nil, err
			}
			mergeWithSuffix(losses, terms, fmt.Sprintf("_%d", i))
		}
	}

	// The encoder proposal stage matches against a binarized target set:
	// proposals are class-agnostic, so every label collapses to the
	// single foreground class.
	if out.Enc != nil {
		binTargets := binarizeTargets(targets)
		encIndices, err := c.matchStage(*out.Enc, binTargets)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range c.losses {
			if name == LossMasks {
				continue
			}
			terms, err := c.getLoss(name, *out.Enc, binTargets, encIndices, numBoxes, false)
			if err != nil {
				return nil, nil, err
			}
			mergeWithSuffix(losses, terms, "_enc")
		}
	}

	// Domain losses are per alignment group; query-level groups are
	// focally reweighted, the backbone group is not.
	for key, logits := range out.Domain {
		v, err := c.lossDomain(logits, strings.Contains(key, "query"))
		if err != nil {
			return nil, nil, errors.Wrap(err, key)
		}
		losses["loss_"+key] = v
	}

	vals := make([]float64, 0, len(losses))
	for _, v := range losses {
		vals = append(vals, v)
	}
	if err := errors.CheckNumericalStability("SetCriterion.Compute", vals); err != nil {
		return nil, nil, err
	}

	c.logger.Debug("criterion computed",
		dlog.LossTermsKey, len(losses),
		dlog.TargetBoxesKey, numBoxes,
		dlog.BatchKey, len(targets),
	)
	return losses, indices, nil
}

// matchStage solves one supervised stage's assignment problems. The
// matcher is invoked once per image; independent images run
// concurrently.
func (c *SetCriterion) matchStage(stage Stage, targets []Targets) ([]Assignment, error) {
	n := stage.Batch()
	if n != len(targets) {
		return nil, errors.NewDimensionError("SetCriterion.matchStage", n, len(targets), 0)
	}

	indices := make([]Assignment, n)
	err := parallel.ForEach(n, func(i int) (err error) {
		// External matcher code runs inside the worker goroutine; a
		// panic there must surface as an error, not kill the process.
		defer errors.Recover(&err, "Matcher.Match")

		a, err := c.matcher.Match(stage.Logits[i], stage.Boxes[i], targets[i])
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		q, _ := stage.Logits[i].Dims()
		if err := ValidateAssignment(a, q, targets[i].NumTargets()); err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		indices[i] = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return indices, nil
}

// normalizer computes the shared loss denominator: the global
// target-box count, summed across distributed workers, averaged over
// the world size and floored at 1.
func (c *SetCriterion) normalizer(targets []Targets) (float64, error) {
	local := 0
	for _, t := range targets {
		local += t.NumTargets()
	}
	if local == 0 {
		errors.Warn(errors.NewDegenerateBatchWarning("SetCriterion.Compute", len(targets)))
	}

	global, err := c.reducer.AllReduceSum(float64(local))
	if err != nil {
		return 0, errors.Wrap(err, "num_boxes all-reduce")
	}
	numBoxes := global / float64(c.reducer.WorldSize())
	if numBoxes < 1 {
		numBoxes = 1
	}
	return numBoxes, nil
}

func (c *SetCriterion) getLoss(name string, stage Stage, targets []Targets, indices []Assignment, numBoxes float64, log bool) (map[string]float64, error) {
	switch name {
	case LossLabels:
		return c.lossLabels(stage, targets, indices, numBoxes, log)
	case LossCardinality:
		return c.lossCardinality(stage, targets)
	case LossBoxes:
		return c.lossBoxes(stage, targets, indices, numBoxes)
	case LossMasks:
		return c.lossMasks(stage, targets, indices, numBoxes)
	}
	return nil, errors.NewConfigError("losses", "unknown loss name", name)
}

// lossLabels is the sigmoid focal classification loss over every query
// slot, scaled by the query count. Matched slots carry their target's
// one-hot row; unmatched slots carry the all-zero background row — the
// no-object category is the absence of a one-hot bit, not a logit slot.
func (c *SetCriterion) lossLabels(stage Stage, targets []Targets, indices []Assignment, numBoxes float64, log bool) (map[string]float64, error) {
	if len(stage.Logits) == 0 {
		return nil, errors.NewMissingOutputError("SetCriterion.lossLabels", "pred_logits")
	}

	onehot := make([]*mat.Dense, len(stage.Logits))
	numQueries := 0
	for b, logits := range stage.Logits {
		q, cl := logits.Dims()
		if cl != c.cfg.NumClasses {
			return nil, errors.NewDimensionError("SetCriterion.lossLabels", c.cfg.NumClasses, cl, 1)
		}
		numQueries = q
		oh := mat.NewDense(q, cl, nil)
		a := indices[b]
		for i := range a.Pred {
			label := targets[b].Labels[a.Tgt[i]]
			switch {
			case label >= 0 && label < c.cfg.NumClasses:
				oh.Set(a.Pred[i], label, 1)
			case label == c.cfg.Background():
				// Explicit background target keeps the all-zero row.
			default:
				return nil, errors.NewValidationError("labels", "label outside class range", label)
			}
		}
		onehot[b] = oh
	}

	ce, err := SigmoidFocalLoss(stage.Logits, onehot, numBoxes, c.cfg.FocalAlpha, 2)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{"loss_ce": ce * float64(numQueries)}

	if log {
		out["class_error"] = c.classError(stage, targets, indices)
	}
	return out, nil
}

// classError is the final-stage diagnostic 100 - top-1 accuracy over
// matched pairs.
func (c *SetCriterion) classError(stage Stage, targets []Targets, indices []Assignment) float64 {
	correct, total := 0, 0
	for b, a := range indices {
		for i := range a.Pred {
			label := targets[b].Labels[a.Tgt[i]]
			if argmaxRow(stage.Logits[b], a.Pred[i]) == label {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 100
	}
	return 100 - 100*float64(correct)/float64(total)
}

// lossCardinality is a non-gradient diagnostic: the mean absolute
// difference between the number of predictions not classified as
// no-object and the number of real targets. The trailing logit slot
// doubles as the implicit no-object slot for this diagnostic; the
// assumption is pinned at configuration load (see Config.Validate).
func (c *SetCriterion) lossCardinality(stage Stage, targets []Targets) (map[string]float64, error) {
	if len(stage.Logits) == 0 {
		return nil, errors.NewMissingOutputError("SetCriterion.lossCardinality", "pred_logits")
	}
	noObjectSlot := c.cfg.NumClasses - 1

	total := 0.0
	for b, logits := range stage.Logits {
		q, _ := logits.Dims()
		pred := 0
		for i := 0; i < q; i++ {
			if argmaxRow(logits, i) != noObjectSlot {
				pred++
			}
		}
		total += math.Abs(float64(pred - targets[b].NumTargets()))
	}
	return map[string]float64{"cardinality_error": total / float64(len(stage.Logits))}, nil
}

// lossBoxes is the L1 distance plus the 1-GIoU loss over matched box
// pairs, both normalized by the global target-box count. With zero
// matched pairs both terms are exactly zero.
func (c *SetCriterion) lossBoxes(stage Stage, targets []Targets, indices []Assignment, numBoxes float64) (map[string]float64, error) {
	if len(stage.Boxes) == 0 {
		return nil, errors.NewMissingOutputError("SetCriterion.lossBoxes", "pred_boxes")
	}

	src, tgt, err := gatherMatchedBoxes(stage, targets, indices)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return map[string]float64{"loss_bbox": 0, "loss_giou": 0}, nil
	}

	k, _ := src.Dims()
	l1 := 0.0
	for i := 0; i < k; i++ {
		for j := 0; j < 4; j++ {
			l1 += math.Abs(src.At(i, j) - tgt.At(i, j))
		}
	}

	srcCorners, err := boxes.CenterToCorners(src)
	if err != nil {
		return nil, err
	}
	tgtCorners, err := boxes.CenterToCorners(tgt)
	if err != nil {
		return nil, err
	}
	giou, err := boxes.MatchedGIoU(srcCorners, tgtCorners)
	if err != nil {
		return nil, err
	}
	giouLoss := 0.0
	for i := 0; i < giou.Len(); i++ {
		giouLoss += 1 - giou.AtVec(i)
	}

	return map[string]float64{
		"loss_bbox": l1 / numBoxes,
		"loss_giou": giouLoss / numBoxes,
	}, nil
}

// lossMasks is the focal plus Dice loss over matched masks, with
// predictions bilinearly upsampled to the target mask size.
func (c *SetCriterion) lossMasks(stage Stage, targets []Targets, indices []Assignment, numBoxes float64) (map[string]float64, error) {
	if stage.Masks == nil {
		return nil, errors.NewMissingOutputError("SetCriterion.lossMasks", "pred_masks")
	}

	type pair struct{ src, tgt []float64 }
	var pairs []pair
	var tH, tW int
	for b, a := range indices {
		t := targets[b]
		if a.Len() == 0 {
			continue
		}
		if t.Masks == nil {
			return nil, errors.NewMissingOutputError("SetCriterion.lossMasks", "target masks")
		}
		if tH == 0 {
			tH, tW = t.MaskH, t.MaskW
		} else if t.MaskH != tH || t.MaskW != tW {
			return nil, errors.NewShapeError("SetCriterion.lossMasks", []int{tH, tW}, []int{t.MaskH, t.MaskW})
		}
		for i := range a.Pred {
			src := mat.Row(nil, a.Pred[i], stage.Masks[b])
			up := nn.ResizeBilinear(src, stage.MaskH, stage.MaskW, tH, tW)
			pairs = append(pairs, pair{src: up, tgt: mat.Row(nil, a.Tgt[i], t.Masks)})
		}
	}
	if len(pairs) == 0 {
		return map[string]float64{"loss_mask": 0, "loss_dice": 0}, nil
	}

	k := len(pairs)
	srcM := mat.NewDense(k, tH*tW, nil)
	tgtM := mat.NewDense(k, tH*tW, nil)
	for i, p := range pairs {
		srcM.SetRow(i, p.src)
		tgtM.SetRow(i, p.tgt)
	}

	focal, err := sigmoidFocalMaskLoss(srcM, tgtM, numBoxes, c.cfg.FocalAlpha, 2)
	if err != nil {
		return nil, err
	}
	dice, err := DiceLoss(srcM, tgtM, numBoxes)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"loss_mask": focal, "loss_dice": dice}, nil
}

// lossDomain is the binary cross-entropy between discriminator logits
// and the synthetic domain labels: 0 for the source half of the batch,
// 1 for the target half. Query-level groups are focally reweighted with
// DAGamma. The loss depends only on the split point, never on ordering
// within a half.
func (c *SetCriterion) lossDomain(logits *mat.Dense, useFocal bool) (float64, error) {
	n, k := logits.Dims()
	if n%2 != 0 {
		return 0, errors.Wrap(errors.ErrOddBatch, "SetCriterion.lossDomain")
	}

	total := 0.0
	for i := 0; i < n; i++ {
		label := 0.0
		if i >= n/2 {
			label = 1.0
		}
		for j := 0; j < k; j++ {
			x := logits.At(i, j)
			loss := errors.BCEWithLogits(x, label)
			if useFocal {
				p := errors.Sigmoid(x)
				pt := p*label + (1-p)*(1-label)
				loss *= math.Pow(1-pt, c.cfg.DAGamma)
			}
			total += loss
		}
	}
	return total / float64(n*k), nil
}

// binarizeTargets collapses every label to the single foreground class
// for class-agnostic proposal matching. Boxes are shared, not copied:
// the criterion never mutates targets.
func binarizeTargets(targets []Targets) []Targets {
	out := make([]Targets, len(targets))
	for i, t := range targets {
		bt := t
		bt.Labels = make([]int, len(t.Labels))
		out[i] = bt
	}
	return out
}

func gatherMatchedBoxes(stage Stage, targets []Targets, indices []Assignment) (src, tgt *mat.Dense, err error) {
	k := 0
	for _, a := range indices {
		k += a.Len()
	}
	if k == 0 {
		return nil, nil, nil
	}

	src = mat.NewDense(k, 4, nil)
	tgt = mat.NewDense(k, 4, nil)
	row := 0
	for b, a := range indices {
		t := targets[b]
		for i := range a.Pred {
			if t.Boxes == nil {
				return nil, nil, errors.NewMissingOutputError("SetCriterion.lossBoxes", "target boxes")
			}
			src.SetRow(row, mat.Row(nil, a.Pred[i], stage.Boxes[b]))
			tgt.SetRow(row, mat.Row(nil, a.Tgt[i], t.Boxes))
			row++
		}
	}
	return src, tgt, nil
}

func mergeWithSuffix(dst, src map[string]float64, suffix string) {
	for k, v := range src {
		dst[k+suffix] = v
	}
}

func argmaxRow(m *mat.Dense, row int) int {
	_, c := m.Dims()
	best, bestV := 0, m.At(row, 0)
	for j := 1; j < c; j++ {
		if v := m.At(row, j); v > bestV {
			best, bestV = j, v
		}
	}
	return best
}
