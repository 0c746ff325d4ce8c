package detr

import (
	"gonum.org/v1/gonum/mat"
)

// ImageBatch is a padded batch of images with per-image padding masks.
// When domain adaptation is active in training mode the batch is a
// concatenation of source images followed by target images, split at
// the midpoint; the assembler enforces the even-size invariant, not the
// data loader.
type ImageBatch struct {
	// Data holds per-image pixel tensors, channels × (H*W). The
	// external backbone consumes these; the head itself only reads the
	// masks.
	Data []*mat.Dense

	// Mask holds per-image padding masks of length H*W, true on padded
	// pixels.
	Mask [][]bool

	H, W int
}

// Batch returns the number of images.
func (b ImageBatch) Batch() int {
	return len(b.Mask)
}

// FeatureLevel is one feature scale for the whole batch: per-image
// feature maps with their padding masks and companion positional
// encodings.
type FeatureLevel struct {
	Data []*mat.Dense // per image, channels × (H*W)
	Mask [][]bool     // per image, length H*W, true on padding
	Pos  []*mat.Dense // per image positional encodings, hidden × (H*W)
	H, W int
}

// Targets is the ground truth for one image. Boxes are (cx, cy, w, h)
// normalized by the unpadded image size; the number of targets varies
// per image and may be zero.
type Targets struct {
	Labels []int
	Boxes  *mat.Dense // n×4; nil when n == 0

	// Size is the unpadded (height, width) of the image.
	Size [2]float64

	// Masks holds per-target segmentation masks, n × (MaskH*MaskW),
	// only when a mask head is attached.
	Masks        *mat.Dense
	MaskH, MaskW int
}

// NumTargets returns the number of ground-truth objects.
func (t Targets) NumTargets() int {
	return len(t.Labels)
}

// Stage is the prediction set of one supervised stage: per-image class
// logits (queries × NumClasses) and normalized boxes (queries × 4).
// Query-slot order carries no semantic meaning; supervision goes
// through bipartite matching, never fixed indexing.
type Stage struct {
	Logits []*mat.Dense
	Boxes  []*mat.Dense

	// Masks holds predicted masks, queries × (MaskH*MaskW), only when a
	// segmentation head is attached.
	Masks        []*mat.Dense
	MaskH, MaskW int
}

// Batch returns the number of images in the stage.
func (s Stage) Batch() int {
	return len(s.Logits)
}

// Output is the assembled forward result consumed by the criterion.
type Output struct {
	// Pred is the final decoder layer's prediction set. Under
	// adversarial training it covers only the source half of the batch.
	Pred Stage

	// Aux holds one prediction set per non-final decoder layer, in layer
	// order, when auxiliary supervision is enabled.
	Aux []Stage

	// Enc holds the encoder proposal stage in two-stage mode.
	Enc *Stage

	// Domain maps alignment-group keys to discriminator logits. Rows are
	// batch elements (the full source+target batch); columns are the
	// per-element logits of that granularity (1 for query-level groups,
	// the token count for the backbone group).
	Domain map[string]*mat.Dense

	// AllPred keeps the unsplit full-batch final-layer output for
	// diagnostic use in debug mode.
	AllPred *Stage

	// Probs holds softmax class probabilities of the final layer when
	// statistics accumulation is enabled.
	Probs []*mat.Dense
}

// Assignment is a per-image injective partial map between prediction
// slots and targets: prediction Pred[i] is matched to target Tgt[i].
type Assignment struct {
	Pred []int
	Tgt  []int
}

// Len returns the number of matched pairs.
func (a Assignment) Len() int {
	return len(a.Pred)
}

// Detection is one image's post-processed result: parallel score/label
// slices and absolute-coordinate corner boxes, ordered by descending
// score.
type Detection struct {
	Scores []float64
	Labels []int
	Boxes  *mat.Dense // k×4, (x1, y1, x2, y2) in pixels
}
