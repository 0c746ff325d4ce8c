// Package detr implements the output-assembly head and the set-criterion
// loss engine of a Deformable-DETR-style detector trained under
// unsupervised domain adaptation. The backbone, the deformable
// transformer and the bipartite matcher are external capabilities
// consumed through interfaces; everything here is a pure, synchronous
// forward computation on gonum matrices.
package detr

import (
	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// HeadPolicy selects how class/box heads relate to decoder layers.
type HeadPolicy int

const (
	// HeadShared aliases a single head pair across every decoder layer.
	HeadShared HeadPolicy = iota
	// HeadPerLayer gives every decoder layer (and the two-stage proposal
	// generator, when enabled) an independent head pair. This is the
	// iterative box-refinement configuration.
	HeadPerLayer
)

// DAMode is the domain-adaptation policy.
type DAMode string

const (
	// DAModeUDA trains adversarially on a source+target concatenated
	// batch: predictions are split at the batch midpoint and domain
	// discriminators are applied.
	DAModeUDA DAMode = "uda"
	// DAModeSourceOnly disables all batch splitting and every domain
	// loss; the model behaves as a plain supervised detector.
	DAModeSourceOnly DAMode = "source_only"
)

// Alignment-group keys shared between the model and the criterion. The
// criterion emits one "loss_<key>" term per enabled group.
const (
	AlignBackbone      = "backbone"
	AlignSpaceQuery    = "space_query"
	AlignChannelQuery  = "channel_query"
	AlignInstanceQuery = "instance_query"
)

// Config enumerates every optional sub-component of the detection head.
// All fields are read once at construction; runtime behavior never
// re-inspects the configuration beyond what was built from it.
type Config struct {
	// NumClasses is the number of real object categories. The no-object
	// category is not a logit slot; see Background.
	NumClasses int

	// NumQueries is the fixed number of prediction slots per image.
	NumQueries int

	// NumFeatureLevels is the number of feature scales fed to the
	// transformer. When it exceeds the backbone's native output count,
	// extra coarse scales are synthesized by strided downsampling.
	NumFeatureLevels int

	// HiddenDim is the shared embedding width of the transformer.
	HiddenDim int

	// DecoderLayers is the number of decoder layers; one supervised
	// stage per layer when AuxLoss is on.
	DecoderLayers int

	// GroupNormGroups is the group count of the projector normalization.
	GroupNormGroups int

	// AuxLoss enables auxiliary supervision of every non-final decoder
	// layer.
	AuxLoss bool

	// HeadPolicy selects shared vs. per-layer heads.
	HeadPolicy HeadPolicy

	// TwoStage enables encoder-emitted class-agnostic proposals and a
	// dedicated proposal-generation head.
	TwoStage bool

	// Alignment flags enable one domain discriminator each.
	BackboneAlign bool
	SpaceAlign    bool
	ChannelAlign  bool
	InstanceAlign bool

	// DAMode is the domain-adaptation policy.
	DAMode DAMode

	// FocalAlpha is the class-balancing weight of the focal
	// classification loss.
	FocalAlpha float64

	// DAGamma is the focal exponent of the query-level domain losses.
	DAGamma float64

	// Debug keeps the unsplit full-batch final-layer output on the
	// forward result and makes the criterion return its assignments.
	Debug bool

	// Accumulate exposes softmax class probabilities of the final layer
	// for statistics accumulation.
	Accumulate bool
}

// DefaultConfig returns a Config with the standard hyperparameters:
// 300 queries, 4 feature levels, 6 decoder layers, focal alpha 0.25,
// domain gamma 2.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:       numClasses,
		NumQueries:       300,
		NumFeatureLevels: 4,
		HiddenDim:        256,
		DecoderLayers:    6,
		GroupNormGroups:  32,
		AuxLoss:          true,
		HeadPolicy:       HeadShared,
		DAMode:           DAModeUDA,
		FocalAlpha:       0.25,
		DAGamma:          2,
	}
}

// Background returns the distinguished no-object label. It is one past
// the highest real class index and never occupies a logit slot: the
// one-hot row of a background query is all zeros, and the cardinality
// diagnostic counts argmax hits against this named value rather than
// positional array arithmetic.
func (c Config) Background() int {
	return c.NumClasses
}

// Adversarial reports whether adversarial batch splitting and domain
// losses are active: at least one alignment flag under the "uda" policy.
func (c Config) Adversarial() bool {
	return c.DAMode == DAModeUDA && c.anyAlign()
}

func (c Config) anyAlign() bool {
	return c.BackboneAlign || c.SpaceAlign || c.ChannelAlign || c.InstanceAlign
}

// NumPredictionStages returns the number of head pairs under
// HeadPerLayer: one per decoder layer, plus the proposal-generation
// head in two-stage mode.
func (c Config) NumPredictionStages() int {
	if c.TwoStage {
		return c.DecoderLayers + 1
	}
	return c.DecoderLayers
}

// Validate checks the configuration once at construction time.
// Inconsistent scale counts and similar contradictions are fatal here,
// never at runtime.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.NewConfigError("NumClasses", "must be at least 1", c.NumClasses)
	}
	if c.NumQueries < 1 {
		return errors.NewConfigError("NumQueries", "must be at least 1", c.NumQueries)
	}
	if c.NumFeatureLevels < 1 {
		return errors.NewConfigError("NumFeatureLevels", "must be at least 1", c.NumFeatureLevels)
	}
	if c.HiddenDim < 1 {
		return errors.NewConfigError("HiddenDim", "must be at least 1", c.HiddenDim)
	}
	if c.DecoderLayers < 1 {
		return errors.NewConfigError("DecoderLayers", "must be at least 1", c.DecoderLayers)
	}
	if c.GroupNormGroups < 1 || c.HiddenDim%c.GroupNormGroups != 0 {
		return errors.NewConfigError("GroupNormGroups", "must divide HiddenDim", c.GroupNormGroups)
	}
	switch c.HeadPolicy {
	case HeadShared, HeadPerLayer:
	default:
		return errors.NewConfigError("HeadPolicy", "unknown policy", int(c.HeadPolicy))
	}
	switch c.DAMode {
	case DAModeUDA, DAModeSourceOnly:
	default:
		return errors.NewConfigError("DAMode", "must be \"uda\" or \"source_only\"", string(c.DAMode))
	}
	if c.FocalAlpha < 0 || c.FocalAlpha >= 1 {
		return errors.NewConfigError("FocalAlpha", "must be in [0, 1)", c.FocalAlpha)
	}
	if c.DAGamma < 0 {
		return errors.NewConfigError("DAGamma", "must be non-negative", c.DAGamma)
	}
	// The cardinality diagnostic assumes the implicit no-object label is
	// exactly one past the last real class index. Background is derived
	// from NumClasses, so the assumption holds by construction; it is
	// asserted here so a future change to the label layout fails at
	// configuration load, not silently at runtime.
	if c.Background() != c.NumClasses {
		return errors.NewConfigError("NumClasses", "background label must be NumClasses", c.Background())
	}
	return nil
}
