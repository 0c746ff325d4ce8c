package detr

import (
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
	dlog "github.com/YuminosukeSato/detgo/pkg/log"
)

// PositionalEncoder recomputes positional encodings for synthesized
// feature scales from their padding masks.
type PositionalEncoder interface {
	// Encode returns a hidden × (h*w) positional encoding for a scale
	// with the given padding mask.
	Encode(mask []bool, h, w int) *mat.Dense
}

// Backbone is the convolutional feature-extraction capability.
type Backbone interface {
	PositionalEncoder

	// Extract returns one FeatureLevel per native backbone scale, with
	// masks and positional encodings filled in.
	Extract(batch ImageBatch) ([]FeatureLevel, error)

	// NumChannels lists the channel width of each native scale.
	NumChannels() []int
}

// TransformerOutput is the decoder side of the external multi-scale
// deformable transformer.
type TransformerOutput struct {
	// Hidden holds per-layer decoder states: Hidden[l][b] is image b's
	// queries × hidden state after layer l.
	Hidden [][]*mat.Dense

	// InitRef holds per-image initial box references in sigmoid space,
	// queries × 2 or queries × 4.
	InitRef []*mat.Dense

	// Refs holds per-layer refined references: Refs[l][b] is the
	// reference produced by layer l, consumed by layer l+1.
	Refs [][]*mat.Dense

	// EncLogits and EncBoxes are the encoder proposal stage in
	// two-stage mode; boxes are unactivated (logit-space) coordinates.
	EncLogits []*mat.Dense
	EncBoxes  []*mat.Dense

	// Align maps query-level alignment-group keys to raw pooled
	// features, rows = batch elements, columns = hidden. Present only
	// for groups the transformer was configured to produce.
	Align map[string]*mat.Dense
}

// Transformer is the multi-scale deformable attention capability.
type Transformer interface {
	// Run consumes projected multi-scale features and, when not in
	// two-stage mode, a learned query-embedding table
	// (queries × 2*hidden).
	Run(levels []FeatureLevel, queryEmbed *mat.Dense) (*TransformerOutput, error)

	HiddenDim() int
	NumLayers() int
}

// DeformableDETR assembles per-layer decoder states and projected
// multi-scale features into class logits, refined box coordinates and
// domain-alignment logits.
type DeformableDETR struct {
	cfg         Config
	backbone    Backbone
	transformer Transformer
	projector   *FeatureProjector
	heads       *PredictionHeads
	queryEmbed  *mat.Dense // queries × 2*hidden; nil in two-stage mode
	disc        *DomainDiscriminators
	training    bool
	logger      *slog.Logger
}

// NewDeformableDETR validates the configuration against the external
// capabilities and builds every optional sub-component once.
// Mismatched scale or layer counts are fatal here, not at runtime.
func NewDeformableDETR(cfg Config, backbone Backbone, transformer Transformer, rng *rand.Rand) (*DeformableDETR, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transformer.HiddenDim() != cfg.HiddenDim {
		return nil, errors.NewConfigError("HiddenDim", "transformer hidden width disagrees", transformer.HiddenDim())
	}
	if transformer.NumLayers() != cfg.DecoderLayers {
		return nil, errors.NewConfigError("DecoderLayers", "transformer layer count disagrees", transformer.NumLayers())
	}

	projector, err := NewFeatureProjector(cfg, backbone.NumChannels(), rng)
	if err != nil {
		return nil, err
	}

	m := &DeformableDETR{
		cfg:         cfg,
		backbone:    backbone,
		transformer: transformer,
		projector:   projector,
		heads:       NewPredictionHeads(cfg, rng),
		disc:        NewDomainDiscriminators(cfg, rng),
		logger: slog.Default().With(
			dlog.ComponentKey, "detr",
			dlog.DAModeKey, string(cfg.DAMode),
		),
	}

	if !cfg.TwoStage {
		m.queryEmbed = mat.NewDense(cfg.NumQueries, 2*cfg.HiddenDim, nil)
		for i := 0; i < cfg.NumQueries; i++ {
			for j := 0; j < 2*cfg.HiddenDim; j++ {
				m.queryEmbed.Set(i, j, rng.NormFloat64())
			}
		}
	}
	return m, nil
}

// Train switches between training and inference mode. Batch splitting,
// discriminators and probability accumulation only run in training
// mode.
func (m *DeformableDETR) Train(on bool) {
	m.training = on
}

// Config returns the model configuration.
func (m *DeformableDETR) Config() Config {
	return m.cfg
}

// Forward runs the full output assembly for one batch.
func (m *DeformableDETR) Forward(batch ImageBatch) (out *Output, err error) {
	// Backbone and transformer are external capabilities.
	defer errors.Recover(&err, "DeformableDETR.Forward")

	if batch.Batch() == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "DeformableDETR.Forward")
	}

	feats, err := m.backbone.Extract(batch)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}

	levels, err := m.projector.Project(batch, feats, m.backbone)
	if err != nil {
		return nil, err
	}

	tr, err := m.transformer.Run(levels, m.queryEmbed)
	if err != nil {
		return nil, errors.Wrap(err, "transformer")
	}

	stages, err := m.applyHeads(tr)
	if err != nil {
		return nil, err
	}

	out = &Output{}

	var enc *Stage
	if m.cfg.TwoStage {
		if len(tr.EncLogits) == 0 || len(tr.EncBoxes) == 0 {
			return nil, errors.NewMissingOutputError("DeformableDETR.Forward", "encoder proposals")
		}
		encBoxes := make([]*mat.Dense, len(tr.EncBoxes))
		for b, unact := range tr.EncBoxes {
			encBoxes[b] = sigmoidMat(unact)
		}
		enc = &Stage{Logits: tr.EncLogits, Boxes: encBoxes}
	}

	if m.training && m.cfg.Adversarial() {
		n := batch.Batch()
		if n%2 != 0 {
			return nil, errors.Wrap(errors.ErrOddBatch, "DeformableDETR.Forward")
		}
		half := n / 2

		if m.cfg.Debug {
			full := stages[len(stages)-1]
			out.AllPred = &full
		}
		for l := range stages {
			stages[l] = truncateStage(stages[l], half)
		}
		if enc != nil {
			t := truncateStage(*enc, half)
			enc = &t
		}

		domain, err := m.disc.Apply(levels, tr.Align)
		if err != nil {
			return nil, err
		}
		out.Domain = domain
	}

	final := stages[len(stages)-1]
	out.Pred = final
	if m.cfg.AuxLoss {
		out.Aux = stages[:len(stages)-1]
	}
	out.Enc = enc

	if m.cfg.Accumulate {
		out.Probs = make([]*mat.Dense, len(final.Logits))
		for b, logits := range final.Logits {
			out.Probs[b] = softmaxRows(logits)
		}
	}

	m.logger.Debug("forward pass assembled",
		dlog.OperationKey, dlog.OperationForward,
		dlog.BatchKey, batch.Batch(),
		dlog.QueriesKey, m.cfg.NumQueries,
		dlog.LevelsKey, len(levels),
	)
	return out, nil
}

// applyHeads turns per-layer decoder states into per-layer prediction
// sets. The reference chain is strictly sequential across layers: each
// layer corrects the previous layer's refined reference additively in
// logit space, then maps back through the sigmoid.
func (m *DeformableDETR) applyHeads(tr *TransformerOutput) ([]Stage, error) {
	numLayers := len(tr.Hidden)
	if numLayers == 0 {
		return nil, errors.NewMissingOutputError("DeformableDETR.applyHeads", "decoder states")
	}

	stages := make([]Stage, numLayers)
	for l := 0; l < numLayers; l++ {
		n := len(tr.Hidden[l])
		stage := Stage{
			Logits: make([]*mat.Dense, n),
			Boxes:  make([]*mat.Dense, n),
		}
		for b := 0; b < n; b++ {
			ref := tr.InitRef[b]
			if l > 0 {
				ref = tr.Refs[l-1][b]
			}
			refLogit := inverseSigmoidMat(ref)

			logits, err := m.heads.Class(l).Apply(tr.Hidden[l][b])
			if err != nil {
				return nil, errors.Wrapf(err, "class head layer %d", l)
			}
			delta, err := m.heads.Box(l).Apply(tr.Hidden[l][b])
			if err != nil {
				return nil, errors.Wrapf(err, "box head layer %d", l)
			}

			q, refDim := refLogit.Dims()
			dq, dc := delta.Dims()
			if dq != q || dc != 4 {
				return nil, errors.NewShapeError("DeformableDETR.applyHeads", []int{q, 4}, []int{dq, dc})
			}
			switch refDim {
			case 4:
				delta.Add(delta, refLogit)
			case 2:
				// Two-component references only carry the box center.
				for i := 0; i < q; i++ {
					delta.Set(i, 0, delta.At(i, 0)+refLogit.At(i, 0))
					delta.Set(i, 1, delta.At(i, 1)+refLogit.At(i, 1))
				}
			default:
				return nil, errors.NewDimensionError("DeformableDETR.applyHeads", 4, refDim, 1)
			}

			stage.Logits[b] = logits
			stage.Boxes[b] = sigmoidMat(delta)
		}
		stages[l] = stage
	}
	return stages, nil
}

// truncateStage keeps the first half images of a stage (the labeled
// source half of an adversarial batch).
func truncateStage(s Stage, half int) Stage {
	out := Stage{
		Logits: s.Logits[:half],
		Boxes:  s.Boxes[:half],
		MaskH:  s.MaskH,
		MaskW:  s.MaskW,
	}
	if s.Masks != nil {
		out.Masks = s.Masks[:half]
	}
	return out
}
