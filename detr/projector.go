package detr

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/core/parallel"
	"github.com/YuminosukeSato/detgo/nn"
	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// projection is one conv + group-norm pair of the feature projector.
type projection struct {
	conv *nn.Conv2D
	norm *nn.GroupNorm
}

func (p projection) apply(x *mat.Dense, h, w int) (*mat.Dense, int, int, error) {
	out, oh, ow, err := p.conv.Apply(x, h, w)
	if err != nil {
		return nil, 0, 0, err
	}
	out, err = p.norm.Apply(out)
	if err != nil {
		return nil, 0, 0, err
	}
	return out, oh, ow, nil
}

// FeatureProjector maps each backbone scale to the shared embedding
// width with a 1×1 convolution and group normalization, and synthesizes
// additional coarser scales with 3×3 stride-2 convolutions when the
// configured level count exceeds the backbone's native output count.
type FeatureProjector struct {
	proj        []projection
	numBackbone int
	numLevels   int
	hiddenDim   int
}

// NewFeatureProjector builds one projection per configured level.
// backboneChannels lists the channel width of each native backbone
// scale; a level count below the backbone's output count is a
// configuration error.
func NewFeatureProjector(cfg Config, backboneChannels []int, rng *rand.Rand) (*FeatureProjector, error) {
	numBackbone := len(backboneChannels)
	if numBackbone == 0 {
		return nil, errors.NewConfigError("backboneChannels", "backbone must expose at least one scale", numBackbone)
	}
	if cfg.NumFeatureLevels < numBackbone {
		return nil, errors.NewConfigError("NumFeatureLevels", "fewer levels than backbone outputs", cfg.NumFeatureLevels)
	}

	p := &FeatureProjector{
		numBackbone: numBackbone,
		numLevels:   cfg.NumFeatureLevels,
		hiddenDim:   cfg.HiddenDim,
	}

	inC := 0
	for l := 0; l < cfg.NumFeatureLevels; l++ {
		var conv *nn.Conv2D
		if l < numBackbone {
			inC = backboneChannels[l]
			conv = nn.NewConv2D(inC, cfg.HiddenDim, 1, 1, 0)
		} else {
			// First synthesized level consumes the last raw backbone
			// scale; subsequent ones consume the previous synthesized
			// output, which is already at the hidden width.
			if l > numBackbone {
				inC = cfg.HiddenDim
			}
			conv = nn.NewConv2D(inC, cfg.HiddenDim, 3, 2, 1)
		}
		conv.XavierInit(rng)
		norm, err := nn.NewGroupNorm(cfg.GroupNormGroups, cfg.HiddenDim)
		if err != nil {
			return nil, err
		}
		p.proj = append(p.proj, projection{conv: conv, norm: norm})
	}
	return p, nil
}

// NumLevels returns the configured level count.
func (p *FeatureProjector) NumLevels() int {
	return p.numLevels
}

// Project maps the backbone levels to the embedding width and appends
// synthesized coarse levels. Masks of synthesized levels are derived by
// nearest resampling of the original image mask; their positional
// encodings are recomputed through enc.
func (p *FeatureProjector) Project(batch ImageBatch, feats []FeatureLevel, enc PositionalEncoder) ([]FeatureLevel, error) {
	if len(feats) != p.numBackbone {
		return nil, errors.NewDimensionError("FeatureProjector.Project", p.numBackbone, len(feats), 0)
	}

	n := batch.Batch()
	out := make([]FeatureLevel, 0, p.numLevels)

	for l, feat := range feats {
		if len(feat.Data) != n {
			return nil, errors.NewDimensionError("FeatureProjector.Project", n, len(feat.Data), 0)
		}
		level := FeatureLevel{
			Data: make([]*mat.Dense, n),
			Mask: feat.Mask,
			Pos:  feat.Pos,
			H:    feat.H,
			W:    feat.W,
		}
		proj := p.proj[l]
		if err := parallel.ForEach(n, func(b int) error {
			d, _, _, err := proj.apply(feat.Data[b], feat.H, feat.W)
			if err != nil {
				return errors.Wrapf(err, "level %d image %d", l, b)
			}
			level.Data[b] = d
			return nil
		}); err != nil {
			return nil, err
		}
		out = append(out, level)
	}

	for l := p.numBackbone; l < p.numLevels; l++ {
		// Source of the downsampling chain: raw last backbone scale for
		// the first synthesized level, previous synthesized output after.
		src := feats[p.numBackbone-1]
		if l > p.numBackbone {
			src = out[l-1]
		}

		proj := p.proj[l]
		oh, ow := proj.conv.OutSize(src.H, src.W)
		level := FeatureLevel{
			Data: make([]*mat.Dense, n),
			Mask: make([][]bool, n),
			Pos:  make([]*mat.Dense, n),
			H:    oh,
			W:    ow,
		}
		if err := parallel.ForEach(n, func(b int) error {
			d, _, _, err := proj.apply(src.Data[b], src.H, src.W)
			if err != nil {
				return errors.Wrapf(err, "synthesized level %d image %d", l, b)
			}
			level.Data[b] = d
			level.Mask[b] = nn.ResizeMaskNearest(batch.Mask[b], batch.H, batch.W, oh, ow)
			level.Pos[b] = enc.Encode(level.Mask[b], oh, ow)
			return nil
		}); err != nil {
			return nil, err
		}
		out = append(out, level)
	}

	return out, nil
}
