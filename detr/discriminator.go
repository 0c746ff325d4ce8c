package detr

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/nn"
	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// DomainDiscriminators holds one small classifier head per enabled
// alignment granularity. The backbone head scores every projected
// feature token after a gradient-reversal transform; the query-level
// heads score one pooled feature vector per image.
type DomainDiscriminators struct {
	grl      *nn.GradientReversal
	backbone *nn.MLP
	space    *nn.MLP
	channel  *nn.MLP
	instance *nn.MLP
}

// NewDomainDiscriminators builds the discriminator set for cfg, or nil
// when the configuration is not adversarial.
func NewDomainDiscriminators(cfg Config, rng *rand.Rand) *DomainDiscriminators {
	if !cfg.Adversarial() {
		return nil
	}

	newD := func() *nn.MLP {
		m := nn.NewMLP(cfg.HiddenDim, cfg.HiddenDim, 1, 3)
		m.XavierInit(rng)
		return m
	}

	d := &DomainDiscriminators{}
	if cfg.BackboneAlign {
		d.grl = nn.NewGradientReversal(1)
		d.backbone = newD()
	}
	if cfg.SpaceAlign {
		d.space = newD()
	}
	if cfg.ChannelAlign {
		d.channel = newD()
	}
	if cfg.InstanceAlign {
		d.instance = newD()
	}
	return d
}

// Apply produces the per-granularity domain logits consumed by the
// domain loss. The raw alignment features are read, never mutated: the
// result is a fresh mapping keyed identically to the enabled groups.
// Rows of every returned matrix are batch elements.
func (d *DomainDiscriminators) Apply(levels []FeatureLevel, align map[string]*mat.Dense) (map[string]*mat.Dense, error) {
	out := make(map[string]*mat.Dense)

	if d.backbone != nil {
		logits, err := d.applyBackbone(levels)
		if err != nil {
			return nil, err
		}
		out[AlignBackbone] = logits
	}

	queryHeads := []struct {
		key  string
		head *nn.MLP
	}{
		{AlignSpaceQuery, d.space},
		{AlignChannelQuery, d.channel},
		{AlignInstanceQuery, d.instance},
	}
	for _, q := range queryHeads {
		if q.head == nil {
			continue
		}
		raw, ok := align[q.key]
		if !ok {
			return nil, errors.NewMissingOutputError("DomainDiscriminators.Apply", q.key)
		}
		logits, err := q.head.Apply(raw)
		if err != nil {
			return nil, errors.Wrap(err, q.key)
		}
		out[q.key] = logits
	}
	return out, nil
}

// applyBackbone scores every token of every projected scale and packs
// the logits as one row per image, columns spanning all scales' tokens.
func (d *DomainDiscriminators) applyBackbone(levels []FeatureLevel) (*mat.Dense, error) {
	if len(levels) == 0 {
		return nil, errors.NewValueError("DomainDiscriminators.applyBackbone", "no feature levels")
	}
	n := len(levels[0].Data)

	total := 0
	for _, lv := range levels {
		total += lv.H * lv.W
	}

	out := mat.NewDense(n, total, nil)
	for b := 0; b < n; b++ {
		col := 0
		for li, lv := range levels {
			hw := lv.H * lv.W
			// Tokens are positions: transpose channels×HW to HW×hidden.
			tokens := mat.DenseCopyOf(lv.Data[b].T())
			scored, err := d.backbone.Apply(d.grl.Apply(tokens))
			if err != nil {
				return nil, errors.Wrapf(err, "level %d image %d", li, b)
			}
			for t := 0; t < hw; t++ {
				out.Set(b, col+t, scored.At(t, 0))
			}
			col += hw
		}
	}
	return out, nil
}
