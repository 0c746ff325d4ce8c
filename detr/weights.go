package detr

import "fmt"

// WeightConfig holds the per-term coefficients the trainer multiplies
// into the criterion's raw loss map. Diagnostic terms (class_error,
// cardinality_error) deliberately have no coefficient: they never enter
// the optimized total.
type WeightConfig struct {
	Class float64
	Bbox  float64
	GIoU  float64
	Mask  float64
	Dice  float64

	Backbone      float64
	SpaceQuery    float64
	ChannelQuery  float64
	InstanceQuery float64
}

// DefaultWeightConfig returns the standard coefficient set: focal
// classification 2, L1 box 5, GIoU 2, mask terms 1, every domain term 1.
func DefaultWeightConfig() WeightConfig {
	return WeightConfig{
		Class: 2, Bbox: 5, GIoU: 2, Mask: 1, Dice: 1,
		Backbone: 1, SpaceQuery: 1, ChannelQuery: 1, InstanceQuery: 1,
	}
}

// BuildWeightTable expands the coefficient set into the full keyed
// table: base keys, one suffixed copy per auxiliary decoder layer, the
// encoder-stage copy in two-stage mode, and the domain keys for the
// enabled alignment groups. Keys align one-to-one with the criterion's
// output, so total = Σ table[k] * losses[k] over the keys both share.
func BuildWeightTable(cfg Config, wc WeightConfig, masks bool) map[string]float64 {
	base := map[string]float64{
		"loss_ce":   wc.Class,
		"loss_bbox": wc.Bbox,
		"loss_giou": wc.GIoU,
	}
	if masks {
		base["loss_mask"] = wc.Mask
		base["loss_dice"] = wc.Dice
	}

	table := make(map[string]float64, len(base)*(cfg.DecoderLayers+1))
	for k, v := range base {
		table[k] = v
	}
	if cfg.AuxLoss {
		for i := 0; i < cfg.DecoderLayers-1; i++ {
			for k, v := range base {
				if masks && (k == "loss_mask" || k == "loss_dice") {
					continue
				}
				table[fmt.Sprintf("%s_%d", k, i)] = v
			}
		}
	}
	if cfg.TwoStage {
		for k, v := range base {
			if masks && (k == "loss_mask" || k == "loss_dice") {
				continue
			}
			table[k+"_enc"] = v
		}
	}

	if cfg.Adversarial() {
		if cfg.BackboneAlign {
			table["loss_"+AlignBackbone] = wc.Backbone
		}
		if cfg.SpaceAlign {
			table["loss_"+AlignSpaceQuery] = wc.SpaceQuery
		}
		if cfg.ChannelAlign {
			table["loss_"+AlignChannelQuery] = wc.ChannelQuery
		}
		if cfg.InstanceAlign {
			table["loss_"+AlignInstanceQuery] = wc.InstanceQuery
		}
	}
	return table
}

// WeightedTotal combines a criterion loss map with a weight table,
// ignoring keys without a coefficient.
func WeightedTotal(losses, table map[string]float64) float64 {
	total := 0.0
	for k, v := range losses {
		if w, ok := table[k]; ok {
			total += w * v
		}
	}
	return total
}
