// Package detgo provides the prediction head, loss engine and
// post-processing for set-prediction object detectors with
// domain-adversarial training, built on gonum.
//
// The detr package assembles per-layer decoder states from an external
// deformable transformer into class logits and iteratively refined
// boxes, matches predictions to ground truth through a pluggable
// bipartite matcher, and reduces every supervised stage into a keyed
// map of scalar loss terms. Domain discriminators score features at
// four granularities for unsupervised domain adaptation.
//
// # Quick Start
//
//	cfg := detr.DefaultConfig(numClasses)
//	criterion, err := detr.NewSetCriterion(cfg, matcher,
//	    []string{detr.LossLabels, detr.LossBoxes, detr.LossCardinality}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	losses, err := criterion.Compute(output, targets, true)
//
// Loss terms are combined externally through a coefficient table built
// with detr.BuildWeightTable; diagnostic terms carry no coefficient and
// never enter the optimized total.
//
// # Packages
//
//   - detr: model assembly, criterion, post-processing
//   - boxes: box geometry (format conversion, IoU, GIoU)
//   - nn: forward-only layers (linear, MLP, conv, group norm)
//   - core/parallel: CPU-parallel helpers
//   - core/dist: distributed reduction capability
//   - pkg/errors: typed errors, warnings and numerically stable math
//   - pkg/log: structured logging with stacktrace extraction
package detgo
