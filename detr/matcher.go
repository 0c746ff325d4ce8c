package detr

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// Matcher is the bipartite cost-to-assignment capability. Given one
// image's prediction set and target set it returns an injective partial
// assignment minimizing a cost combining class-probability, L1-box and
// GIoU terms; the cost weights and the assignment algorithm are
// external configuration. Implementations must be synchronous and
// side-effect-free: the criterion solves independent images' matching
// problems concurrently.
type Matcher interface {
	Match(logits, boxes *mat.Dense, targets Targets) (Assignment, error)
}

// ValidateAssignment checks the matcher contract for one image: indices
// in range, no duplicated prediction slot or target, and no more pairs
// than min(numQueries, numTargets).
func ValidateAssignment(a Assignment, numQueries, numTargets int) error {
	if len(a.Pred) != len(a.Tgt) {
		return errors.NewDimensionError("detr.ValidateAssignment", len(a.Pred), len(a.Tgt), 0)
	}
	limit := numQueries
	if numTargets < limit {
		limit = numTargets
	}
	if len(a.Pred) > limit {
		return errors.NewValidationError("assignment", "more pairs than min(queries, targets)", len(a.Pred))
	}

	seenPred := make(map[int]bool, len(a.Pred))
	seenTgt := make(map[int]bool, len(a.Tgt))
	for i := range a.Pred {
		p, t := a.Pred[i], a.Tgt[i]
		if p < 0 || p >= numQueries {
			return errors.NewValidationError("assignment", "prediction index out of range", p)
		}
		if t < 0 || t >= numTargets {
			return errors.NewValidationError("assignment", "target index out of range", t)
		}
		if seenPred[p] {
			return errors.NewValidationError("assignment", "prediction slot matched twice", p)
		}
		if seenTgt[t] {
			return errors.NewValidationError("assignment", "target matched twice", t)
		}
		seenPred[p] = true
		seenTgt[t] = true
	}
	return nil
}
