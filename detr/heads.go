package detr

import (
	"math"
	"math/rand"

	"github.com/YuminosukeSato/detgo/nn"
)

// PredictionHeads holds the per-stage class and box heads. The head
// policy is resolved once at construction into a fixed-length slice:
// length 1 broadcast under HeadShared, one independent pair per stage
// under HeadPerLayer. Stage indices cover every decoder layer plus, in
// two-stage mode, the proposal-generation head as the last index.
type PredictionHeads struct {
	policy HeadPolicy
	class  []*nn.Linear
	box    []*nn.MLP
}

// classBiasPrior is the focal-loss initialization of the class head
// bias: -log((1-p)/p) with prior probability p = 0.01, so every class
// starts near-background.
func classBiasPrior() float64 {
	const priorProb = 0.01
	return -math.Log((1 - priorProb) / priorProb)
}

// NewPredictionHeads builds the head set for cfg. The class head is a
// single linear layer hidden→classes; the box head is a 3-layer MLP
// hidden→hidden→4 producing coordinate deltas in logit space.
func NewPredictionHeads(cfg Config, rng *rand.Rand) *PredictionHeads {
	class := nn.NewLinear(cfg.HiddenDim, cfg.NumClasses)
	class.XavierInit(rng)
	for j := 0; j < cfg.NumClasses; j++ {
		class.B.SetVec(j, classBiasPrior())
	}

	box := nn.NewMLP(cfg.HiddenDim, cfg.HiddenDim, 4, 3)
	box.XavierInit(rng)
	// Final box layer starts at zero so layer-0 boxes begin at the
	// reference; the h/w bias shrinks initial boxes (except in two-stage
	// mode where the proposals already carry scale).
	final := box.Final()
	final.W.Zero()
	hwBias := -2.0
	if cfg.TwoStage {
		hwBias = 0
	}
	final.B.SetVec(2, hwBias)
	final.B.SetVec(3, hwBias)

	h := &PredictionHeads{policy: cfg.HeadPolicy}
	switch cfg.HeadPolicy {
	case HeadPerLayer:
		for i := 0; i < cfg.NumPredictionStages(); i++ {
			h.class = append(h.class, class.Clone())
			h.box = append(h.box, box.Clone())
		}
	default:
		h.class = []*nn.Linear{class}
		h.box = []*nn.MLP{box}
	}
	return h
}

// Class returns the class head for stage l.
func (h *PredictionHeads) Class(l int) *nn.Linear {
	if h.policy == HeadShared {
		return h.class[0]
	}
	return h.class[l]
}

// Box returns the box head for stage l.
func (h *PredictionHeads) Box(l int) *nn.MLP {
	if h.policy == HeadShared {
		return h.box[0]
	}
	return h.box[l]
}

// Policy returns the resolved head policy.
func (h *PredictionHeads) Policy() HeadPolicy {
	return h.policy
}
