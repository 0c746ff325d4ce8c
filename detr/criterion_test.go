package detr

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// identityMatcher pairs target t with prediction slot t. Enough for
// tests that control slot layout explicitly.
type identityMatcher struct{}

func (identityMatcher) Match(logits, _ *mat.Dense, targets Targets) (Assignment, error) {
	q, _ := logits.Dims()
	n := targets.NumTargets()
	if q < n {
		n = q
	}
	var a Assignment
	for i := 0; i < n; i++ {
		a.Pred = append(a.Pred, i)
		a.Tgt = append(a.Tgt, i)
	}
	return a, nil
}

// greedyMatcher picks, per target, the cheapest unused slot under an
// L1-box-plus-score cost. Unlike identityMatcher it re-finds matched
// slots after the query axis is permuted.
type greedyMatcher struct{}

func (greedyMatcher) Match(logits, boxes *mat.Dense, targets Targets) (Assignment, error) {
	q, _ := logits.Dims()
	used := make([]bool, q)
	var a Assignment
	for t := 0; t < targets.NumTargets(); t++ {
		best, bestCost := -1, math.Inf(1)
		for i := 0; i < q; i++ {
			if used[i] {
				continue
			}
			cost := -errors.Sigmoid(logits.At(i, targets.Labels[t]))
			for j := 0; j < 4; j++ {
				cost += math.Abs(boxes.At(i, j) - targets.Boxes.At(t, j))
			}
			if cost < bestCost {
				best, bestCost = i, cost
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		a.Pred = append(a.Pred, best)
		a.Tgt = append(a.Tgt, t)
	}
	return a, nil
}

func randomStage(rng *rand.Rand, batch, queries, classes int) Stage {
	s := Stage{}
	for b := 0; b < batch; b++ {
		logits := mat.NewDense(queries, classes, nil)
		boxes := mat.NewDense(queries, 4, nil)
		for i := 0; i < queries; i++ {
			for j := 0; j < classes; j++ {
				logits.Set(i, j, rng.NormFloat64())
			}
			boxes.SetRow(i, []float64{
				0.2 + 0.6*rng.Float64(), 0.2 + 0.6*rng.Float64(),
				0.1 + 0.2*rng.Float64(), 0.1 + 0.2*rng.Float64(),
			})
		}
		s.Logits = append(s.Logits, logits)
		s.Boxes = append(s.Boxes, boxes)
	}
	return s
}

func TestNewSetCriterionValidation(t *testing.T) {
	cfg := DefaultConfig(3)
	tests := []struct {
		name    string
		cfg     Config
		matcher Matcher
		losses  []string
	}{
		{"nil matcher", cfg, nil, []string{LossLabels}},
		{"empty losses", cfg, identityMatcher{}, nil},
		{"unknown loss", cfg, identityMatcher{}, []string{"labels", "centroids"}},
		{"bad config", DefaultConfig(0), identityMatcher{}, []string{LossLabels}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSetCriterion(tt.cfg, tt.matcher, tt.losses, nil); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestComputeBoxLossExactValues(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 2
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossBoxes}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := &Output{Pred: Stage{
		Logits: []*mat.Dense{mat.NewDense(2, 3, nil)},
		Boxes: []*mat.Dense{mat.NewDense(2, 4, []float64{
			0.5, 0.5, 0.4, 0.4,
			0.1, 0.1, 0.1, 0.1,
		})},
	}}
	targets := []Targets{{
		Labels: []int{1},
		Boxes:  mat.NewDense(1, 4, []float64{0.5, 0.5, 0.2, 0.2}),
	}}

	losses, err := c.Compute(out, targets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// L1: |0.4-0.2| twice. GIoU of concentric boxes: inter 0.04,
	// union 0.16, hull 0.16, so giou 0.25 and loss 0.75.
	if math.Abs(losses["loss_bbox"]-0.4) > 1e-9 {
		t.Errorf("loss_bbox = %v, want 0.4", losses["loss_bbox"])
	}
	if math.Abs(losses["loss_giou"]-0.75) > 1e-9 {
		t.Errorf("loss_giou = %v, want 0.75", losses["loss_giou"])
	}
}

func TestComputeCardinalityExact(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 4
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossCardinality}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two slots predict real classes, two hit the trailing no-object
	// slot; one ground-truth object gives |2 - 1| = 1.
	out := &Output{Pred: Stage{
		Logits: []*mat.Dense{mat.NewDense(4, 3, []float64{
			5, 0, 0,
			0, 5, 0,
			0, 0, 5,
			0, 0, 5,
		})},
		Boxes: []*mat.Dense{mat.NewDense(4, 4, nil)},
	}}
	targets := []Targets{{
		Labels: []int{0},
		Boxes:  mat.NewDense(1, 4, []float64{0.5, 0.5, 0.2, 0.2}),
	}}

	losses, err := c.Compute(out, targets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(losses["cardinality_error"]-1) > 1e-9 {
		t.Errorf("cardinality_error = %v, want 1", losses["cardinality_error"])
	}
}

func TestComputePermutationInvariance(t *testing.T) {
	// Shuffling query slots must not change any matched loss: slots
	// carry no semantic meaning.
	cfg := DefaultConfig(4)
	cfg.NumQueries = 6
	c, err := NewSetCriterion(cfg, greedyMatcher{}, []string{LossLabels, LossBoxes}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(11))
	stage := randomStage(rng, 1, 6, 4)
	targets := []Targets{{
		Labels: []int{1, 3},
		Boxes: mat.NewDense(2, 4, []float64{
			0.3, 0.3, 0.2, 0.2,
			0.7, 0.6, 0.3, 0.25,
		}),
	}}

	base, err := c.Compute(&Output{Pred: stage}, targets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	perm := []int{4, 2, 5, 0, 3, 1}
	permLogits := mat.NewDense(6, 4, nil)
	permBoxes := mat.NewDense(6, 4, nil)
	for i, p := range perm {
		permLogits.SetRow(i, mat.Row(nil, p, stage.Logits[0]))
		permBoxes.SetRow(i, mat.Row(nil, p, stage.Boxes[0]))
	}
	permuted, err := c.Compute(&Output{Pred: Stage{
		Logits: []*mat.Dense{permLogits},
		Boxes:  []*mat.Dense{permBoxes},
	}}, targets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, key := range []string{"loss_ce", "loss_bbox", "loss_giou", "class_error"} {
		if math.Abs(base[key]-permuted[key]) > 1e-9 {
			t.Errorf("%s changed under permutation: %v vs %v", key, base[key], permuted[key])
		}
	}
}

func TestComputeZeroTargets(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 4
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossLabels, LossBoxes, LossCardinality}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var warned error
	errors.SetWarningHandler(func(w error) { warned = w })
	defer errors.SetWarningHandler(nil)

	out := &Output{Pred: Stage{
		Logits: []*mat.Dense{mat.NewDense(4, 3, nil)},
		Boxes:  []*mat.Dense{mat.NewDense(4, 4, nil)},
	}}
	losses, err := c.Compute(out, []Targets{{}}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if losses["loss_bbox"] != 0 || losses["loss_giou"] != 0 {
		t.Errorf("box losses should be exactly zero with no targets: %v, %v",
			losses["loss_bbox"], losses["loss_giou"])
	}
	if v := losses["loss_ce"]; math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		t.Errorf("loss_ce not finite non-negative: %v", v)
	}
	if warned == nil {
		t.Error("expected a degenerate batch warning")
	}
	var dbw *errors.DegenerateBatchWarning
	if !errors.As(warned, &dbw) {
		t.Errorf("warning has wrong type: %T", warned)
	}
}

func TestComputeOddBatchRejected(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 2
	cfg.SpaceAlign = true
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossLabels}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	out := &Output{Pred: randomStage(rng, 3, 2, 3)}
	targets := make([]Targets, 3)

	if _, err := c.Compute(out, targets, true); !errors.Is(err, errors.ErrOddBatch) {
		t.Errorf("expected ErrOddBatch, got %v", err)
	}
}

func TestComputeSourceOnlyUsesAllTargets(t *testing.T) {
	// source_only disables splitting entirely: an odd batch is fine and
	// every target is supervised.
	cfg := DefaultConfig(3)
	cfg.NumQueries = 2
	cfg.SpaceAlign = true
	cfg.DAMode = DAModeSourceOnly
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossLabels}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	out := &Output{Pred: randomStage(rng, 3, 2, 3)}
	targets := make([]Targets, 3)

	if _, err := c.Compute(out, targets, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDomainLossHalfOrderInvariance(t *testing.T) {
	cfg := DefaultConfig(3)
	c, err := NewSetCriterion(cfg, identityMatcher{}, []string{LossLabels}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base := mat.NewDense(4, 1, []float64{0.3, -1.2, 0.8, 2.1})
	withinHalf := mat.NewDense(4, 1, []float64{-1.2, 0.3, 2.1, 0.8})
	acrossHalf := mat.NewDense(4, 1, []float64{0.8, -1.2, 0.3, 2.1})

	for _, focal := range []bool{false, true} {
		a, err := c.lossDomain(base, focal)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := c.lossDomain(withinHalf, focal)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(a-b) > 1e-12 {
			t.Errorf("focal=%v: permutation within halves changed loss: %v vs %v", focal, a, b)
		}
		d, err := c.lossDomain(acrossHalf, focal)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(a-d) < 1e-12 {
			t.Errorf("focal=%v: swap across the split should change the loss", focal)
		}
	}

	odd := mat.NewDense(3, 1, []float64{0, 0, 0})
	if _, err := c.lossDomain(odd, false); !errors.Is(err, errors.ErrOddBatch) {
		t.Errorf("expected ErrOddBatch, got %v", err)
	}
}

func TestComputeFullAdversarialKeySet(t *testing.T) {
	cfg := DefaultConfig(4)
	cfg.NumQueries = 6
	cfg.DecoderLayers = 3
	cfg.TwoStage = true
	cfg.BackboneAlign = true
	cfg.SpaceAlign = true
	cfg.ChannelAlign = true
	cfg.InstanceAlign = true
	c, err := NewSetCriterion(cfg, greedyMatcher{}, []string{LossLabels, LossBoxes, LossCardinality}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(19))
	out := &Output{
		Pred: randomStage(rng, 2, 6, 4),
		Aux:  []Stage{randomStage(rng, 2, 6, 4), randomStage(rng, 2, 6, 4)},
		Domain: map[string]*mat.Dense{
			AlignBackbone:      mat.NewDense(4, 10, nil),
			AlignSpaceQuery:    mat.NewDense(4, 1, nil),
			AlignChannelQuery:  mat.NewDense(4, 1, nil),
			AlignInstanceQuery: mat.NewDense(4, 1, nil),
		},
	}
	enc := randomStage(rng, 2, 6, 4)
	out.Enc = &enc

	targets := []Targets{
		{Labels: []int{1, 3}, Boxes: mat.NewDense(2, 4, []float64{
			0.3, 0.3, 0.2, 0.2,
			0.7, 0.6, 0.3, 0.25,
		})},
		{Labels: []int{0}, Boxes: mat.NewDense(1, 4, []float64{0.5, 0.5, 0.4, 0.4})},
		// Target-domain images carry no supervision; their entries are
		// sliced off before matching.
		{},
		{},
	}

	losses, err := c.Compute(out, targets, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"loss_ce", "class_error", "cardinality_error", "loss_bbox", "loss_giou",
		"loss_ce_0", "cardinality_error_0", "loss_bbox_0", "loss_giou_0",
		"loss_ce_1", "cardinality_error_1", "loss_bbox_1", "loss_giou_1",
		"loss_ce_enc", "cardinality_error_enc", "loss_bbox_enc", "loss_giou_enc",
		"loss_backbone", "loss_space_query", "loss_channel_query", "loss_instance_query",
	}
	if len(losses) != len(want) {
		t.Errorf("got %d terms, want %d", len(losses), len(want))
	}
	sort.Strings(want)
	for _, k := range want {
		v, ok := losses[k]
		if !ok {
			t.Errorf("missing loss term %q", k)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("loss term %q not finite: %v", k, v)
		}
	}

	// Every weighted key must resolve against the criterion output.
	table := BuildWeightTable(cfg, DefaultWeightConfig(), false)
	for k := range table {
		if _, ok := losses[k]; !ok {
			t.Errorf("weight table key %q absent from losses", k)
		}
	}
	total := WeightedTotal(losses, table)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		t.Errorf("weighted total not finite: %v", total)
	}
}

type panicMatcher struct{}

func (panicMatcher) Match(_, _ *mat.Dense, _ Targets) (Assignment, error) {
	panic("solver blew up")
}

func TestComputeMatcherPanicBecomesError(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 2
	c, err := NewSetCriterion(cfg, panicMatcher{}, []string{LossBoxes}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	out := &Output{Pred: randomStage(rng, 1, 2, 3)}
	_, err = c.Compute(out, []Targets{{}}, false)
	if err == nil {
		t.Fatal("expected error from panicking matcher")
	}
	var pe *errors.PanicError
	if !errors.As(err, &pe) {
		t.Errorf("expected PanicError, got %T", err)
	}
}

func TestComputeWithIndicesValid(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.NumQueries = 5
	c, err := NewSetCriterion(cfg, greedyMatcher{}, []string{LossBoxes}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(5))
	out := &Output{Pred: randomStage(rng, 2, 5, 3)}
	targets := []Targets{
		{Labels: []int{0, 2}, Boxes: mat.NewDense(2, 4, []float64{
			0.4, 0.4, 0.2, 0.2,
			0.6, 0.6, 0.2, 0.2,
		})},
		{},
	}

	_, indices, err := c.ComputeWithIndices(out, targets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 2 {
		t.Fatalf("got %d assignments, want 2", len(indices))
	}
	if indices[0].Len() != 2 || indices[1].Len() != 0 {
		t.Errorf("assignment sizes %d/%d, want 2/0", indices[0].Len(), indices[1].Len())
	}
	for i, a := range indices {
		if err := ValidateAssignment(a, 5, targets[i].NumTargets()); err != nil {
			t.Errorf("image %d: %v", i, err)
		}
	}
}
