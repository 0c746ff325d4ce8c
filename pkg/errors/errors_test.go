package errors

import (
	"math"
	"strings"
	"testing"
)

func TestNewConfigError(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		reason  string
		value   interface{}
		wantMsg string
	}{
		{
			name:    "scale count mismatch",
			field:   "NumFeatureLevels",
			reason:  "fewer than backbone outputs",
			value:   2,
			wantMsg: "detgo: invalid configuration for 'NumFeatureLevels': fewer than backbone outputs (got: 2)",
		},
		{
			name:    "unsupported loss",
			field:   "Losses",
			reason:  "unknown loss name",
			value:   "chamfer",
			wantMsg: "detgo: invalid configuration for 'Losses': unknown loss name (got: chamfer)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConfigError(tt.field, tt.reason, tt.value)
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.wantMsg)
			}

			var cfgErr *ConfigError
			if !As(err, &cfgErr) {
				t.Error("error should unwrap to *ConfigError")
			}
		})
	}
}

func TestNewShapeError(t *testing.T) {
	err := NewShapeError("SetCriterion.lossBoxes", []int{2, 4}, []int{2, 3})
	if !strings.Contains(err.Error(), "Expected [2 4], got [2 3]") {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var shapeErr *ShapeError
	if !As(err, &shapeErr) {
		t.Fatal("error should unwrap to *ShapeError")
	}
	if shapeErr.Op != "SetCriterion.lossBoxes" {
		t.Errorf("Op = %q", shapeErr.Op)
	}
}

func TestCheckNumericalStability(t *testing.T) {
	if err := CheckNumericalStability("loss", []float64{0.1, -3.5, 0}); err != nil {
		t.Errorf("finite values should pass: %v", err)
	}
	if err := CheckNumericalStability("loss", []float64{0.1, math.NaN()}); err == nil {
		t.Error("NaN should be detected")
	}
	if err := CheckScalar("loss", math.Inf(1)); err == nil {
		t.Error("Inf should be detected")
	}
}

func TestSigmoidLogitRoundTrip(t *testing.T) {
	for _, x := range []float64{-10, -1, 0, 0.5, 3, 10} {
		p := Sigmoid(x)
		back := Logit(p, 1e-7)
		if math.Abs(back-x) > 1e-4 {
			t.Errorf("Logit(Sigmoid(%v)) = %v", x, back)
		}
	}
}

func TestLogitSaturation(t *testing.T) {
	// Beyond the clip region the round trip deliberately saturates:
	// 1-p falls below eps, so the recovered logit is pinned at
	// log(p/eps) ~= log(1/eps) instead of the original value.
	back := Logit(Sigmoid(20), 1e-7)
	if math.Abs(back-math.Log(1e7)) > 1e-6 {
		t.Errorf("Logit(Sigmoid(20)) = %v, want saturation at log(1e7) = %v", back, math.Log(1e7))
	}

	// Exactly saturated probabilities stay finite.
	if math.IsInf(Logit(1, 1e-5), 0) || math.IsInf(Logit(0, 1e-5), 0) {
		t.Error("Logit must clip saturated inputs to finite values")
	}
}

func TestBCEWithLogits(t *testing.T) {
	tests := []struct {
		logit, target, want float64
	}{
		{0, 1, math.Log(2)},
		{0, 0, math.Log(2)},
		{5, 1, Log1pExp(-5)},
		{-5, 0, Log1pExp(-5)},
	}
	for _, tt := range tests {
		got := BCEWithLogits(tt.logit, tt.target)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("BCEWithLogits(%v, %v) = %v, want %v", tt.logit, tt.target, got, tt.want)
		}
	}

	// Large logits must not overflow.
	if v := BCEWithLogits(1000, 0); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Errorf("BCEWithLogits overflowed: %v", v)
	}
}

func TestWarningHandler(t *testing.T) {
	var captured error
	SetWarningHandler(func(w error) { captured = w })
	defer SetWarningHandler(nil)

	w := NewDegenerateBatchWarning("SetCriterion.Compute", 4)
	Warn(w)

	if captured == nil {
		t.Fatal("warning was not delivered to the handler")
	}
	if !strings.Contains(captured.Error(), "zero target boxes") {
		t.Errorf("unexpected warning message: %q", captured.Error())
	}
}
