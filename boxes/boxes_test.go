package boxes

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const tol = 1e-9

func TestCenterToCorners(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{
			name: "unit box at origin",
			in:   []float64{0.5, 0.5, 1, 1},
			want: []float64{0, 0, 1, 1},
		},
		{
			name: "small offset box",
			in:   []float64{0.3, 0.4, 0.2, 0.1},
			want: []float64{0.2, 0.35, 0.4, 0.45},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := mat.NewDense(1, 4, tt.in)
			got, err := CenterToCorners(in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for j, want := range tt.want {
				if math.Abs(got.At(0, j)-want) > tol {
					t.Errorf("col %d = %v, want %v", j, got.At(0, j), want)
				}
			}
		})
	}
}

func TestConversionRoundTrip(t *testing.T) {
	in := mat.NewDense(3, 4, []float64{
		0.5, 0.5, 0.4, 0.2,
		0.1, 0.9, 0.05, 0.1,
		0.7, 0.3, 0.6, 0.6,
	})
	corners, err := CenterToCorners(in)
	if err != nil {
		t.Fatal(err)
	}
	back, err := CornersToCenter(corners)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(back.At(i, j)-in.At(i, j)) > tol {
				t.Errorf("(%d,%d) = %v, want %v", i, j, back.At(i, j), in.At(i, j))
			}
		}
	}
}

func TestCenterToCornersRejectsBadWidth(t *testing.T) {
	if _, err := CenterToCorners(mat.NewDense(1, 3, nil)); err == nil {
		t.Error("expected dimension error for width-3 input")
	}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{
			name: "identical boxes",
			a:    []float64{0, 0, 1, 1},
			b:    []float64{0, 0, 1, 1},
			want: 1,
		},
		{
			name: "half overlap",
			a:    []float64{0, 0, 1, 1},
			b:    []float64{0.5, 0, 1.5, 1},
			want: 1.0 / 3.0,
		},
		{
			name: "disjoint boxes",
			a:    []float64{0, 0, 1, 1},
			b:    []float64{2, 2, 3, 3},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := IoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > tol {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGIoU(t *testing.T) {
	// Identical boxes: GIoU is exactly 1, so 1-GIoU loss is exactly 0.
	if g := GIoU([]float64{0.1, 0.2, 0.5, 0.9}, []float64{0.1, 0.2, 0.5, 0.9}); g != 1 {
		t.Errorf("GIoU of identical boxes = %v, want 1", g)
	}

	// Disjoint, far-apart boxes: GIoU is negative.
	if g := GIoU([]float64{0, 0, 0.1, 0.1}, []float64{0.9, 0.9, 1, 1}); g >= 0 {
		t.Errorf("GIoU of far disjoint boxes = %v, want negative", g)
	}

	// Touching boxes sharing an edge: IoU 0, enclosing box is exactly the
	// union, so GIoU is 0.
	if g := GIoU([]float64{0, 0, 1, 1}, []float64{1, 0, 2, 1}); math.Abs(g) > tol {
		t.Errorf("GIoU of edge-adjacent boxes = %v, want 0", g)
	}
}

func TestMatchedGIoU(t *testing.T) {
	src := mat.NewDense(2, 4, []float64{
		0, 0, 1, 1,
		0, 0, 1, 1,
	})
	tgt := mat.NewDense(2, 4, []float64{
		0, 0, 1, 1,
		2, 2, 3, 3,
	})
	got, err := MatchedGIoU(src, tgt)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}
	if got.AtVec(0) != 1 {
		t.Errorf("matched pair 0 = %v, want 1", got.AtVec(0))
	}
	if got.AtVec(1) >= 0 {
		t.Errorf("matched pair 1 = %v, want negative", got.AtVec(1))
	}
}

func TestMatchedGIoURowMismatch(t *testing.T) {
	if _, err := MatchedGIoU(mat.NewDense(2, 4, nil), mat.NewDense(3, 4, nil)); err == nil {
		t.Error("expected dimension error for mismatched rows")
	}
}
