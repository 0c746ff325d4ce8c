// Package nn provides the small forward-only layer set used by the
// detection head: linear maps, multi-layer perceptrons, group
// normalization, the two convolution shapes needed by the feature
// projector, and the gradient-reversal marker used for adversarial
// alignment.
//
// Layers operate on gonum matrices whose rows are batch elements
// (tokens, queries) and whose columns are feature channels, except for
// the spatial layers (Conv2D, GroupNorm) which take channels-first
// feature maps laid out as channels × (H*W).
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// Linear is a fully connected layer: y = x*W + b.
type Linear struct {
	W *mat.Dense    // in × out
	B *mat.VecDense // out
}

// NewLinear creates a zero-initialized linear layer.
func NewLinear(in, out int) *Linear {
	return &Linear{
		W: mat.NewDense(in, out, nil),
		B: mat.NewVecDense(out, nil),
	}
}

// InDim returns the input width.
func (l *Linear) InDim() int {
	r, _ := l.W.Dims()
	return r
}

// OutDim returns the output width.
func (l *Linear) OutDim() int {
	_, c := l.W.Dims()
	return c
}

// Apply maps an n×in matrix to n×out.
func (l *Linear) Apply(x *mat.Dense) (*mat.Dense, error) {
	n, c := x.Dims()
	if c != l.InDim() {
		return nil, errors.NewDimensionError("Linear.Apply", l.InDim(), c, 1)
	}
	out := mat.NewDense(n, l.OutDim(), nil)
	out.Mul(x, l.W)
	for i := 0; i < n; i++ {
		for j := 0; j < l.OutDim(); j++ {
			out.Set(i, j, out.At(i, j)+l.B.AtVec(j))
		}
	}
	return out, nil
}

// Clone returns a deep copy of the layer.
func (l *Linear) Clone() *Linear {
	c := NewLinear(l.InDim(), l.OutDim())
	c.W.Copy(l.W)
	c.B.CopyVec(l.B)
	return c
}

// XavierInit fills the weights with the Glorot uniform distribution
// (gain 1) and zeroes the bias.
func (l *Linear) XavierInit(rng *rand.Rand) {
	in, out := l.W.Dims()
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			l.W.Set(i, j, (rng.Float64()*2-1)*limit)
		}
	}
	for j := 0; j < out; j++ {
		l.B.SetVec(j, 0)
	}
}

// MLP is a simple multi-layer perceptron with ReLU between layers and a
// linear final layer.
type MLP struct {
	Layers []*Linear
}

// NewMLP creates an MLP with numLayers linear layers: in → hidden …
// hidden → out.
func NewMLP(in, hidden, out, numLayers int) *MLP {
	m := &MLP{Layers: make([]*Linear, 0, numLayers)}
	for i := 0; i < numLayers; i++ {
		li, lo := hidden, hidden
		if i == 0 {
			li = in
		}
		if i == numLayers-1 {
			lo = out
		}
		m.Layers = append(m.Layers, NewLinear(li, lo))
	}
	return m
}

// Apply runs the MLP over an n×in matrix, applying ReLU after every
// layer except the last.
func (m *MLP) Apply(x *mat.Dense) (*mat.Dense, error) {
	out := x
	for i, l := range m.Layers {
		var err error
		out, err = l.Apply(out)
		if err != nil {
			return nil, errors.Wrapf(err, "MLP layer %d", i)
		}
		if i < len(m.Layers)-1 {
			reluInPlace(out)
		}
	}
	return out, nil
}

// Clone returns a deep copy of the MLP.
func (m *MLP) Clone() *MLP {
	c := &MLP{Layers: make([]*Linear, len(m.Layers))}
	for i, l := range m.Layers {
		c.Layers[i] = l.Clone()
	}
	return c
}

// XavierInit initializes every layer with the Glorot uniform
// distribution.
func (m *MLP) XavierInit(rng *rand.Rand) {
	for _, l := range m.Layers {
		l.XavierInit(rng)
	}
}

// Final returns the last linear layer. The prediction heads set its bias
// priors directly.
func (m *MLP) Final() *Linear {
	return m.Layers[len(m.Layers)-1]
}

func reluInPlace(x *mat.Dense) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if x.At(i, j) < 0 {
				x.Set(i, j, 0)
			}
		}
	}
}

// GradientReversal is the identity in the forward computation; the
// recorded scale is what a backward pass would multiply gradients by.
// This is how adversarial alignment trains the feature extractor
// without a separate optimizer step.
type GradientReversal struct {
	Lambda float64
}

// NewGradientReversal creates a reversal layer with the given strength.
func NewGradientReversal(lambda float64) *GradientReversal {
	return &GradientReversal{Lambda: lambda}
}

// Apply returns x unchanged.
func (g *GradientReversal) Apply(x *mat.Dense) *mat.Dense {
	return x
}

// BackwardScale returns the factor a backward pass applies: -Lambda.
func (g *GradientReversal) BackwardScale() float64 {
	return -g.Lambda
}
