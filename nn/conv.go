package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detgo/pkg/errors"
)

// Conv2D is a direct-form 2D convolution over channels-first feature
// maps stored as channels × (H*W). The projector only needs two shapes:
// 1×1 stride-1 (a per-position channel mixing, evaluated as a single
// matrix product) and 3×3 stride-2 pad-1 for synthesized coarse scales.
type Conv2D struct {
	W          *mat.Dense    // outC × (inC*k*k)
	B          *mat.VecDense // outC
	InC, OutC  int
	Kernel     int
	Stride     int
	Pad        int
}

// NewConv2D creates a zero-initialized convolution.
func NewConv2D(inC, outC, kernel, stride, pad int) *Conv2D {
	return &Conv2D{
		W:      mat.NewDense(outC, inC*kernel*kernel, nil),
		B:      mat.NewVecDense(outC, nil),
		InC:    inC,
		OutC:   outC,
		Kernel: kernel,
		Stride: stride,
		Pad:    pad,
	}
}

// OutSize returns the spatial output size for an h×w input.
func (c *Conv2D) OutSize(h, w int) (int, int) {
	oh := (h+2*c.Pad-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Pad-c.Kernel)/c.Stride + 1
	return oh, ow
}

// Apply convolves an inC×(h*w) feature map and returns an
// outC×(oh*ow) map together with the output spatial size.
func (c *Conv2D) Apply(x *mat.Dense, h, w int) (*mat.Dense, int, int, error) {
	rc, rp := x.Dims()
	if rc != c.InC {
		return nil, 0, 0, errors.NewDimensionError("Conv2D.Apply", c.InC, rc, 0)
	}
	if rp != h*w {
		return nil, 0, 0, errors.NewShapeError("Conv2D.Apply", []int{c.InC, h * w}, []int{rc, rp})
	}

	oh, ow := c.OutSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, 0, 0, errors.NewValueError("Conv2D.Apply", "input smaller than kernel")
	}

	if c.Kernel == 1 && c.Stride == 1 && c.Pad == 0 {
		// 1×1 convolution is a channel-mixing matrix product.
		out := mat.NewDense(c.OutC, rp, nil)
		out.Mul(c.W, x)
		for i := 0; i < c.OutC; i++ {
			for j := 0; j < rp; j++ {
				out.Set(i, j, out.At(i, j)+c.B.AtVec(i))
			}
		}
		return out, h, w, nil
	}

	out := mat.NewDense(c.OutC, oh*ow, nil)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			op := oy*ow + ox
			for oc := 0; oc < c.OutC; oc++ {
				sum := c.B.AtVec(oc)
				for ic := 0; ic < c.InC; ic++ {
					for ky := 0; ky < c.Kernel; ky++ {
						iy := oy*c.Stride + ky - c.Pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < c.Kernel; kx++ {
							ix := ox*c.Stride + kx - c.Pad
							if ix < 0 || ix >= w {
								continue
							}
							wi := (ic*c.Kernel+ky)*c.Kernel + kx
							sum += c.W.At(oc, wi) * x.At(ic, iy*w+ix)
						}
					}
				}
				out.Set(oc, op, sum)
			}
		}
	}
	return out, oh, ow, nil
}

// XavierInit fills the kernel with the Glorot uniform distribution
// (gain 1) and zeroes the bias, matching the projector initialization.
func (c *Conv2D) XavierInit(rng *rand.Rand) {
	fanIn := c.InC * c.Kernel * c.Kernel
	fanOut := c.OutC * c.Kernel * c.Kernel
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := 0; i < c.OutC; i++ {
		for j := 0; j < c.InC*c.Kernel*c.Kernel; j++ {
			c.W.Set(i, j, (rng.Float64()*2-1)*limit)
		}
	}
	for i := 0; i < c.OutC; i++ {
		c.B.SetVec(i, 0)
	}
}

// GroupNorm normalizes a channels × positions feature map over groups
// of channels, then applies a per-channel affine transform.
type GroupNorm struct {
	Groups int
	Gamma  *mat.VecDense // per channel, init 1
	Beta   *mat.VecDense // per channel, init 0
	Eps    float64
}

// NewGroupNorm creates a group normalization over the given channel
// count. Groups must divide channels.
func NewGroupNorm(groups, channels int) (*GroupNorm, error) {
	if groups <= 0 || channels%groups != 0 {
		return nil, errors.NewConfigError("GroupNorm", "groups must divide channels", groups)
	}
	gamma := mat.NewVecDense(channels, nil)
	for i := 0; i < channels; i++ {
		gamma.SetVec(i, 1)
	}
	return &GroupNorm{
		Groups: groups,
		Gamma:  gamma,
		Beta:   mat.NewVecDense(channels, nil),
		Eps:    1e-5,
	}, nil
}

// Apply normalizes each group of channels to zero mean and unit
// variance across (channels-in-group × positions), then scales and
// shifts per channel.
func (g *GroupNorm) Apply(x *mat.Dense) (*mat.Dense, error) {
	c, p := x.Dims()
	if c != g.Gamma.Len() {
		return nil, errors.NewDimensionError("GroupNorm.Apply", g.Gamma.Len(), c, 0)
	}

	out := mat.NewDense(c, p, nil)
	chPerGroup := c / g.Groups
	for grp := 0; grp < g.Groups; grp++ {
		c0 := grp * chPerGroup
		c1 := c0 + chPerGroup

		var sum, sqSum float64
		n := float64(chPerGroup * p)
		for i := c0; i < c1; i++ {
			for j := 0; j < p; j++ {
				v := x.At(i, j)
				sum += v
				sqSum += v * v
			}
		}
		mean := sum / n
		variance := sqSum/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		invStd := 1 / math.Sqrt(variance+g.Eps)

		for i := c0; i < c1; i++ {
			gamma := g.Gamma.AtVec(i)
			beta := g.Beta.AtVec(i)
			for j := 0; j < p; j++ {
				out.Set(i, j, (x.At(i, j)-mean)*invStd*gamma+beta)
			}
		}
	}
	return out, nil
}
