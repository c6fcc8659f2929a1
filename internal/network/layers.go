package network

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Layer is one differentiable transform over a batch whose rows are samples.
// Backward must be called after the Forward whose gradient it receives.
type Layer interface {
	Forward(x *mat.Dense) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*Param
}

// Linear computes xW + b.
type Linear struct {
	weight *Param
	bias   *Param
	input  *mat.Dense
}

// NewLinear builds a fully connected layer with He initialisation.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		weight: newParam(name+".weight", in, out),
		bias:   newParam(name+".bias", 1, out),
	}
	heInit(l.weight.Value, in, rng)
	return l
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	var y mat.Dense
	y.Mul(x, l.weight.Value)
	b := l.bias.Value.RawRowView(0)
	rows, _ := y.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), b)
	}
	return &y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(l.input.T(), grad)
	l.weight.Grad.Add(l.weight.Grad, &dw)

	db := l.bias.Grad.RawRowView(0)
	rows, _ := grad.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(db, grad.RawRowView(i))
	}

	var dx mat.Dense
	dx.Mul(grad, l.weight.Value.T())
	return &dx
}

func (l *Linear) Params() []*Param { return []*Param{l.weight, l.bias} }

// ReLU is the rectified linear activation.
type ReLU struct {
	input *mat.Dense
}

func (r *ReLU) Forward(x *mat.Dense) *mat.Dense {
	r.input = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, x)
	return &y
}

func (r *ReLU) Backward(grad *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		if r.input.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return &dx
}

func (r *ReLU) Params() []*Param { return nil }

// Shape describes a channel-major image volume.
type Shape struct {
	Channels int
	Height   int
	Width    int
}

// Size is the flattened length of one sample.
func (s Shape) Size() int { return s.Channels * s.Height * s.Width }

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// Conv2D is a square-kernel convolution over CHW rows, lowered to a matrix
// product with im2col.
type Conv2D struct {
	in      Shape
	out     Shape
	kernel  int
	stride  int
	padding int
	weight  *Param // (C*K*K) x F
	bias    *Param // 1 x F
	cols    []*mat.Dense
}

// NewConv2D builds a convolution producing filters output channels.
func NewConv2D(name string, in Shape, filters, kernel, stride, padding int, rng *rand.Rand) *Conv2D {
	if stride <= 0 {
		stride = 1
	}
	out := Shape{
		Channels: filters,
		Height:   (in.Height+2*padding-kernel)/stride + 1,
		Width:    (in.Width+2*padding-kernel)/stride + 1,
	}
	fan := in.Channels * kernel * kernel
	c := &Conv2D{
		in:      in,
		out:     out,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
		weight:  newParam(name+".weight", fan, filters),
		bias:    newParam(name+".bias", 1, filters),
	}
	heInit(c.weight.Value, fan, rng)
	return c
}

// OutShape returns the output volume of the convolution.
func (c *Conv2D) OutShape() Shape { return c.out }

func (c *Conv2D) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	spatial := c.out.Height * c.out.Width
	y := mat.NewDense(n, c.out.Size(), nil)
	b := c.bias.Value.RawRowView(0)
	c.cols = make([]*mat.Dense, n)
	for s := 0; s < n; s++ {
		cols := c.im2col(x.RawRowView(s))
		c.cols[s] = cols
		var o mat.Dense
		o.Mul(cols, c.weight.Value)
		row := y.RawRowView(s)
		for r := 0; r < spatial; r++ {
			for f := 0; f < c.out.Channels; f++ {
				row[f*spatial+r] = o.At(r, f) + b[f]
			}
		}
	}
	return y
}

func (c *Conv2D) Backward(grad *mat.Dense) *mat.Dense {
	n, _ := grad.Dims()
	spatial := c.out.Height * c.out.Width
	dx := mat.NewDense(n, c.in.Size(), nil)
	db := c.bias.Grad.RawRowView(0)
	for s := 0; s < n; s++ {
		g := grad.RawRowView(s)
		gOut := mat.NewDense(spatial, c.out.Channels, nil)
		for f := 0; f < c.out.Channels; f++ {
			for r := 0; r < spatial; r++ {
				v := g[f*spatial+r]
				gOut.Set(r, f, v)
				db[f] += v
			}
		}
		var dw mat.Dense
		dw.Mul(c.cols[s].T(), gOut)
		c.weight.Grad.Add(c.weight.Grad, &dw)

		var dcols mat.Dense
		dcols.Mul(gOut, c.weight.Value.T())
		c.col2im(&dcols, dx.RawRowView(s))
	}
	return dx
}

func (c *Conv2D) Params() []*Param { return []*Param{c.weight, c.bias} }

func (c *Conv2D) im2col(sample []float64) *mat.Dense {
	k := c.kernel
	cols := mat.NewDense(c.out.Height*c.out.Width, c.in.Channels*k*k, nil)
	for oy := 0; oy < c.out.Height; oy++ {
		for ox := 0; ox < c.out.Width; ox++ {
			row := cols.RawRowView(oy*c.out.Width + ox)
			for ch := 0; ch < c.in.Channels; ch++ {
				for ky := 0; ky < k; ky++ {
					iy := oy*c.stride - c.padding + ky
					if iy < 0 || iy >= c.in.Height {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*c.stride - c.padding + kx
						if ix < 0 || ix >= c.in.Width {
							continue
						}
						row[ch*k*k+ky*k+kx] = sample[ch*c.in.Height*c.in.Width+iy*c.in.Width+ix]
					}
				}
			}
		}
	}
	return cols
}

func (c *Conv2D) col2im(dcols *mat.Dense, dst []float64) {
	k := c.kernel
	for oy := 0; oy < c.out.Height; oy++ {
		for ox := 0; ox < c.out.Width; ox++ {
			row := dcols.RawRowView(oy*c.out.Width + ox)
			for ch := 0; ch < c.in.Channels; ch++ {
				for ky := 0; ky < k; ky++ {
					iy := oy*c.stride - c.padding + ky
					if iy < 0 || iy >= c.in.Height {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*c.stride - c.padding + kx
						if ix < 0 || ix >= c.in.Width {
							continue
						}
						dst[ch*c.in.Height*c.in.Width+iy*c.in.Width+ix] += row[ch*k*k+ky*k+kx]
					}
				}
			}
		}
	}
}

// AvgPool2 averages non-overlapping 2x2 windows per channel.
type AvgPool2 struct {
	in  Shape
	out Shape
}

// NewAvgPool2 builds a 2x2 average pool; odd trailing rows and columns are dropped.
func NewAvgPool2(in Shape) *AvgPool2 {
	return &AvgPool2{
		in:  in,
		out: Shape{Channels: in.Channels, Height: in.Height / 2, Width: in.Width / 2},
	}
}

// OutShape returns the pooled volume.
func (p *AvgPool2) OutShape() Shape { return p.out }

func (p *AvgPool2) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, p.out.Size(), nil)
	for s := 0; s < n; s++ {
		src := x.RawRowView(s)
		dst := y.RawRowView(s)
		for ch := 0; ch < p.in.Channels; ch++ {
			for oy := 0; oy < p.out.Height; oy++ {
				for ox := 0; ox < p.out.Width; ox++ {
					base := ch*p.in.Height*p.in.Width + 2*oy*p.in.Width + 2*ox
					sum := src[base] + src[base+1] + src[base+p.in.Width] + src[base+p.in.Width+1]
					dst[ch*p.out.Height*p.out.Width+oy*p.out.Width+ox] = sum / 4
				}
			}
		}
	}
	return y
}

func (p *AvgPool2) Backward(grad *mat.Dense) *mat.Dense {
	n, _ := grad.Dims()
	dx := mat.NewDense(n, p.in.Size(), nil)
	for s := 0; s < n; s++ {
		g := grad.RawRowView(s)
		dst := dx.RawRowView(s)
		for ch := 0; ch < p.in.Channels; ch++ {
			for oy := 0; oy < p.out.Height; oy++ {
				for ox := 0; ox < p.out.Width; ox++ {
					v := g[ch*p.out.Height*p.out.Width+oy*p.out.Width+ox] / 4
					base := ch*p.in.Height*p.in.Width + 2*oy*p.in.Width + 2*ox
					dst[base] += v
					dst[base+1] += v
					dst[base+p.in.Width] += v
					dst[base+p.in.Width+1] += v
				}
			}
		}
	}
	return dx
}

func (p *AvgPool2) Params() []*Param { return nil }

func heInit(m *mat.Dense, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanIn))
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.NormFloat64()*std)
		}
	}
}
