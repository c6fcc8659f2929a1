// Package similarity compares model and recorded neural representations by
// their representational geometry.
package similarity

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownKind is returned by ParseKind and New for unsupported losses.
	ErrUnknownKind = errors.New("similarity: unknown loss kind")
	// ErrSampleMismatch means the two representations cover different samples.
	ErrSampleMismatch = errors.New("similarity: sample counts differ")
	// ErrDegenerate means a representation has no similarity structure.
	ErrDegenerate = errors.New("similarity: degenerate representation")
)

// Kind selects the scalar transform applied to the alignment score.
type Kind int

const (
	LinearCKA Kind = iota + 1
	LogCKA
)

// ParseKind maps configuration names to kinds.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "CKA":
		return LinearCKA, nil
	case "logCKA":
		return LogCKA, nil
	}
	return 0, errors.Wrapf(ErrUnknownKind, "%q", s)
}

func (k Kind) String() string {
	switch k {
	case LinearCKA:
		return "CKA"
	case LogCKA:
		return "logCKA"
	}
	return "unknown"
}

// Metric scores dissimilarity between model activations and targets. Both are
// samples x features; the feature counts may differ. Lower is better.
type Metric interface {
	Name() string
	Compute(model, target *mat.Dense) (float64, error)
	// Gradient returns the loss together with its derivative with respect to
	// the model activations.
	Gradient(model, target *mat.Dense) (float64, *mat.Dense, error)
}

// New returns the metric for k.
func New(k Kind) (Metric, error) {
	switch k {
	case LinearCKA, LogCKA:
		return cka{kind: k}, nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "kind %d", int(k))
}

// minAlignment keeps the log loss finite for orthogonal representations.
const minAlignment = 1e-12

type cka struct {
	kind Kind
}

func (m cka) Name() string { return m.kind.String() }

func (m cka) Compute(model, target *mat.Dense) (float64, error) {
	al, err := align(model, target)
	if err != nil {
		return 0, err
	}
	return m.loss(al.score), nil
}

func (m cka) Gradient(model, target *mat.Dense) (float64, *mat.Dense, error) {
	al, err := align(model, target)
	if err != nil {
		return 0, nil, err
	}
	d := al.gradient()
	switch m.kind {
	case LinearCKA:
		d.Scale(-1, d)
	case LogCKA:
		d.Scale(-1/math.Max(al.score, minAlignment), d)
	}
	return m.loss(al.score), d, nil
}

func (m cka) loss(score float64) float64 {
	if m.kind == LogCKA {
		return -math.Log(math.Max(score, minAlignment))
	}
	return 1 - score
}

// alignment holds the intermediate terms of
// CKA = ||Yc^T Xc||^2 / (||Xc^T Xc|| ||Yc^T Yc||).
type alignment struct {
	xc, yc *mat.Dense
	cross  float64 // ||Yc^T Xc||_F^2
	selfX  float64 // ||Xc^T Xc||_F^2
	selfY  float64 // ||Yc^T Yc||_F^2
	score  float64
}

func align(x, y *mat.Dense) (*alignment, error) {
	if x == nil || y == nil {
		return nil, errors.Wrap(ErrDegenerate, "nil representation")
	}
	nx, _ := x.Dims()
	ny, _ := y.Dims()
	if nx != ny {
		return nil, errors.Wrapf(ErrSampleMismatch, "%d vs %d", nx, ny)
	}
	if nx < 2 {
		return nil, errors.Wrapf(ErrDegenerate, "%d samples", nx)
	}
	al := &alignment{xc: center(x), yc: center(y)}
	al.cross = gramNorm(al.yc, al.xc)
	al.selfX = gramNorm(al.xc, al.xc)
	al.selfY = gramNorm(al.yc, al.yc)
	if al.selfX == 0 || al.selfY == 0 {
		return nil, errors.Wrap(ErrDegenerate, "constant representation")
	}
	al.score = al.cross / math.Sqrt(al.selfX*al.selfY)
	return al, nil
}

// gradient returns dCKA/dX.
func (al *alignment) gradient() *mat.Dense {
	var k, l mat.Dense
	k.Mul(al.xc, al.xc.T())
	l.Mul(al.yc, al.yc.T())

	var lx, kx mat.Dense
	lx.Mul(&l, al.xc)
	kx.Mul(&k, al.xc)

	var d mat.Dense
	d.Scale(2/math.Sqrt(al.selfX*al.selfY), &lx)
	kx.Scale(2*al.score/al.selfX, &kx)
	d.Sub(&d, &kx)
	// Centering is symmetric, so the chain rule through it is another centering.
	return center(&d)
}

func center(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	means := make([]float64, cols)
	for i := 0; i < rows; i++ {
		floats.Add(means, m.RawRowView(i))
	}
	floats.Scale(1/float64(rows), means)
	c := mat.DenseCopyOf(m)
	for i := 0; i < rows; i++ {
		floats.Sub(c.RawRowView(i), means)
	}
	return c
}

func gramNorm(a, b *mat.Dense) float64 {
	var p mat.Dense
	p.Mul(a.T(), b)
	n := mat.Norm(&p, 2)
	return n * n
}
