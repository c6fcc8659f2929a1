// Package optim holds the optimizer and learning-rate schedule used for a
// training run.
package optim

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/network"
)

// Momentum is the fixed momentum coefficient of the run optimizer.
const Momentum = 0.9

// SGD is stochastic gradient descent with momentum, optional Nesterov
// acceleration and L2 weight decay folded into the gradient.
type SGD struct {
	params      []*network.Param
	lr          float64
	momentum    float64
	weightDecay float64
	nesterov    bool
	velocity    map[string]*mat.Dense
}

// NewSGD builds an optimizer over params.
func NewSGD(params []*network.Param, lr, momentum, weightDecay float64, nesterov bool) (*SGD, error) {
	if lr <= 0 || math.IsNaN(lr) {
		return nil, errors.Errorf("sgd: learning rate must be > 0 (got %g)", lr)
	}
	if weightDecay < 0 {
		return nil, errors.Errorf("sgd: weight decay must be >= 0 (got %g)", weightDecay)
	}
	if nesterov && momentum <= 0 {
		return nil, errors.New("sgd: nesterov requires momentum > 0")
	}
	return &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		nesterov:    nesterov,
		velocity:    make(map[string]*mat.Dense, len(params)),
	}, nil
}

// Step applies one update using the accumulated gradients:
//
//	g = grad + wd*p; v = m*v + g; g = g + m*v (nesterov) or v; p -= lr*g
func (o *SGD) Step() {
	for _, p := range o.params {
		var g mat.Dense
		g.Scale(o.weightDecay, p.Value)
		g.Add(&g, p.Grad)
		if o.momentum != 0 {
			v, ok := o.velocity[p.Name]
			if !ok {
				v = mat.DenseCopyOf(&g)
				o.velocity[p.Name] = v
			} else {
				v.Scale(o.momentum, v)
				v.Add(v, &g)
			}
			if o.nesterov {
				var mv mat.Dense
				mv.Scale(o.momentum, v)
				g.Add(&g, &mv)
			} else {
				g.CloneFrom(v)
			}
		}
		g.Scale(o.lr, &g)
		p.Value.Sub(p.Value, &g)
	}
}

// ZeroGrad clears the gradients of every parameter.
func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.Grad.Zero()
	}
}

// LR is the current learning rate.
func (o *SGD) LR() float64 { return o.lr }

// SetLR replaces the learning rate; schedules call it.
func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) Name() string { return "SGD" }

// Velocity returns the momentum buffers keyed by parameter name.
func (o *SGD) Velocity() map[string]*mat.Dense {
	return o.velocity
}

// LoadVelocity restores momentum buffers saved from Velocity.
func (o *SGD) LoadVelocity(v map[string]*mat.Dense) error {
	known := make(map[string]*network.Param, len(o.params))
	for _, p := range o.params {
		known[p.Name] = p
	}
	for name, buf := range v {
		p, ok := known[name]
		if !ok {
			return errors.Errorf("sgd: momentum buffer for unknown parameter %q", name)
		}
		pr, pc := p.Value.Dims()
		br, bc := buf.Dims()
		if pr != br || pc != bc {
			return errors.Errorf("sgd: momentum buffer %q is %dx%d, parameter is %dx%d", name, br, bc, pr, pc)
		}
		o.velocity[name] = mat.DenseCopyOf(buf)
	}
	return nil
}
