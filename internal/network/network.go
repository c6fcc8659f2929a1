package network

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Direction selects which pass an observer is notified on.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Event is delivered to observers each time a stage runs. For forward events
// Output is the stage output; for backward events it is the gradient with
// respect to that output.
type Event struct {
	Stage     string
	Direction Direction
	Input     *mat.Dense
	Output    *mat.Dense
}

// Observer receives stage events.
type Observer interface {
	Observe(ev Event)
}

// Hookable is a named module observers can be registered on.
type Hookable interface {
	Name() string
	Register(dir Direction, obs Observer) (remove func())
}

type hook struct {
	id  int
	obs Observer
}

// Stage is a named group of layers. Stages named after visual areas (V1, V2,
// V4, IT) are the regions activations are compared against.
type Stage struct {
	name   string
	layers []Layer
	hooks  [2][]hook
	nextID int
}

// NewStage groups layers under name.
func NewStage(name string, layers ...Layer) *Stage {
	return &Stage{name: name, layers: layers}
}

func (s *Stage) Name() string { return s.name }

// Register adds obs to the stage. The returned func removes it and may be
// called any number of times.
func (s *Stage) Register(dir Direction, obs Observer) func() {
	id := s.nextID
	s.nextID++
	s.hooks[dir] = append(s.hooks[dir], hook{id: id, obs: obs})
	return func() {
		hooks := s.hooks[dir]
		for i, h := range hooks {
			if h.id == id {
				s.hooks[dir] = append(hooks[:i:i], hooks[i+1:]...)
				return
			}
		}
	}
}

// Forward runs the layers in order and notifies forward observers.
func (s *Stage) Forward(x *mat.Dense) *mat.Dense {
	out := x
	for _, l := range s.layers {
		out = l.Forward(out)
	}
	s.notify(Forward, x, out)
	return out
}

// Backward notifies backward observers with grad and propagates it through
// the layers in reverse.
func (s *Stage) Backward(grad *mat.Dense) *mat.Dense {
	s.notify(Backward, nil, grad)
	g := grad
	for i := len(s.layers) - 1; i >= 0; i-- {
		g = s.layers[i].Backward(g)
	}
	return g
}

// Params lists the trainable parameters of every layer in the stage.
func (s *Stage) Params() []*Param {
	var ps []*Param
	for _, l := range s.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (s *Stage) notify(dir Direction, in, out *mat.Dense) {
	if len(s.hooks[dir]) == 0 {
		return
	}
	ev := Event{Stage: s.name, Direction: dir, Input: in, Output: out}
	for _, h := range s.hooks[dir] {
		h.obs.Observe(ev)
	}
}

// Pass is the result of one forward pass: the network output and the output
// of every stage keyed by stage name.
type Pass struct {
	Output      *mat.Dense
	Activations map[string]*mat.Dense
}

// Network is a chain of stages; the last stage produces class logits.
type Network struct {
	arch   string
	stages []*Stage
	index  map[string]*Stage
}

// New assembles a network from stages. Stage names must be unique.
func New(arch string, stages ...*Stage) (*Network, error) {
	if len(stages) == 0 {
		return nil, errors.Errorf("network %s: no stages", arch)
	}
	index := make(map[string]*Stage, len(stages))
	for _, s := range stages {
		if _, ok := index[s.name]; ok {
			return nil, errors.Errorf("network %s: duplicate stage %q", arch, s.name)
		}
		index[s.name] = s
	}
	return &Network{arch: arch, stages: stages, index: index}, nil
}

func (n *Network) Arch() string { return n.arch }

// Stage returns the stage called name.
func (n *Network) Stage(name string) (*Stage, bool) {
	s, ok := n.index[name]
	return s, ok
}

// StageNames lists stages in forward order.
func (n *Network) StageNames() []string {
	names := make([]string, len(n.stages))
	for i, s := range n.stages {
		names[i] = s.name
	}
	return names
}

// Forward runs x through every stage.
func (n *Network) Forward(x *mat.Dense) *Pass {
	pass := &Pass{Activations: make(map[string]*mat.Dense, len(n.stages))}
	out := x
	for _, s := range n.stages {
		out = s.Forward(out)
		pass.Activations[s.name] = out
	}
	pass.Output = out
	return pass
}

// Backward accumulates parameter gradients for the most recent Forward.
// outGrad is the gradient w.r.t. the network output and may be nil;
// stageGrads adds gradients w.r.t. intermediate stage outputs.
func (n *Network) Backward(outGrad *mat.Dense, stageGrads map[string]*mat.Dense) error {
	for name := range stageGrads {
		if _, ok := n.index[name]; !ok {
			return errors.Errorf("network %s: gradient for unknown stage %q", n.arch, name)
		}
	}
	var g *mat.Dense
	for i := len(n.stages) - 1; i >= 0; i-- {
		s := n.stages[i]
		if i == len(n.stages)-1 && outGrad != nil {
			g = mat.DenseCopyOf(outGrad)
		}
		if sg, ok := stageGrads[s.name]; ok {
			if g == nil {
				g = mat.DenseCopyOf(sg)
			} else {
				g.Add(g, sg)
			}
		}
		if g == nil {
			continue
		}
		g = s.Backward(g)
	}
	return nil
}

// Params lists all trainable parameters in forward order.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, s := range n.stages {
		ps = append(ps, s.Params()...)
	}
	return ps
}
