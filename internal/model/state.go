package model

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/checkpoint"
)

// State snapshots parameters, optimizer and schedule for a checkpoint.
func (w *Wrapper) State(epoch, globalStep int) *checkpoint.State {
	st := &checkpoint.State{
		Arch:       w.hp.Arch,
		Epoch:      epoch,
		GlobalStep: globalStep,
		Params:     map[string]checkpoint.Tensor{},
		Meta: map[string]string{
			"neural_loss":  w.metric.Name(),
			"regions":      strings.Join(w.hp.Regions, ","),
			"loss_weights": formatFloats(w.hp.LossWeights),
			"image_size":   strconv.Itoa(w.hp.ImageSize),
			"classes":      strconv.Itoa(w.hp.Classes),
		},
	}
	for _, p := range w.net.Params() {
		st.Params[p.Name] = checkpoint.FromDense(p.Value)
	}
	if w.opt != nil {
		st.LR = w.opt.LR()
		st.SchedulerEpoch = w.sched.Epoch()
		st.Velocity = map[string]checkpoint.Tensor{}
		for name, v := range w.opt.Velocity() {
			st.Velocity[name] = checkpoint.FromDense(v)
		}
	}
	return st
}

// LoadState restores parameters, momentum buffers and schedule position.
func (w *Wrapper) LoadState(st *checkpoint.State) error {
	if st.Arch != w.hp.Arch {
		return errors.Errorf("checkpoint is for %s, wrapper is %s", st.Arch, w.hp.Arch)
	}
	if err := w.loadParams(st.Params); err != nil {
		return err
	}
	opt, sched, err := w.ConfigureOptimizers()
	if err != nil {
		return err
	}
	velocity := make(map[string]*mat.Dense, len(st.Velocity))
	for name, t := range st.Velocity {
		velocity[name] = t.Dense()
	}
	if err := opt.LoadVelocity(velocity); err != nil {
		return err
	}
	sched.SetEpoch(st.SchedulerEpoch)
	return nil
}

func (w *Wrapper) loadParams(params map[string]checkpoint.Tensor) error {
	for _, p := range w.net.Params() {
		t, ok := params[p.Name]
		if !ok {
			return errors.Errorf("missing parameter %s", p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c {
			return errors.Errorf("parameter %s is %dx%d, stored %dx%d", p.Name, r, c, t.Rows, t.Cols)
		}
		p.Value.Copy(t.Dense())
	}
	return nil
}

func formatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
