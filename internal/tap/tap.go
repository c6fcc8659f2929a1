// Package tap records the most recent output of a network stage without
// touching the computation itself.
package tap

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/network"
)

// ErrNoValue is returned by Read when the tapped stage has not run since the
// tap was attached.
var ErrNoValue = errors.New("tap: no value recorded")

// Tap observes one stage. The stored matrix is not cloned: a caller that
// mutates it in place changes what later readers see.
type Tap struct {
	stage     string
	direction network.Direction
	value     *mat.Dense
	remove    func()
}

// Attach registers a tap on module for the given direction. Several taps may
// be attached to the same module.
func Attach(module network.Hookable, dir network.Direction) (*Tap, error) {
	if module == nil {
		return nil, errors.New("tap: nil module")
	}
	if dir != network.Forward && dir != network.Backward {
		return nil, errors.Errorf("tap: invalid direction %d", dir)
	}
	t := &Tap{stage: module.Name(), direction: dir}
	t.remove = module.Register(dir, t)
	return t, nil
}

// Observe stores the event output as the current value.
func (t *Tap) Observe(ev network.Event) {
	t.value = ev.Output
}

// Read returns the last observed value.
func (t *Tap) Read() (*mat.Dense, error) {
	if t.value == nil {
		return nil, errors.Wrapf(ErrNoValue, "stage %s", t.stage)
	}
	return t.value, nil
}

// Detach stops observation. The last value stays readable.
func (t *Tap) Detach() {
	if t.remove != nil {
		t.remove()
		t.remove = nil
	}
}

// Stage is the name of the observed stage.
func (t *Tap) Stage() string { return t.stage }

// Direction reports whether the tap records outputs or output gradients.
func (t *Tap) Direction() network.Direction { return t.direction }
