package optim

import (
	"math"

	"github.com/pkg/errors"
)

// DefaultGamma decays the learning rate tenfold per step.
const DefaultGamma = 0.1

// StepLR multiplies the base learning rate by gamma every stepSize epochs.
// Step is called once per completed epoch.
type StepLR struct {
	opt      *SGD
	baseLR   float64
	stepSize int
	gamma    float64
	epoch    int
}

// NewStepLR attaches a step decay schedule to opt.
func NewStepLR(opt *SGD, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, errors.Errorf("steplr: step size must be > 0 (got %d)", stepSize)
	}
	if gamma <= 0 {
		gamma = DefaultGamma
	}
	return &StepLR{opt: opt, baseLR: opt.LR(), stepSize: stepSize, gamma: gamma}, nil
}

// Step advances the schedule by one epoch and updates the optimizer.
func (s *StepLR) Step() {
	s.epoch++
	s.opt.SetLR(s.LR())
}

// LR is the learning rate for the current epoch.
func (s *StepLR) LR() float64 {
	return s.baseLR * math.Pow(s.gamma, float64(s.epoch/s.stepSize))
}

// Epoch is the number of completed epochs seen by the schedule.
func (s *StepLR) Epoch() int { return s.epoch }

// SetEpoch restores the schedule position, e.g. when resuming.
func (s *StepLR) SetEpoch(epoch int) {
	s.epoch = epoch
	s.opt.SetLR(s.LR())
}

func (s *StepLR) Name() string { return "StepLR" }
