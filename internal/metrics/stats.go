package metrics

import "time"

// Window accumulates step timing across a logging interval.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
	lastLR   float64
}

// Record adds one training step to the window. samples counts every input
// of every batch entry in the step.
func (w *Window) Record(samples int, dataTime, computeTime time.Duration, loss, lr float64) {
	w.samples += samples
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
	w.lastLR = lr
}

// Snapshot returns aggregated throughput and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.lastLoss, LR: w.lastLR}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable throughput.
type Snapshot struct {
	Steps         int
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	LastLoss      float64
	LR            float64
}
