// Package model wraps a network with its region taps and similarity loss and
// exposes the step-level training and evaluation entry points.
package model

import (
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/checkpoint"
	"braintree/internal/metrics"
	"braintree/internal/network"
	"braintree/internal/optim"
	"braintree/internal/similarity"
	"braintree/internal/tap"
)

// WeightSource provides stored parameters for pretrained construction.
type WeightSource interface {
	Load(path string) (*checkpoint.State, error)
}

// Deps are the collaborators a Wrapper is built with.
type Deps struct {
	Registry *network.Registry
	Metrics  metrics.Sink
	// Weights is consulted when Hyperparameters.Pretrained is set.
	Weights WeightSource
}

// Wrapper owns the network, one tap per configured region and the
// similarity metric.
type Wrapper struct {
	hp      Hyperparameters
	net     *network.Network
	taps    map[string]*tap.Tap
	metric  similarity.Metric
	sink    metrics.Sink
	ignored map[string]bool
	skipped map[string]bool

	opt   *optim.SGD
	sched *optim.StepLR

	epoch int
	step  int
}

// New builds the network named by hp.Arch and taps every region in
// hp.Regions.
func New(hp Hyperparameters, deps Deps) (*Wrapper, error) {
	hp = hp.clone()
	if deps.Registry == nil {
		deps.Registry = network.Builtin()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard
	}
	if hp.Channels == 0 {
		hp.Channels = 3
	}

	net, err := deps.Registry.Build(hp.Arch, network.Spec{
		ImageSize: hp.ImageSize,
		Channels:  hp.Channels,
		Classes:   hp.Classes,
		Seed:      hp.Seed,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("arch=%s pretrained=%t record_time=%t", hp.Arch, hp.Pretrained, hp.RecordTime)

	metric, err := similarity.New(hp.NeuralLoss)
	if err != nil {
		return nil, err
	}

	w := &Wrapper{
		hp:      hp,
		net:     net,
		metric:  metric,
		sink:    deps.Metrics,
		ignored: make(map[string]bool, len(hp.IgnoredSources)),
		skipped: map[string]bool{},
	}
	for _, s := range hp.IgnoredSources {
		w.ignored[s] = true
	}
	if hp.Pretrained {
		if err := w.loadPretrained(deps.Weights); err != nil {
			return nil, err
		}
	}
	if err := w.hookRegions(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wrapper) hookRegions() error {
	if w.hp.Verbose {
		log.Printf("hooking regions %v", w.hp.Regions)
	}
	w.taps = make(map[string]*tap.Tap, len(w.hp.Regions))
	for _, region := range w.hp.Regions {
		if _, dup := w.taps[region]; dup {
			w.Close()
			return errors.Errorf("region %q listed twice", region)
		}
		stage, ok := w.net.Stage(region)
		if !ok {
			w.Close()
			return errors.Wrapf(ErrUnknownRegion, "%q not a stage of %s (stages %v)", region, w.hp.Arch, w.net.StageNames())
		}
		t, err := tap.Attach(stage, network.Forward)
		if err != nil {
			w.Close()
			return err
		}
		w.taps[region] = t
	}
	return nil
}

func (w *Wrapper) loadPretrained(src WeightSource) error {
	if src == nil || w.hp.PretrainedKey == "" {
		return errors.Errorf("pretrained %s requested without a weight source", w.hp.Arch)
	}
	st, err := src.Load(w.hp.PretrainedKey)
	if err != nil {
		return errors.Wrap(err, "load pretrained weights")
	}
	if st.Arch != "" && st.Arch != w.hp.Arch {
		return errors.Errorf("pretrained weights are for %s, not %s", st.Arch, w.hp.Arch)
	}
	return w.loadParams(st.Params)
}

// Close detaches every tap.
func (w *Wrapper) Close() {
	for _, t := range w.taps {
		t.Detach()
	}
}

// Forward runs the network.
func (w *Wrapper) Forward(x *mat.Dense) *network.Pass {
	return w.net.Forward(x)
}

// Network exposes the wrapped network.
func (w *Wrapper) Network() *network.Network { return w.net }

// Metric is the configured similarity loss.
func (w *Wrapper) Metric() similarity.Metric { return w.metric }

// Hyperparameters returns a copy of the configuration.
func (w *Wrapper) Hyperparameters() Hyperparameters { return w.hp.clone() }

// Tap returns the tap on region.
func (w *Wrapper) Tap(region string) (*tap.Tap, error) {
	t, ok := w.taps[region]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRegion, "%q", region)
	}
	return t, nil
}

// Regions lists tapped regions in sorted order.
func (w *Wrapper) Regions() []string {
	names := make([]string, 0, len(w.taps))
	for name := range w.taps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetProgress stamps subsequently emitted metrics with epoch and global step.
func (w *Wrapper) SetProgress(epoch, step int) {
	w.epoch = epoch
	w.step = step
}

// ConfigureOptimizers returns the run's single optimizer and schedule: SGD
// with momentum 0.9 and Nesterov over every parameter, decayed per epoch.
// Repeated calls return the same pair.
func (w *Wrapper) ConfigureOptimizers() (*optim.SGD, *optim.StepLR, error) {
	if w.opt != nil {
		return w.opt, w.sched, nil
	}
	opt, err := optim.NewSGD(w.net.Params(), w.hp.LR, optim.Momentum, w.hp.WeightDecay, true)
	if err != nil {
		return nil, nil, err
	}
	sched, err := optim.NewStepLR(opt, w.hp.StepSize, w.hp.Gamma)
	if err != nil {
		return nil, nil, err
	}
	w.opt, w.sched = opt, sched
	return opt, sched, nil
}

// TrainingStep routes every entry to its loss, backpropagates each loss
// scaled by its weight, applies one optimizer step and returns the weighted
// sum. The number of weights must equal the number of entries.
func (w *Wrapper) TrainingStep(batch Batch, batchIdx int) (float64, error) {
	if len(w.hp.LossWeights) != len(batch.Entries) {
		return 0, errors.Wrapf(ErrLossWeightMismatch, "%d weights for %d entries", len(w.hp.LossWeights), len(batch.Entries))
	}
	opt, _, err := w.ConfigureOptimizers()
	if err != nil {
		return 0, err
	}
	opt.ZeroGrad()

	var weights, losses []float64
	for i, e := range batch.Entries {
		loss, ok, err := w.route(e, "train", w.hp.LossWeights[i], true)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d entry %d (%s)", batchIdx, i, e.Source)
		}
		if ok {
			weights = append(weights, w.hp.LossWeights[i])
			losses = append(losses, loss)
		}
	}
	total, err := weightedSum(weights, losses)
	if err != nil {
		return 0, err
	}
	opt.Step()
	return total, nil
}

// ValidationStep evaluates every entry with unit weights and no parameter
// update, emitting val_ metrics.
func (w *Wrapper) ValidationStep(batch Batch, batchIdx int) (float64, error) {
	return w.evaluate(batch, batchIdx, "val")
}

// TestStep shares the validation path, metric names included.
func (w *Wrapper) TestStep(batch Batch, batchIdx int) (float64, error) {
	return w.evaluate(batch, batchIdx, "val")
}

func (w *Wrapper) evaluate(batch Batch, batchIdx int, mode string) (float64, error) {
	var weights, losses []float64
	for i, e := range batch.Entries {
		loss, ok, err := w.route(e, mode, 1, false)
		if err != nil {
			return 0, errors.Wrapf(err, "%s batch %d entry %d (%s)", mode, batchIdx, i, e.Source)
		}
		if ok {
			weights = append(weights, 1)
			losses = append(losses, loss)
		}
	}
	return weightedSum(weights, losses)
}

// weightedSum combines losses with their weights; callers append both in
// lockstep.
func weightedSum(weights, losses []float64) (float64, error) {
	total := 0.0
	for i, l := range losses {
		total += weights[i] * l
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, errors.Wrapf(ErrNonFiniteLoss, "%v", total)
	}
	return total, nil
}

// route dispatches e by its source tag. ok is false when the entry was
// skipped.
func (w *Wrapper) route(e Entry, mode string, weight float64, train bool) (float64, bool, error) {
	task, known := w.hp.Routes[e.Source]
	if !known {
		if w.ignored[e.Source] {
			return 0, false, nil
		}
		if w.hp.UnknownSources == FailUnknown {
			return 0, false, errors.Wrapf(ErrUnknownSource, "%q", e.Source)
		}
		if w.hp.Verbose && !w.skipped[e.Source] {
			log.Printf("skipping entries from unrouted source %q", e.Source)
		}
		w.skipped[e.Source] = true
		return 0, false, nil
	}
	if e.Inputs == nil {
		return 0, false, errors.New("entry has no inputs")
	}

	var (
		loss float64
		err  error
	)
	switch task {
	case Classification:
		loss, err = w.classification(e, mode, weight, train)
	case Similarity:
		loss, err = w.similarity(e, mode, weight, train)
	default:
		err = errors.Errorf("source %q routed to %v", e.Source, task)
	}
	return loss, err == nil, err
}

func (w *Wrapper) classification(e Entry, mode string, weight float64, train bool) (float64, error) {
	start := time.Now()
	pass := w.net.Forward(e.Inputs)
	loss, grad, err := crossEntropy(pass.Output, e.Labels)
	if err != nil {
		return 0, err
	}
	acc := accuracy(pass.Output, e.Labels, 1, 5)
	forward := time.Since(start)

	w.emit(mode+"_loss", loss, false)
	w.emit(mode+"_acc1", acc[0], false)
	w.emit(mode+"_acc5", acc[1], false)

	if train {
		start = time.Now()
		grad.Scale(weight, grad)
		if err := w.net.Backward(grad, nil); err != nil {
			return 0, err
		}
		w.recordTime(e.Source, forward, time.Since(start))
	}
	return loss, nil
}

func (w *Wrapper) similarity(e Entry, mode string, weight float64, train bool) (float64, error) {
	if _, ok := w.taps[e.Region]; !ok {
		return 0, errors.Wrapf(ErrUnknownRegion, "%q (tapped %v)", e.Region, w.Regions())
	}
	if e.Targets == nil {
		return 0, errors.New("similarity entry has no targets")
	}
	start := time.Now()
	pass := w.net.Forward(e.Inputs)
	act, err := w.regionActivation(pass, e.Region)
	if err != nil {
		return 0, err
	}
	forward := time.Since(start)

	var (
		loss float64
		grad *mat.Dense
	)
	if train {
		loss, grad, err = w.metric.Gradient(act, e.Targets)
	} else {
		loss, err = w.metric.Compute(act, e.Targets)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "region %s", e.Region)
	}
	w.emit(mode+"_"+w.metric.Name(), loss, true)

	if train {
		start = time.Now()
		grad.Scale(weight, grad)
		if err := w.net.Backward(nil, map[string]*mat.Dense{e.Region: grad}); err != nil {
			return 0, err
		}
		w.recordTime(e.Source, forward, time.Since(start))
	}
	return loss, nil
}

// regionActivation returns the region output of pass, which the region's tap
// must have recorded during that same forward.
func (w *Wrapper) regionActivation(pass *network.Pass, region string) (*mat.Dense, error) {
	act, ok := pass.Activations[region]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRegion, "%q produced no activation", region)
	}
	recorded, err := w.taps[region].Read()
	if err != nil {
		return nil, err
	}
	if recorded != act {
		return nil, errors.Wrapf(ErrStaleTap, "region %s", region)
	}
	return act, nil
}

func (w *Wrapper) emit(name string, value float64, onStep bool) {
	w.sink.Record(metrics.Metric{
		Name:    name,
		Value:   value,
		Step:    w.step,
		Epoch:   w.epoch,
		OnStep:  onStep,
		OnEpoch: true,
	})
}

func (w *Wrapper) recordTime(source string, forward, backward time.Duration) {
	if !w.hp.RecordTime {
		return
	}
	log.Printf("record_time source=%s step=%d forward_ms=%.2f backward_ms=%.2f",
		strings.ToLower(source), w.step, forward.Seconds()*1000, backward.Seconds()*1000)
}
