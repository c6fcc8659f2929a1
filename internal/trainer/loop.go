package trainer

import (
	"context"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"braintree/internal/checkpoint"
	"braintree/internal/metrics"
	"braintree/internal/model"
)

// BatchSource yields one heterogeneous batch per call.
type BatchSource interface {
	Next(ctx context.Context) (model.Batch, error)
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs        int
	StepsPerEpoch int
	ValEvery      int
	ValBatches    int
	LogEvery      int
	Evaluate      bool
	Verbose       bool
	// Progress draws a bar over validation passes.
	Progress bool

	// CheckpointDir receives last.ckpt after every epoch when Store is set.
	CheckpointDir string
	Store         checkpoint.Store
	// Policy, when set, writes step checkpoints through Store.
	Policy *checkpoint.EveryNSteps
}

// Result summarises a run.
type Result struct {
	GlobalStep int
	Epochs     int
	LastLoss   float64
	// Val holds the epoch means of the final validation or test pass.
	Val map[string]float64
}

type runner struct {
	cfg   RunConfig
	w     *model.Wrapper
	agg   *metrics.Aggregator
	train BatchSource
	val   BatchSource
}

// Run executes the workload: an initial validation pass, then Epochs x
// StepsPerEpoch training steps with periodic validation and checkpoints. In
// Evaluate mode only the test pass over val runs.
func Run(ctx context.Context, cfg RunConfig, w *model.Wrapper, train, val BatchSource, agg *metrics.Aggregator) (Result, error) {
	if w == nil {
		return Result{}, errors.New("trainer: nil model")
	}
	if agg == nil {
		agg = metrics.NewAggregator(metrics.Discard)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.ValEvery <= 0 {
		cfg.ValEvery = 1
	}
	if cfg.ValBatches <= 0 {
		cfg.ValBatches = 1
	}
	if cfg.Policy != nil && cfg.Store == nil {
		return Result{}, errors.New("trainer: checkpoint policy without a store")
	}
	r := &runner{cfg: cfg, w: w, agg: agg, train: train, val: val}

	if cfg.Evaluate {
		if val == nil {
			return Result{}, errors.New("trainer: evaluate requires a validation source")
		}
		means, err := r.evaluate(ctx, 0, 0, true)
		return Result{Val: means}, err
	}

	if cfg.Epochs <= 0 {
		return Result{}, errors.New("trainer: epochs must be > 0")
	}
	if cfg.StepsPerEpoch <= 0 {
		return Result{}, errors.New("trainer: steps per epoch must be > 0")
	}
	if train == nil {
		return Result{}, errors.New("trainer: nil training source")
	}
	return r.fit(ctx)
}

func (r *runner) fit(ctx context.Context) (Result, error) {
	opt, sched, err := r.w.ConfigureOptimizers()
	if err != nil {
		return Result{}, err
	}
	var res Result
	if r.val != nil {
		if res.Val, err = r.evaluate(ctx, 0, 0, false); err != nil {
			return res, err
		}
	}

	var window metrics.Window
	globalStep := 0
	for epoch := 0; epoch < r.cfg.Epochs; epoch++ {
		for i := 0; i < r.cfg.StepsPerEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			startData := time.Now()
			batch, err := r.train.Next(ctx)
			if err != nil {
				return res, errors.Wrapf(err, "epoch %d step %d", epoch, globalStep)
			}
			dataTime := time.Since(startData)

			r.w.SetProgress(epoch, globalStep)
			startCompute := time.Now()
			loss, err := r.w.TrainingStep(batch, i)
			if err != nil {
				return res, errors.Wrapf(err, "epoch %d step %d", epoch, globalStep)
			}
			computeTime := time.Since(startCompute)

			r.agg.Record(metrics.Metric{Name: "lr-" + opt.Name(), Value: opt.LR(), Step: globalStep, Epoch: epoch})
			window.Record(batch.Samples(), dataTime, computeTime, loss, opt.LR())
			res.LastLoss = loss

			if (globalStep+1)%r.cfg.LogEvery == 0 {
				snap := window.Snapshot()
				log.Printf("epoch=%d step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f lr=%g",
					epoch,
					globalStep,
					snap.SamplesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
					snap.LastLoss,
					snap.LR,
				)
			}

			if r.cfg.Policy != nil {
				path, err := r.cfg.Policy.OnStepComplete(epoch, globalStep, r.saver(epoch, globalStep))
				if err != nil {
					return res, err
				}
				if path != "" && r.cfg.Verbose {
					log.Printf("checkpoint=%s", path)
				}
			}
			globalStep++
			res.GlobalStep = globalStep
		}

		sched.Step()
		means := r.agg.Flush(epoch, globalStep)
		log.Printf("epoch=%d done step=%d %s", epoch, globalStep, formatMeans(means))
		if r.cfg.Verbose {
			r.logRegions(epoch)
		}

		if r.val != nil && (epoch+1)%r.cfg.ValEvery == 0 {
			if res.Val, err = r.evaluate(ctx, epoch, globalStep, false); err != nil {
				return res, err
			}
		}
		if r.cfg.Store != nil {
			path := filepath.Join(r.cfg.CheckpointDir, checkpoint.LastFilename)
			if err := r.saver(epoch, globalStep).SaveCheckpoint(path); err != nil {
				return res, errors.Wrapf(err, "last checkpoint %s", path)
			}
		}
		res.Epochs = epoch + 1
	}
	return res, nil
}

// evaluate runs ValBatches batches through the validation (or test) step
// and flushes the resulting epoch means.
func (r *runner) evaluate(ctx context.Context, epoch, step int, test bool) (map[string]float64, error) {
	var bar *pb.ProgressBar
	if r.cfg.Progress && !r.cfg.Verbose {
		bar = pb.StartNew(r.cfg.ValBatches)
		defer bar.Finish()
	}
	r.w.SetProgress(epoch, step)
	for i := 0; i < r.cfg.ValBatches; i++ {
		batch, err := r.val.Next(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "validation batch %d", i)
		}
		if test {
			_, err = r.w.TestStep(batch, i)
		} else {
			_, err = r.w.ValidationStep(batch, i)
		}
		if err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Increment()
		}
	}
	means := r.agg.Flush(epoch, step)
	log.Printf("validation epoch=%d step=%d %s", epoch, step, formatMeans(means))
	return means, nil
}

// logRegions summarises the latest forward activation of every tapped region.
func (r *runner) logRegions(epoch int) {
	for _, region := range r.w.Regions() {
		t, err := r.w.Tap(region)
		if err != nil {
			continue
		}
		act, err := t.Read()
		if err != nil {
			continue
		}
		values := mat.DenseCopyOf(act).RawMatrix().Data
		mean, std := stat.MeanStdDev(values, nil)
		rows, cols := act.Dims()
		log.Printf("epoch=%d region=%s shape=%dx%d mean=%.4f std=%.4f", epoch, region, rows, cols, mean, std)
	}
}

func (r *runner) saver(epoch, step int) checkpoint.Saver {
	return stateSaver{store: r.cfg.Store, w: r.w, epoch: epoch, step: step}
}

type stateSaver struct {
	store checkpoint.Store
	w     *model.Wrapper
	epoch int
	step  int
}

func (s stateSaver) SaveCheckpoint(path string) error {
	return s.store.Save(path, s.w.State(s.epoch, s.step))
}

func formatMeans(means map[string]float64) string {
	names := make([]string, 0, len(means))
	for name := range means {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strconv.FormatFloat(means[name], 'f', 4, 64)
	}
	return strings.Join(parts, " ")
}
