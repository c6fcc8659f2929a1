package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"braintree/internal/checkpoint"
	"braintree/internal/config"
	"braintree/internal/dataset"
	"braintree/internal/metrics"
	"braintree/internal/model"
	"braintree/internal/network"
	"braintree/internal/trainer"
)

var (
	name    = "braintree"
	version = "0.3.0"
)

type args struct {
	Config          string    `arg:"-c" help:"path to YAML config (defaults are used when empty)"`
	Arch            string    `help:"architecture name"`
	Regions         []string  `help:"regions to tap"`
	NeuralLoss      string    `arg:"--neural-loss" help:"similarity loss (CKA or logCKA)"`
	LossWeights     []float64 `arg:"--loss-weights" help:"one weight per source, in source order"`
	ImageSize       int       `arg:"--image-size" help:"input resolution"`
	Epochs          int       `help:"number of epochs"`
	BatchSize       int       `arg:"--batch-size" help:"samples per source per step"`
	LR              float64   `arg:"--lr" help:"initial learning rate"`
	StepSize        int       `arg:"--step-size" help:"epochs between learning rate decays"`
	WeightDecay     float64   `arg:"--weight-decay" help:"L2 penalty"`
	Seed            int64     `help:"PRNG seed"`
	NumWorkers      int       `arg:"--num-workers" help:"shard reader goroutines per source"`
	LogEvery        int       `arg:"--log-every" help:"log every N steps"`
	ValEvery        int       `arg:"--val-every" help:"validate every N epochs"`
	ValBatches      int       `arg:"--val-batches" help:"batches per validation pass"`
	StepsPerEpoch   int       `arg:"--steps-per-epoch" help:"training steps per epoch"`
	SavePath        string    `arg:"--save-path" help:"checkpoint store root"`
	CheckpointEvery int       `arg:"--checkpoint-every" help:"save a checkpoint every N global steps"`
	Pretrained      bool      `help:"load weights from pretrained_key in the checkpoint store"`
	RecordTime      bool      `arg:"--record-time" help:"log forward and backward timings"`
	Verbose         bool      `arg:"-v" help:"verbose logging"`
	Evaluate        bool      `help:"run the test pass on validation data only"`
}

func (args) Version() string {
	return version
}

func (args) Description() string {
	return fmt.Sprintf("%s: joint object classification and neural similarity training", name)
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg := config.Default()
	if a.Config != "" {
		loaded, err := config.Load(a.Config)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		Arch:            a.Arch,
		Regions:         a.Regions,
		NeuralLoss:      a.NeuralLoss,
		LossWeights:     a.LossWeights,
		ImageSize:       a.ImageSize,
		Epochs:          a.Epochs,
		BatchSize:       a.BatchSize,
		LR:              a.LR,
		StepSize:        a.StepSize,
		WeightDecay:     a.WeightDecay,
		Seed:            a.Seed,
		NumWorkers:      a.NumWorkers,
		LogEvery:        a.LogEvery,
		ValEvery:        a.ValEvery,
		ValBatches:      a.ValBatches,
		StepsPerEpoch:   a.StepsPerEpoch,
		SavePath:        a.SavePath,
		CheckpointEvery: a.CheckpointEvery,
		Pretrained:      a.Pretrained,
		RecordTime:      a.RecordTime,
		Verbose:         a.Verbose,
		Evaluate:        a.Evaluate,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("cpu=%q physical_cores=%d workers=%d", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cfg.NumWorkers)
	if cfg.Verbose {
		dump, err := cfg.Dump()
		if err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		log.Printf("config:\n%s", dump)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	hp, err := cfg.Hyperparameters()
	if err != nil {
		return err
	}

	runDir, id, err := metrics.NewRunDir(cfg.LogDir, cfg.FileName())
	if err != nil {
		return err
	}
	jsonl, err := metrics.NewJSONLSink(runDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := jsonl.Close(); err != nil {
			log.Printf("metrics: %v", err)
		}
	}()
	sinks := metrics.Multi{jsonl}
	if cfg.Verbose {
		sinks = append(sinks, metrics.LogSink{})
	}
	agg := metrics.NewAggregator(sinks)
	log.Printf("run=%s version=%s metrics=%s", cfg.FileName(), id, runDir)

	store := checkpoint.NewDiskStore(cfg.SavePath)
	w, err := model.New(hp, model.Deps{
		Registry: network.Builtin(),
		Metrics:  agg,
		Weights:  store,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	ckptDir := filepath.Join(cfg.FileName(), "version_"+id)
	runCfg := trainer.RunConfig{
		Epochs:        cfg.Epochs,
		StepsPerEpoch: cfg.StepsPerEpoch,
		ValEvery:      cfg.ValEvery,
		ValBatches:    cfg.ValBatches,
		LogEvery:      cfg.LogEvery,
		Evaluate:      cfg.Evaluate,
		Verbose:       cfg.Verbose,
		Progress:      true,
		CheckpointDir: ckptDir,
		Store:         store,
	}
	if cfg.Checkpoint.Every > 0 {
		runCfg.Policy, err = checkpoint.NewEveryNSteps(checkpoint.PolicyConfig{
			Frequency:        cfg.Checkpoint.Every,
			Prefix:           cfg.Checkpoint.Prefix,
			UseNamerFilename: cfg.Checkpoint.UseNamerFilename,
			Dir:              ckptDir,
		})
		if err != nil {
			return err
		}
	}

	var train, val trainer.BatchSource
	if !cfg.Evaluate {
		l, err := newLoader(ctx, cfg, func(s config.Source) string { return s.TrainRoot })
		if err != nil {
			return errors.Wrap(err, "training data")
		}
		defer l.Close()
		train = l
	}
	if hasValRoots(cfg) {
		l, err := newLoader(ctx, cfg, func(s config.Source) string { return s.ValRoot })
		if err != nil {
			return errors.Wrap(err, "validation data")
		}
		defer l.Close()
		val = l
	} else {
		log.Printf("no val_root configured for every source, validation disabled")
	}

	res, err := trainer.Run(ctx, runCfg, w, train, val, agg)
	if err != nil {
		return err
	}
	log.Printf("finished epochs=%d global_step=%d loss=%.4f", res.Epochs, res.GlobalStep, res.LastLoss)
	return nil
}

func newLoader(ctx context.Context, cfg *config.Config, root func(config.Source) string) (*dataset.Loader, error) {
	sources := make([]dataset.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		task, err := model.ParseTask(s.Task)
		if err != nil {
			return nil, err
		}
		dir := root(s)
		if dir == "" {
			return nil, errors.Errorf("source %s has no data root", s.Name)
		}
		sources = append(sources, dataset.Source{Name: s.Name, Task: task, Region: s.Region, Roots: []string{dir}})
	}
	return dataset.NewLoader(ctx, dataset.LoaderOptions{
		Sources:    sources,
		BatchSize:  cfg.BatchSize,
		ImageSize:  cfg.ImageSize,
		Classes:    cfg.Classes,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		CacheSize:  cfg.CacheSize,
	})
}

func hasValRoots(cfg *config.Config) bool {
	for _, s := range cfg.Sources {
		if s.ValRoot == "" {
			return false
		}
	}
	return true
}
