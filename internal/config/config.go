package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"braintree/internal/model"
	"braintree/internal/similarity"
)

// Source describes one data source. Order matters: the i-th source fills the
// i-th batch entry and is weighted by LossWeights[i].
type Source struct {
	Name      string `yaml:"name"`
	Task      string `yaml:"task"`
	Region    string `yaml:"region"`
	TrainRoot string `yaml:"train_root"`
	ValRoot   string `yaml:"val_root"`
}

// Config captures the runtime knobs and hyperparameters of a training run.
type Config struct {
	Arch          string    `yaml:"arch"`
	Pretrained    bool      `yaml:"pretrained"`
	PretrainedKey string    `yaml:"pretrained_key"`
	Regions       []string  `yaml:"regions"`
	NeuralLoss    string    `yaml:"neural_loss"`
	LossWeights   []float64 `yaml:"loss_weights"`
	ImageSize     int       `yaml:"image_size"`
	Classes       int       `yaml:"num_classes"`
	Epochs        int       `yaml:"epochs"`
	BatchSize     int       `yaml:"batch_size"`
	LR            float64   `yaml:"lr"`
	StepSize      int       `yaml:"step_size"`
	Gamma         float64   `yaml:"gamma"`
	Momentum      float64   `yaml:"momentum"`
	WeightDecay   float64   `yaml:"weight_decay"`
	RecordTime    bool      `yaml:"record_time"`
	Verbose       bool      `yaml:"verbose"`
	Seed          int64     `yaml:"seed"`

	Sources        []Source `yaml:"sources"`
	NeuralDataset  string   `yaml:"neural_dataset"`
	UnknownSource  string   `yaml:"unknown_source"`
	IgnoredSources []string `yaml:"ignored_sources"`

	StepsPerEpoch int     `yaml:"steps_per_epoch"`
	ValEvery      int     `yaml:"val_every"`
	ValBatches    int     `yaml:"val_batches"`
	NumWorkers    int     `yaml:"num_workers"`
	LogEvery      int     `yaml:"log_every"`
	SavePath      string  `yaml:"save_path"`
	LogDir        string  `yaml:"log_dir"`
	CacheSize     int     `yaml:"cache_size"`
	Evaluate      bool    `yaml:"evaluate"`
	Checkpoint    Cadence `yaml:"checkpoint"`
}

// Cadence configures step-count checkpoints. Every == 0 disables them.
type Cadence struct {
	Every            int    `yaml:"every"`
	Prefix           string `yaml:"prefix"`
	UseNamerFilename bool   `yaml:"use_namer_filename"`
}

// Overrides captures CLI supplied values. Zero values leave the file value.
type Overrides struct {
	Arch            string
	Regions         []string
	NeuralLoss      string
	LossWeights     []float64
	ImageSize       int
	Epochs          int
	BatchSize       int
	LR              float64
	StepSize        int
	WeightDecay     float64
	Seed            int64
	NumWorkers      int
	LogEvery        int
	ValEvery        int
	ValBatches      int
	StepsPerEpoch   int
	SavePath        string
	CheckpointEvery int
	Pretrained      bool
	RecordTime      bool
	Verbose         bool
	Evaluate        bool
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Arch:        "cornet_z",
		Regions:     []string{"IT"},
		NeuralLoss:  "CKA",
		LossWeights: []float64{1, 1},
		ImageSize:   64,
		Classes:     1000,
		Epochs:      25,
		BatchSize:   96,
		LR:          0.1,
		StepSize:    50,
		Gamma:       0.1,
		Momentum:    0.9,
		WeightDecay: 1e-4,
		Seed:        42,
		Sources: []Source{
			{Name: "ImageNet", Task: "classification"},
			{Name: "NeuralData", Task: "similarity", Region: "IT"},
		},
		NeuralDataset: "manymonkeys",
		UnknownSource: "fail",
		StepsPerEpoch: 100,
		ValEvery:      20,
		ValBatches:    10,
		LogEvery:      50,
		SavePath:      "dev",
		LogDir:        "logs",
		CacheSize:     4096,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Arch != "" {
		c.Arch = o.Arch
	}
	if len(o.Regions) > 0 {
		c.Regions = o.Regions
	}
	if o.NeuralLoss != "" {
		c.NeuralLoss = o.NeuralLoss
	}
	if len(o.LossWeights) > 0 {
		c.LossWeights = o.LossWeights
	}
	if o.ImageSize > 0 {
		c.ImageSize = o.ImageSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.StepSize > 0 {
		c.StepSize = o.StepSize
	}
	if o.WeightDecay > 0 {
		c.WeightDecay = o.WeightDecay
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.ValEvery > 0 {
		c.ValEvery = o.ValEvery
	}
	if o.ValBatches > 0 {
		c.ValBatches = o.ValBatches
	}
	if o.StepsPerEpoch > 0 {
		c.StepsPerEpoch = o.StepsPerEpoch
	}
	if o.SavePath != "" {
		c.SavePath = o.SavePath
	}
	if o.CheckpointEvery > 0 {
		c.Checkpoint.Every = o.CheckpointEvery
	}
	c.Pretrained = c.Pretrained || o.Pretrained
	c.RecordTime = c.RecordTime || o.RecordTime
	c.Verbose = c.Verbose || o.Verbose
	c.Evaluate = c.Evaluate || o.Evaluate
}

// Validate verifies the config is runnable and fills derived defaults. The
// number of loss weights is deliberately not compared with the number of
// sources here; a mismatch surfaces at the first training step.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Arch == "" {
		return errors.New("arch must be set")
	}
	if len(c.Regions) == 0 {
		return errors.New("at least one region must be set")
	}
	for i, r := range c.Regions {
		if contains(c.Regions[:i], r) {
			return errors.Errorf("region %q listed twice", r)
		}
	}
	if _, err := similarity.ParseKind(c.NeuralLoss); err != nil {
		return err
	}
	if _, err := model.ParseUnknownSourcePolicy(c.UnknownSource); err != nil {
		return err
	}
	if len(c.LossWeights) == 0 {
		return errors.New("loss_weights must not be empty")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source must be configured")
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		if s.Name == "" {
			return errors.Errorf("source %d has no name", i)
		}
		if seen[s.Name] {
			return errors.Errorf("source %q configured twice", s.Name)
		}
		seen[s.Name] = true
		task, err := model.ParseTask(s.Task)
		if err != nil {
			return errors.Wrapf(err, "source %q", s.Name)
		}
		if task == model.Similarity && !contains(c.Regions, s.Region) {
			return errors.Wrapf(model.ErrUnknownRegion, "source %q uses region %q, regions are %v", s.Name, s.Region, c.Regions)
		}
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.Classes < 2 {
		return errors.Errorf("num_classes must be >= 2 (got %d)", c.Classes)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize < 2 {
		return errors.Errorf("batch_size must be >= 2 (got %d)", c.BatchSize)
	}
	if c.LR <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.StepSize <= 0 {
		return errors.Errorf("step_size must be > 0 (got %d)", c.StepSize)
	}
	if c.StepsPerEpoch <= 0 {
		return errors.Errorf("steps_per_epoch must be > 0 (got %d)", c.StepsPerEpoch)
	}
	if c.Checkpoint.Every < 0 {
		return errors.Errorf("checkpoint.every must be >= 0 (got %d)", c.Checkpoint.Every)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = defaultWorkers()
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.ValEvery <= 0 {
		c.ValEvery = 1
	}
	if c.ValBatches <= 0 {
		c.ValBatches = 1
	}
	if c.Gamma <= 0 {
		c.Gamma = 0.1
	}
	return nil
}

// Hyperparameters derives the model configuration.
func (c *Config) Hyperparameters() (model.Hyperparameters, error) {
	kind, err := similarity.ParseKind(c.NeuralLoss)
	if err != nil {
		return model.Hyperparameters{}, err
	}
	policy, err := model.ParseUnknownSourcePolicy(c.UnknownSource)
	if err != nil {
		return model.Hyperparameters{}, err
	}
	routes := make(map[string]model.Task, len(c.Sources))
	for _, s := range c.Sources {
		task, err := model.ParseTask(s.Task)
		if err != nil {
			return model.Hyperparameters{}, err
		}
		routes[s.Name] = task
	}
	return model.Hyperparameters{
		Arch:           c.Arch,
		Pretrained:     c.Pretrained,
		PretrainedKey:  c.PretrainedKey,
		Regions:        c.Regions,
		NeuralLoss:     kind,
		LossWeights:    c.LossWeights,
		LR:             c.LR,
		Momentum:       c.Momentum,
		WeightDecay:    c.WeightDecay,
		StepSize:       c.StepSize,
		Gamma:          c.Gamma,
		Epochs:         c.Epochs,
		BatchSize:      c.BatchSize,
		ImageSize:      c.ImageSize,
		Channels:       3,
		Classes:        c.Classes,
		RecordTime:     c.RecordTime,
		Verbose:        c.Verbose,
		Seed:           c.Seed,
		Routes:         routes,
		UnknownSources: policy,
		IgnoredSources: c.IgnoredSources,
	}, nil
}

// Dump renders the resolved configuration as YAML.
func (c *Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "render config")
	}
	return string(b), nil
}

// FileName names the run after its main hyperparameters.
func (c *Config) FileName() string {
	return fmt.Sprintf("model_%s-loss_%s-ds_%s-regions_%s-seed_%d",
		c.Arch, c.NeuralLoss, c.NeuralDataset, strings.Join(c.Regions, "+"), c.Seed)
}

func defaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
