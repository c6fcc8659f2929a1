package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"braintree/internal/model"
	"braintree/internal/similarity"
)

const sampleYAML = `
arch: region_mlp
regions: [V4, IT]
neural_loss: logCKA
loss_weights: [1, 0.5]
image_size: 8
num_classes: 10
epochs: 2
batch_size: 4
lr: 0.05
sources:
  - name: ImageNet
    task: classification
    train_root: data/imagenet/train
    val_root: data/imagenet/val
  - name: NeuralData
    task: similarity
    region: IT
    train_root: data/neural/train
    val_root: data/neural/val
ignored_sources: [Behavior]
checkpoint:
  every: 10
  prefix: step
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arch != "region_mlp" || cfg.ImageSize != 8 || len(cfg.Sources) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.StepSize != 50 || cfg.WeightDecay != 1e-4 {
		t.Fatalf("defaults not kept: step_size=%d wd=%g", cfg.StepSize, cfg.WeightDecay)
	}
	if cfg.Checkpoint.Every != 10 || cfg.Checkpoint.Prefix != "step" {
		t.Fatalf("checkpoint cadence %+v", cfg.Checkpoint)
	}
	if cfg.NumWorkers <= 0 {
		t.Fatalf("num_workers not defaulted: %d", cfg.NumWorkers)
	}

	hp, err := cfg.Hyperparameters()
	if err != nil {
		t.Fatalf("Hyperparameters: %v", err)
	}
	if hp.NeuralLoss != similarity.LogCKA {
		t.Fatalf("neural loss %v", hp.NeuralLoss)
	}
	if hp.Routes["NeuralData"] != model.Similarity || hp.Routes["ImageNet"] != model.Classification {
		t.Fatalf("routes %v", hp.Routes)
	}
	if hp.UnknownSources != model.FailUnknown {
		t.Fatalf("unknown source policy %v", hp.UnknownSources)
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := Load(writeConfig(t, "arch: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"no arch":        func(c *Config) { c.Arch = "" },
		"no regions":     func(c *Config) { c.Regions = nil },
		"dup region":     func(c *Config) { c.Regions = []string{"IT", "IT"} },
		"bad loss":       func(c *Config) { c.NeuralLoss = "RSA" },
		"bad policy":     func(c *Config) { c.UnknownSource = "warn" },
		"bad task":       func(c *Config) { c.Sources[0].Task = "detection" },
		"dup source":     func(c *Config) { c.Sources[1].Name = c.Sources[0].Name },
		"region missing": func(c *Config) { c.Sources[1].Region = "V1" },
		"tiny batch":     func(c *Config) { c.BatchSize = 1 },
		"zero steps":     func(c *Config) { c.StepsPerEpoch = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	cfg := Default()
	cfg.Sources[1].Region = "V1"
	if err := cfg.Validate(); !errors.Is(err, model.ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
}

func TestWeightCountNotCheckedEagerly(t *testing.T) {
	cfg := Default()
	cfg.LossWeights = []float64{1, 1, 1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("weight count must only be checked at step time: %v", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		Arch:        "region_mlp",
		LossWeights: []float64{2, 1},
		Epochs:      3,
		Verbose:     true,
	})
	if cfg.Arch != "region_mlp" || cfg.Epochs != 3 || !cfg.Verbose || cfg.LossWeights[0] != 2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BatchSize != 96 {
		t.Fatalf("zero override changed batch size to %d", cfg.BatchSize)
	}
}

func TestFileName(t *testing.T) {
	name := Default().FileName()
	if !strings.HasPrefix(name, "model_cornet_z-loss_CKA-ds_manymonkeys") || !strings.HasSuffix(name, "seed_42") {
		t.Fatalf("unexpected file name %s", name)
	}
}

func TestDemoConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "demo.yaml"))
	if err != nil {
		t.Fatalf("Load demo: %v", err)
	}
	if len(cfg.Sources) != len(cfg.LossWeights) {
		t.Fatalf("demo has %d sources and %d weights", len(cfg.Sources), len(cfg.LossWeights))
	}
	if _, err := cfg.Hyperparameters(); err != nil {
		t.Fatalf("Hyperparameters: %v", err)
	}
}

func TestDumpRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Regions = []string{"V4", "IT"}
	cfg.Checkpoint.Every = 7
	dump, err := cfg.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(dump, "arch: cornet_z") {
		t.Fatalf("dump missing arch:\n%s", dump)
	}
	path := filepath.Join(t.TempDir(), "resolved.yaml")
	if err := os.WriteFile(path, []byte(dump), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load dump: %v", err)
	}
	if back.Checkpoint.Every != 7 || len(back.Regions) != 2 || back.Regions[0] != "V4" {
		t.Fatalf("dump did not round trip: %+v", back)
	}
}
