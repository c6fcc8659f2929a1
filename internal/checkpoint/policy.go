package checkpoint

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
)

// Saver persists the current training state at path.
type Saver interface {
	SaveCheckpoint(path string) error
}

// Namer supplies file names for validation-driven checkpoints.
type Namer interface {
	Filename(epoch, step int) string
}

// EpochStepNamer names files epoch=E-step=S.ckpt.
type EpochStepNamer struct{}

func (EpochStepNamer) Filename(epoch, step int) string {
	return fmt.Sprintf("epoch=%d-step=%d.ckpt", epoch, step)
}

// LastFilename is the checkpoint rewritten at the end of every epoch.
const LastFilename = "last.ckpt"

// DefaultPrefix is used for step checkpoints when no namer is consulted.
const DefaultPrefix = "N-Step-Checkpoint"

// PolicyConfig configures EveryNSteps.
type PolicyConfig struct {
	Frequency int
	Prefix    string
	// UseNamerFilename delegates naming to Namer instead of
	// <prefix>_<epoch>_<step>.ckpt.
	UseNamerFilename bool
	Namer            Namer
	Dir              string
}

// EveryNSteps saves a checkpoint whenever the global step is a multiple of
// the frequency, step 0 included, independently of validation.
type EveryNSteps struct {
	cfg PolicyConfig
}

// NewEveryNSteps validates cfg.
func NewEveryNSteps(cfg PolicyConfig) (*EveryNSteps, error) {
	if cfg.Frequency <= 0 {
		return nil, errors.Errorf("checkpoint frequency must be > 0 (got %d)", cfg.Frequency)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Namer == nil {
		cfg.Namer = EpochStepNamer{}
	}
	return &EveryNSteps{cfg: cfg}, nil
}

// ShouldSave reports whether globalStep is on the cadence.
func (p *EveryNSteps) ShouldSave(globalStep int) bool {
	return globalStep%p.cfg.Frequency == 0
}

// Path is where the checkpoint for (epoch, step) is written.
func (p *EveryNSteps) Path(epoch, globalStep int) string {
	var name string
	if p.cfg.UseNamerFilename {
		name = p.cfg.Namer.Filename(epoch, globalStep)
	} else {
		name = fmt.Sprintf("%s_%d_%d.ckpt", p.cfg.Prefix, epoch, globalStep)
	}
	return filepath.Join(p.cfg.Dir, name)
}

// OnStepComplete is called after every training step. It returns the path
// written, or "" when the step is off the cadence. Save errors are returned
// as is, wrapped with the path.
func (p *EveryNSteps) OnStepComplete(epoch, globalStep int, saver Saver) (string, error) {
	if !p.ShouldSave(globalStep) {
		return "", nil
	}
	path := p.Path(epoch, globalStep)
	if err := saver.SaveCheckpoint(path); err != nil {
		return "", errors.Wrapf(err, "step checkpoint %s", path)
	}
	return path, nil
}
