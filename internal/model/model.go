package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/similarity"
)

// Configuration errors surfaced by the wrapper.
var (
	ErrUnknownRegion      = errors.New("unknown region")
	ErrUnknownSource      = errors.New("unknown batch source")
	ErrLossWeightMismatch = errors.New("loss weights do not match batch entries")
	ErrNonFiniteLoss      = errors.New("non-finite loss")
	ErrStaleTap           = errors.New("tap did not record the current forward pass")
)

// Task is the loss path a batch entry is routed to.
type Task int

const (
	Classification Task = iota + 1
	Similarity
)

func (t Task) String() string {
	switch t {
	case Classification:
		return "classification"
	case Similarity:
		return "similarity"
	}
	return "unknown"
}

// ParseTask maps configuration names to tasks.
func ParseTask(s string) (Task, error) {
	switch s {
	case "classification":
		return Classification, nil
	case "similarity":
		return Similarity, nil
	}
	return 0, errors.Errorf("unknown task %q", s)
}

// DefaultRoutes maps the standard data source tags to their loss paths.
func DefaultRoutes() map[string]Task {
	return map[string]Task{
		"ImageNet":              Classification,
		"StimuliClassification": Classification,
		"NeuralData":            Similarity,
	}
}

// UnknownSourcePolicy decides what happens to entries whose source tag has no
// route.
type UnknownSourcePolicy int

const (
	FailUnknown UnknownSourcePolicy = iota
	SkipUnknown
)

// ParseUnknownSourcePolicy accepts "fail" (or empty) and "skip".
func ParseUnknownSourcePolicy(s string) (UnknownSourcePolicy, error) {
	switch s {
	case "", "fail":
		return FailUnknown, nil
	case "skip":
		return SkipUnknown, nil
	}
	return 0, errors.Errorf("unknown source policy %q (want fail or skip)", s)
}

// Entry is one tagged sub-batch. Classification entries carry Labels;
// similarity entries carry Targets (samples x neurons) and the Region whose
// activations they are compared against.
type Entry struct {
	Source  string
	Inputs  *mat.Dense
	Labels  []int
	Targets *mat.Dense
	Region  string
}

// Samples is the number of inputs in the entry.
func (e Entry) Samples() int {
	if e.Inputs == nil {
		return 0
	}
	r, _ := e.Inputs.Dims()
	return r
}

// Batch is one step's heterogeneous input. Entries are positional: entry i is
// weighted by LossWeights[i] during training.
type Batch struct {
	Entries []Entry
}

// Samples counts inputs across every entry.
func (b Batch) Samples() int {
	n := 0
	for _, e := range b.Entries {
		n += e.Samples()
	}
	return n
}

// Hyperparameters configure a Wrapper. They are copied at construction and
// never modified afterwards.
type Hyperparameters struct {
	Arch          string
	Pretrained    bool
	PretrainedKey string
	Regions       []string
	NeuralLoss    similarity.Kind
	LossWeights   []float64
	LR            float64
	Momentum      float64
	WeightDecay   float64
	StepSize      int
	Gamma         float64
	Epochs        int
	BatchSize     int
	ImageSize     int
	Channels      int
	Classes       int
	RecordTime    bool
	Verbose       bool
	Seed          int64

	Routes         map[string]Task
	UnknownSources UnknownSourcePolicy
	IgnoredSources []string
}

func (hp Hyperparameters) clone() Hyperparameters {
	c := hp
	c.Regions = append([]string(nil), hp.Regions...)
	c.LossWeights = append([]float64(nil), hp.LossWeights...)
	c.IgnoredSources = append([]string(nil), hp.IgnoredSources...)
	routes := hp.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	c.Routes = make(map[string]Task, len(routes))
	for k, v := range routes {
		c.Routes[k] = v
	}
	return c
}
