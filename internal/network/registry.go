package network

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownArch is returned by Lookup for names that were never registered.
var ErrUnknownArch = errors.New("unknown architecture")

// Spec carries the construction inputs shared by every architecture.
type Spec struct {
	ImageSize int
	Channels  int
	Classes   int
	Seed      int64
}

// Factory constructs a freshly initialised network.
type Factory func(spec Spec) (*Network, error)

// Entry binds an architecture name to its factory.
type Entry struct {
	Name    string
	Factory Factory
}

// Registry is a read-only table of architectures, built once.
type Registry struct {
	factories map[string]Factory
	names     []string
}

// NewRegistry builds a registry from entries. Duplicate or empty names are
// rejected.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{factories: make(map[string]Factory, len(entries))}
	for _, e := range entries {
		if e.Name == "" || e.Factory == nil {
			return nil, errors.New("registry: entry needs a name and a factory")
		}
		if _, ok := r.factories[e.Name]; ok {
			return nil, errors.Errorf("registry: duplicate architecture %q", e.Name)
		}
		r.factories[e.Name] = e.Factory
		r.names = append(r.names, e.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownArch, "%q (have %v)", name, r.names)
	}
	return f, nil
}

// Build looks up name and constructs the network.
func (r *Registry) Build(name string, spec Spec) (*Network, error) {
	f, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	net, err := f(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", name)
	}
	return net, nil
}

// Names lists registered architectures in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Builtin returns the registry of architectures shipped with the module.
func Builtin() *Registry {
	r, err := NewRegistry(
		Entry{Name: "cornet_z", Factory: CORnetZ},
		Entry{Name: "region_mlp", Factory: RegionMLP},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Regions are the stage names shared by the built-in architectures.
var Regions = []string{"V1", "V2", "V4", "IT"}

// CORnetZ is a four-area convolutional network: each area is conv, ReLU and
// 2x2 pooling, followed by a linear decoder. ImageSize must be a multiple of 16.
func CORnetZ(spec Spec) (*Network, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.ImageSize%16 != 0 {
		return nil, errors.Errorf("cornet_z: image size %d is not a multiple of 16", spec.ImageSize)
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	shape := Shape{Channels: spec.Channels, Height: spec.ImageSize, Width: spec.ImageSize}
	filters := []int{16, 32, 64, 64}
	stages := make([]*Stage, 0, len(Regions)+1)
	for i, region := range Regions {
		conv := NewConv2D(region+".conv", shape, filters[i], 3, 1, 1, rng)
		pool := NewAvgPool2(conv.OutShape())
		stages = append(stages, NewStage(region, conv, &ReLU{}, pool))
		shape = pool.OutShape()
	}
	stages = append(stages, NewStage("decoder", NewLinear("decoder.linear", shape.Size(), spec.Classes, rng)))
	return New("cornet_z", stages...)
}

// RegionMLP mirrors CORnetZ with dense areas; it is small enough for quick
// experiments on tiny images.
func RegionMLP(spec Spec) (*Network, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	in := spec.Channels * spec.ImageSize * spec.ImageSize
	widths := []int{256, 128, 128, 128}
	stages := make([]*Stage, 0, len(Regions)+1)
	for i, region := range Regions {
		stages = append(stages, NewStage(region, NewLinear(region+".linear", in, widths[i], rng), &ReLU{}))
		in = widths[i]
	}
	stages = append(stages, NewStage("decoder", NewLinear("decoder.linear", in, spec.Classes, rng)))
	return New("region_mlp", stages...)
}

func (s Spec) validate() error {
	if s.ImageSize <= 0 || s.Channels <= 0 {
		return errors.Errorf("invalid input shape %dx%dx%d", s.Channels, s.ImageSize, s.ImageSize)
	}
	if s.Classes < 2 {
		return errors.Errorf("need at least 2 classes, got %d", s.Classes)
	}
	return nil
}
