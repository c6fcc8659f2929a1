package dataset

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/model"
)

// Source is one stream of the loader. Classification sources read .cls
// labels, similarity sources read .act responses recorded in Region.
type Source struct {
	Name   string
	Task   model.Task
	Region string
	Roots  []string
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Sources    []Source
	BatchSize  int
	ImageSize  int
	Classes    int
	NumWorkers int
	Seed       int64
	// CacheSize bounds the decoded image cache; 0 disables it.
	CacheSize int
}

// Loader assembles one model.Batch per call, one entry per source in the
// configured order.
type Loader struct {
	opts    LoaderOptions
	streams []stream
	cache   *lru.Cache
	cancel  context.CancelFunc
	skipped int
}

type stream struct {
	src     Source
	samples <-chan Sample
	errs    <-chan error
}

// NewLoader discovers every source's shards and starts one sampler per
// source. The samplers stop when ctx is done or Close is called.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if len(opts.Sources) == 0 {
		return nil, errors.New("loader: no sources")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("loader: image size must be > 0 (got %d)", opts.ImageSize)
	}
	l := &Loader{opts: opts}
	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "loader cache")
		}
		l.cache = cache
	}

	ctx, l.cancel = context.WithCancel(ctx)
	for i, src := range opts.Sources {
		roots, err := DiscoverByRoot(src.Roots)
		if err != nil {
			l.cancel()
			return nil, errors.Wrapf(err, "source %s", src.Name)
		}
		samples, errs, err := StartSampler(ctx, SamplerOptions{
			Roots:      roots,
			Seed:       opts.Seed + int64(i),
			NumWorkers: opts.NumWorkers,
		})
		if err != nil {
			l.cancel()
			return nil, errors.Wrapf(err, "source %s", src.Name)
		}
		l.streams = append(l.streams, stream{src: src, samples: samples, errs: errs})
	}
	return l, nil
}

// Close stops the samplers.
func (l *Loader) Close() {
	l.cancel()
}

// Next returns the next batch. Undecodable images are skipped.
func (l *Loader) Next(ctx context.Context) (model.Batch, error) {
	batch := model.Batch{Entries: make([]model.Entry, 0, len(l.streams))}
	for _, s := range l.streams {
		entry, err := l.entry(ctx, s)
		if err != nil {
			return model.Batch{}, errors.Wrapf(err, "source %s", s.src.Name)
		}
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

func (l *Loader) entry(ctx context.Context, s stream) (model.Entry, error) {
	n := l.opts.BatchSize
	width := 3 * l.opts.ImageSize * l.opts.ImageSize
	inputs := mat.NewDense(n, width, nil)
	entry := model.Entry{Source: s.src.Name, Inputs: inputs}
	var targets []float64
	neurons := 0

	for row := 0; row < n; {
		var sample Sample
		select {
		case <-ctx.Done():
			return model.Entry{}, ctx.Err()
		case err, ok := <-s.errs:
			if ok && err != nil {
				return model.Entry{}, err
			}
			return model.Entry{}, errors.New("sampler stopped")
		case sm, ok := <-s.samples:
			if !ok {
				return model.Entry{}, errors.New("sampler closed")
			}
			sample = sm
		}

		features, err := l.features(s.src.Name, sample)
		if err != nil {
			l.skipped++
			if l.skipped == 1 {
				log.Printf("skipping undecodable image source=%s key=%s err=%v", s.src.Name, sample.Key, err)
			}
			continue
		}

		switch s.src.Task {
		case model.Classification:
			if !sample.HasLabel {
				return model.Entry{}, errors.Errorf("sample %s has no label", sample.Key)
			}
			if sample.Label < 0 || sample.Label >= l.opts.Classes {
				return model.Entry{}, errors.Errorf("sample %s label %d outside [0,%d)", sample.Key, sample.Label, l.opts.Classes)
			}
			entry.Labels = append(entry.Labels, sample.Label)
		case model.Similarity:
			if len(sample.Activations) == 0 {
				return model.Entry{}, errors.Errorf("sample %s has no activations", sample.Key)
			}
			if neurons == 0 {
				neurons = len(sample.Activations)
				targets = make([]float64, 0, n*neurons)
			}
			if len(sample.Activations) != neurons {
				return model.Entry{}, errors.Errorf("sample %s has %d neurons, batch has %d", sample.Key, len(sample.Activations), neurons)
			}
			targets = append(targets, sample.Activations...)
		default:
			return model.Entry{}, errors.Errorf("unsupported task %v", s.src.Task)
		}
		inputs.SetRow(row, features)
		row++
	}

	if s.src.Task == model.Similarity {
		entry.Targets = mat.NewDense(n, neurons, targets)
		entry.Region = s.src.Region
	}
	return entry, nil
}

func (l *Loader) features(source string, sample Sample) ([]float64, error) {
	key := source + "/" + sample.Key
	if l.cache != nil {
		if v, ok := l.cache.Get(key); ok {
			return v.([]float64), nil
		}
	}
	features, err := extractFeatures(sample.Image, l.opts.ImageSize)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Add(key, features)
	}
	return features, nil
}

// extractFeatures decodes raw and resamples it to size x size with nearest
// neighbour lookup. The result is channel-major RGB scaled to [0,1].
func extractFeatures(raw []byte, size int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	plane := size * size
	features := make([]float64, 3*plane)
	for y := 0; y < size; y++ {
		py := bounds.Min.Y + y*height/size
		for x := 0; x < size; x++ {
			px := bounds.Min.X + x*width/size
			r, g, b, _ := img.At(px, py).RGBA()
			i := y*size + x
			features[i] = float64(r) / 65535
			features[plane+i] = float64(g) / 65535
			features[2*plane+i] = float64(b) / 65535
		}
	}
	return features, nil
}
