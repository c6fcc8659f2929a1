package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one stimulus from a WebDataset shard: an encoded image paired
// with either a class label (.cls) or a recorded response vector (.act).
type Sample struct {
	Key         string
	Image       []byte
	Label       int
	HasLabel    bool
	Activations []float64
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png", ".cls", ".act":
			default:
				continue
			}
			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", name)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}

			switch ext {
			case ".cls":
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse label %s", name)
					return
				}
				part.label = &label
			case ".act":
				acts, err := parseActivations(payload)
				if err != nil {
					errCh <- errors.Wrapf(err, "parse activations %s", name)
					return
				}
				part.acts = acts
			default:
				part.image = payload
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Image: part.image, Activations: part.acts}
				if part.label != nil {
					sample.Label = *part.label
					sample.HasLabel = true
				}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

// parseActivations reads whitespace separated floats.
func parseActivations(payload []byte) ([]float64, error) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return nil, errors.New("empty activation vector")
	}
	acts := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		acts[i] = v
	}
	return acts, nil
}

type partial struct {
	image []byte
	label *int
	acts  []float64
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && (p.label != nil || p.acts != nil)
}
