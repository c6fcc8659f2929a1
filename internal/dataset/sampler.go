package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SamplerOptions configures the multi-root sampler. Roots maps each root
// directory of one source to its shards.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
}

// StartSampler streams samples endlessly, interleaving the roots shard by
// shard. Workers open shards concurrently but samples leave in job order,
// so a seed fixes the stream.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	opened := make(chan openShard, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go scheduleShards(ctx, jobs, opts.Roots, rand.New(rand.NewSource(opts.Seed)))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			openShards(ctx, jobs, opened, opts.PendingCap)
		}()
	}
	go func() {
		wg.Wait()
		close(opened)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := drainInOrder(ctx, opened, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type shardJob struct {
	seq  int64
	root string
	path string
}

type openShard struct {
	seq     int64
	path    string
	samples <-chan Sample
	errCh   <-chan error
}

func openShards(ctx context.Context, jobs <-chan shardJob, opened chan<- openShard, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			select {
			case <-ctx.Done():
				return
			case opened <- openShard{seq: job.seq, path: job.path, samples: samples, errCh: errCh}:
			}
		}
	}
}

// drainInOrder forwards shards strictly by sequence number, parking shards
// that were opened early.
func drainInOrder(ctx context.Context, opened <-chan openShard, out chan<- Sample) error {
	parked := make(map[int64]openShard)
	var next int64
	for {
		shard, ok := parked[next]
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case s, more := <-opened:
				if !more {
					return nil
				}
				parked[s.seq] = s
			}
			continue
		}

		for sample := range shard.samples {
			select {
			case <-ctx.Done():
				return nil
			case out <- sample:
			}
		}
		if err := <-shard.errCh; err != nil && errors.Cause(err) != context.Canceled {
			return errors.Wrapf(err, "shard %s", shard.path)
		}
		delete(parked, next)
		next++
	}
}

func scheduleShards(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand) {
	var seq int64
	for {
		order := buildRoundRobinOrder(roots, rng)
		if len(order) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, entry := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{seq: seq, root: entry.root, path: entry.path}:
				seq++
			}
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder shuffles each root's shards and then takes one shard
// per root in sorted root order until all are used.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	names := make([]string, 0, len(roots))
	queues := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		names = append(names, root)
		queues[root] = append([]string(nil), shards...)
	}
	sort.Strings(names)
	if rng != nil {
		for _, root := range names {
			q := queues[root]
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
	}
	var order []orderEntry
	for remaining := true; remaining; {
		remaining = false
		for _, root := range names {
			q := queues[root]
			if len(q) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: q[0]})
			queues[root] = q[1:]
			remaining = true
		}
	}
	return order
}
