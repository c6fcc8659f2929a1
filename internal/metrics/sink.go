// Package metrics names, aggregates and ships scalar training metrics.
package metrics

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Metric is one named scalar emitted during a step. OnStep metrics are
// shipped immediately; OnEpoch metrics are averaged until the epoch ends.
type Metric struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Step    int     `json:"step"`
	Epoch   int     `json:"epoch"`
	OnStep  bool    `json:"on_step,omitempty"`
	OnEpoch bool    `json:"on_epoch,omitempty"`
}

// Sink accepts metrics.
type Sink interface {
	Record(m Metric)
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Metric) {}

// Multi fans a metric out to every sink.
type Multi []Sink

func (ms Multi) Record(m Metric) {
	for _, s := range ms {
		s.Record(m)
	}
}

// Collector keeps every metric in memory.
type Collector struct {
	Metrics []Metric
}

func (c *Collector) Record(m Metric) { c.Metrics = append(c.Metrics, m) }

// Names lists collected metric names in emission order.
func (c *Collector) Names() []string {
	names := make([]string, len(c.Metrics))
	for i, m := range c.Metrics {
		names[i] = m.Name
	}
	return names
}

// Reset drops collected metrics.
func (c *Collector) Reset() { c.Metrics = c.Metrics[:0] }

// Aggregator forwards step metrics and averages epoch metrics until Flush.
type Aggregator struct {
	next   Sink
	sums   map[string]float64
	counts map[string]int
}

// NewAggregator wraps next.
func NewAggregator(next Sink) *Aggregator {
	return &Aggregator{next: next, sums: map[string]float64{}, counts: map[string]int{}}
}

// Record forwards on-step metrics as <name>_step and buffers on-epoch ones.
// A metric with neither flag is forwarded unchanged.
func (a *Aggregator) Record(m Metric) {
	if !m.OnStep && !m.OnEpoch {
		a.next.Record(m)
		return
	}
	if m.OnStep {
		step := m
		step.OnEpoch = false
		step.Name = m.Name + "_step"
		a.next.Record(step)
	}
	if m.OnEpoch {
		a.sums[m.Name] += m.Value
		a.counts[m.Name]++
	}
}

// Flush emits the mean of every epoch metric recorded since the last flush
// and returns them keyed by name.
func (a *Aggregator) Flush(epoch, step int) map[string]float64 {
	names := make([]string, 0, len(a.sums))
	for name := range a.sums {
		names = append(names, name)
	}
	sort.Strings(names)
	means := make(map[string]float64, len(names))
	for _, name := range names {
		mean := a.sums[name] / float64(a.counts[name])
		means[name] = mean
		a.next.Record(Metric{Name: name, Value: mean, Step: step, Epoch: epoch, OnEpoch: true})
	}
	a.sums = map[string]float64{}
	a.counts = map[string]int{}
	return means
}

// LogSink writes metrics as key=value log lines.
type LogSink struct{}

func (LogSink) Record(m Metric) {
	log.Printf("metric=%s value=%.6f epoch=%d step=%d", m.Name, m.Value, m.Epoch, m.Step)
}

// JSONLSink appends one JSON object per metric to a file.
type JSONLSink struct {
	f   *os.File
	enc *json.Encoder
	err error
}

// NewRunDir creates <root>/<name>/version_<id> and returns its path and id.
func NewRunDir(root, name string) (string, string, error) {
	id := uuid.New().String()[:8]
	dir := filepath.Join(root, name, "version_"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create run dir")
	}
	return dir, id, nil
}

// NewJSONLSink opens (appending) metrics.jsonl in dir.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open metrics file")
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Record(m Metric) {
	if s.err != nil {
		return
	}
	rec := struct {
		Metric
		Time time.Time `json:"time"`
	}{m, time.Now().UTC()}
	if err := s.enc.Encode(rec); err != nil {
		s.err = err
		log.Printf("metrics: write failed, disabling jsonl sink: %v", err)
	}
}

// Close flushes and closes the file, reporting the first write error.
func (s *JSONLSink) Close() error {
	if err := s.f.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}
