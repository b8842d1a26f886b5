// Package exposition is the metrics sink. Workers add samples to a Batch
// for the running cycle; committing the batch replaces the snapshot that
// the Sink exposes to Prometheus as constant metrics.
//
// Pipeline position:
//
//	poller.Worker → exposition.Batch → (commit) → exposition.Sink → promhttp
package exposition

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/vpbank/network_exporter/models"
)

var (
	ErrInvalidName     = errors.New("invalid metric or label name")
	ErrLabelMismatch   = errors.New("label names differ from earlier samples of the metric")
	ErrDuplicateSample = errors.New("duplicate sample")
	ErrBatchClosed     = errors.New("batch already committed or discarded")
)

// SinkError describes a rejected sample.
type SinkError struct {
	Metric string
	Labels []models.Label
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sample %s%s: %v", e.Metric, formatLabels(e.Labels), e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Describer supplies help text and metric type for a metric name. The
// definition table implements it.
type Describer interface {
	Describe(metric string) (help string, vt models.ValueType, ok bool)
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot
// ─────────────────────────────────────────────────────────────────────────────

type family struct {
	desc   *prometheus.Desc
	vt     prometheus.ValueType
	names  []string
	series map[string]series // joined label values → series
	order  []string
}

type series struct {
	values []string
	value  float64
}

func seriesKey(values []string) string { return strings.Join(values, "\xff") }

// ─────────────────────────────────────────────────────────────────────────────
// Sink
// ─────────────────────────────────────────────────────────────────────────────

// Sink exposes the last committed batch. It is an unchecked
// prometheus.Collector: the metric set changes with the definitions and the
// devices that answered.
type Sink struct {
	describe Describer
	logger   *slog.Logger

	mu       sync.RWMutex
	families map[string]*family
	order    []string
	samples  int
}

// NewSink creates an empty sink. d may be nil, in which case every metric is
// exposed untyped.
func NewSink(d Describer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Sink{describe: d, logger: logger, families: make(map[string]*family)}
}

// SetDescriber swaps the metric metadata source for future batches.
func (s *Sink) SetDescriber(d Describer) {
	s.mu.Lock()
	s.describe = d
	s.mu.Unlock()
}

// Begin starts a batch for one collection cycle.
func (s *Sink) Begin() *Batch {
	s.mu.RLock()
	d := s.describe
	s.mu.RUnlock()
	return &Batch{sink: s, describe: d, families: make(map[string]*family)}
}

// Samples returns the number of series in the committed snapshot.
func (s *Sink) Samples() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples
}

// Describe sends nothing, which registers the sink as an unchecked collector.
func (s *Sink) Describe(chan<- *prometheus.Desc) {}

// Collect emits the committed snapshot in commit order.
func (s *Sink) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		f := s.families[name]
		for _, key := range f.order {
			sr := f.series[key]
			m, err := prometheus.NewConstMetric(f.desc, f.vt, sr.value, sr.values...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(f.desc, err)
				continue
			}
			ch <- m
		}
	}
}

func (s *Sink) swap(families map[string]*family, order []string, samples int) {
	s.mu.Lock()
	s.families = families
	s.order = order
	s.samples = samples
	s.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Batch
// ─────────────────────────────────────────────────────────────────────────────

// Batch buffers the samples of one cycle. It is safe for concurrent use by
// the cycle's workers.
type Batch struct {
	sink     *Sink
	describe Describer

	mu       sync.Mutex
	families map[string]*family
	order    []string
	samples  int
	closed   bool
}

// AddSample validates and buffers one sample. Rejections are *SinkError
// wrapping ErrInvalidName, ErrLabelMismatch, ErrDuplicateSample or
// ErrBatchClosed.
func (b *Batch) AddSample(name string, value float64, labels []models.Label) error {
	reject := func(err error) error {
		return &SinkError{Metric: name, Labels: labels, Err: err}
	}
	if !model.MetricNameRE.MatchString(name) {
		return reject(ErrInvalidName)
	}
	names := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		if !model.LabelNameRE.MatchString(l.Name) || strings.HasPrefix(l.Name, "__") {
			return reject(fmt.Errorf("%w: label %q", ErrInvalidName, l.Name))
		}
		names[i] = l.Name
		values[i] = l.Value
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return reject(ErrBatchClosed)
	}

	f, ok := b.families[name]
	if !ok {
		if dup := firstDuplicate(names); dup != "" {
			return reject(fmt.Errorf("%w: label %q repeated", ErrInvalidName, dup))
		}
		help, vt := b.metadata(name)
		f = &family{
			desc:   prometheus.NewDesc(name, help, names, nil),
			vt:     vt,
			names:  names,
			series: make(map[string]series),
		}
		b.families[name] = f
		b.order = append(b.order, name)
	} else if !slices.Equal(f.names, names) {
		return reject(fmt.Errorf("%w: got %v, want %v", ErrLabelMismatch, names, f.names))
	}

	key := seriesKey(values)
	if _, dup := f.series[key]; dup {
		return reject(ErrDuplicateSample)
	}
	f.series[key] = series{values: values, value: value}
	f.order = append(f.order, key)
	b.samples++
	return nil
}

// Len returns the number of buffered samples.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

// Commit replaces the sink's snapshot with the batch and closes it. It
// returns the number of committed samples.
func (b *Batch) Commit() int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.closed = true
	families, order, n := b.families, b.order, b.samples
	b.mu.Unlock()

	b.sink.swap(families, order, n)
	b.sink.logger.Debug("exposition: snapshot committed", "metrics", len(order), "samples", n)
	return n
}

// Discard drops the batch; the previous snapshot stays exposed.
func (b *Batch) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.families = nil
	b.order = nil
	b.sink.logger.Debug("exposition: batch discarded", "samples", b.samples)
}

func (b *Batch) metadata(name string) (string, prometheus.ValueType) {
	if b.describe != nil {
		if help, vt, ok := b.describe.Describe(name); ok {
			if help == "" {
				help = name
			}
			if vt == models.Counter {
				return help, prometheus.CounterValue
			}
			return help, prometheus.GaugeValue
		}
	}
	return name, prometheus.UntypedValue
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}

func formatLabels(labels []models.Label) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.Name, l.Value)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
