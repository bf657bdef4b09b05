// Package metrics defines the sink contract the engine reports counters,
// gauges and histograms through, plus in-process implementations.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/triage/internal/events"
)

// Labels annotate a metric sample.
type Labels map[string]string

// Sink receives metric samples. Implementations must be safe for concurrent use.
type Sink interface {
	Counter(name string, delta float64, labels Labels)
	Gauge(name string, value float64, labels Labels)
	Histogram(name string, value float64, labels Labels)
}

// Nop discards every sample.
type Nop struct{}

func (Nop) Counter(string, float64, Labels)   {}
func (Nop) Gauge(string, float64, Labels)     {}
func (Nop) Histogram(string, float64, Labels) {}

// Multi fans every sample out to each sink in order.
type Multi []Sink

func (m Multi) Counter(name string, delta float64, labels Labels) {
	for _, s := range m {
		s.Counter(name, delta, labels)
	}
}

func (m Multi) Gauge(name string, value float64, labels Labels) {
	for _, s := range m {
		s.Gauge(name, value, labels)
	}
}

func (m Multi) Histogram(name string, value float64, labels Labels) {
	for _, s := range m {
		s.Histogram(name, value, labels)
	}
}

// BusSink publishes samples on the events bus under events.TopicMetrics.
type BusSink struct {
	Bus *events.Bus
}

func (b BusSink) Counter(name string, delta float64, labels Labels) {
	b.publish("counter", name, delta, labels)
}

func (b BusSink) Gauge(name string, value float64, labels Labels) {
	b.publish("gauge", name, value, labels)
}

func (b BusSink) Histogram(name string, value float64, labels Labels) {
	b.publish("histogram", name, value, labels)
}

func (b BusSink) publish(kind, name string, v float64, labels Labels) {
	if b.Bus == nil {
		return
	}
	b.Bus.Publish(events.TopicMetrics, events.MetricEvent{
		Kind:      kind,
		Name:      name,
		Value:     v,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// HistogramSummary summarises the samples observed for one series.
type HistogramSummary struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

// Mean returns Sum/Count, or zero for an empty series.
func (h HistogramSummary) Mean() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// Recorder keeps samples in memory keyed by name and sorted labels.
// It backs health snapshots and tests.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]HistogramSummary
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]HistogramSummary),
	}
}

func (r *Recorder) Counter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[Key(name, labels)] += delta
}

func (r *Recorder) Gauge(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[Key(name, labels)] = value
}

func (r *Recorder) Histogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := Key(name, labels)
	h := r.histograms[k]
	if h.Count == 0 || value < h.Min {
		h.Min = value
	}
	if h.Count == 0 || value > h.Max {
		h.Max = value
	}
	h.Count++
	h.Sum += value
	r.histograms[k] = h
}

// CounterValue returns the accumulated counter for the series.
func (r *Recorder) CounterValue(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[Key(name, labels)]
}

// GaugeValue returns the last gauge value for the series.
func (r *Recorder) GaugeValue(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[Key(name, labels)]
}

// HistogramValue returns the summary for the series.
func (r *Recorder) HistogramValue(name string, labels Labels) HistogramSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.histograms[Key(name, labels)]
}

// Key renders a series key as name{k1=v1,k2=v2} with labels sorted by key.
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
