// Package metrics provides the hub's in-process counter/gauge/
// histogram store and the rolling federation health score.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// labelKey renders a stable identity for a name + label set.
func labelKey(name string, labels map[string]string) string {
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
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}

// defaultBuckets are histogram upper bounds in milliseconds.
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.count++
	for i, ub := range h.buckets {
		if v <= ub {
			h.counts[i]++
			return
		}
	}
}

// Store holds all metric series behind one mutex. Counter updates are
// atomic per label set; histogram observations are commutative.
type Store struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

func NewStore() *Store {
	return &Store{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

// Inc adds 1 to a counter.
func (s *Store) Inc(name string, labels map[string]string) {
	s.Add(name, labels, 1)
}

// Add adds delta to a counter.
func (s *Store) Add(name string, labels map[string]string, delta float64) {
	key := labelKey(name, labels)
	s.mu.Lock()
	s.counters[key] += delta
	s.mu.Unlock()
}

// SetGauge records the current value of a gauge.
func (s *Store) SetGauge(name string, labels map[string]string, value float64) {
	key := labelKey(name, labels)
	s.mu.Lock()
	s.gauges[key] = value
	s.mu.Unlock()
}

// Observe records one histogram observation.
func (s *Store) Observe(name string, labels map[string]string, value float64) {
	key := labelKey(name, labels)
	s.mu.Lock()
	h, ok := s.histograms[key]
	if !ok {
		h = &histogram{buckets: defaultBuckets, counts: make([]uint64, len(defaultBuckets))}
		s.histograms[key] = h
	}
	h.observe(value)
	s.mu.Unlock()
}

// Counter reads a counter's current value.
func (s *Store) Counter(name string, labels map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[labelKey(name, labels)]
}

// Gauge reads a gauge's current value.
func (s *Store) Gauge(name string, labels map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[labelKey(name, labels)]
}

// HistogramSummary is an exported view of one histogram series.
type HistogramSummary struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
}

// Snapshot is a point-in-time dump of every series.
type Snapshot struct {
	Counters   map[string]float64          `json:"counters"`
	Gauges     map[string]float64          `json:"gauges"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// Snapshot copies the store for exposition.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Counters:   make(map[string]float64, len(s.counters)),
		Gauges:     make(map[string]float64, len(s.gauges)),
		Histograms: make(map[string]HistogramSummary, len(s.histograms)),
	}
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for k, v := range s.gauges {
		snap.Gauges[k] = v
	}
	for k, h := range s.histograms {
		snap.Histograms[k] = HistogramSummary{Count: h.count, Sum: h.sum}
	}
	return snap
}
