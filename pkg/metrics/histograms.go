package metrics

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// HistogramBucket counts observations at or below Le seconds.
type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// DefaultBuckets covers sub-millisecond gate checks up to slow embedding calls.
var DefaultBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Histogram records latencies in fixed buckets. Counts are kept per bucket
// and made cumulative only when read; observations above the last bound
// land in an overflow slot that only contributes to Count and Sum.
type Histogram struct {
	name   string
	bounds []float64

	mu     sync.Mutex
	counts []int64 // len(bounds)+1, last is overflow
	sum    float64
}

func NewHistogram(name string) *Histogram {
	return NewHistogramWithBuckets(name, DefaultBuckets)
}

// NewHistogramWithBuckets copies and sorts bounds.
func NewHistogramWithBuckets(name string, bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{name: name, bounds: b, counts: make([]int64, len(b)+1)}
}

// Observe records d; negative durations count as zero.
func (h *Histogram) Observe(d time.Duration) {
	sec := max(d.Seconds(), 0)
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	h.counts[i]++
	h.sum += sec
	h.mu.Unlock()
}

// Percentile estimates the p-quantile (0..1) as the upper bound of the
// bucket holding it.
func (h *Histogram) Percentile(p float64) float64 {
	return h.Snapshot().quantile(p)
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	counts := slices.Clone(h.counts)
	sum := h.sum
	h.mu.Unlock()

	s := HistogramSnapshot{Name: h.name, Sum: sum, Buckets: make([]HistogramBucket, len(h.bounds))}
	var running int64
	for i, le := range h.bounds {
		running += counts[i]
		s.Buckets[i] = HistogramBucket{Le: le, Count: running}
	}
	s.Count = running + counts[len(counts)-1]
	s.P50, s.P95, s.P99 = s.quantile(0.50), s.quantile(0.95), s.quantile(0.99)
	return s
}

func (s HistogramSnapshot) quantile(p float64) float64 {
	if s.Count == 0 || len(s.Buckets) == 0 {
		return 0
	}
	rank := max(int64(math.Ceil(p*float64(s.Count))), 1)
	for _, b := range s.Buckets {
		if b.Count >= rank {
			return b.Le
		}
	}
	return s.Buckets[len(s.Buckets)-1].Le
}

// Cumulative returns bucket counts keyed by upper bound, the shape
// prometheus.MustNewConstHistogram expects.
func (s HistogramSnapshot) Cumulative() map[float64]uint64 {
	out := make(map[float64]uint64, len(s.Buckets))
	for _, b := range s.Buckets {
		out[b.Le] = uint64(b.Count)
	}
	return out
}

// HistogramRegistry holds histograms by name, created on first use.
type HistogramRegistry struct {
	mu     sync.Mutex
	byName map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{byName: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byName[name]
	if !ok {
		h = NewHistogram(name)
		r.byName[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram sorted by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	hs := make([]*Histogram, 0, len(r.byName))
	for _, h := range r.byName {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	slices.SortFunc(hs, func(a, b *Histogram) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	out := make([]HistogramSnapshot, len(hs))
	for i, h := range hs {
		out[i] = h.Snapshot()
	}
	return out
}
