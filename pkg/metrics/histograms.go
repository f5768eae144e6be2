package metrics

import (
	"sync"
	"time"
)

// HistogramBucket is one cumulative latency bucket with an upper bound
// in seconds.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram tracks a latency distribution per endpoint. Bounds run out to
// ten seconds because escrow settlement calls sit behind chain RPC and can
// legitimately take whole seconds.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

var defaultBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// NewHistogram creates a histogram with the default latency bounds.
func NewHistogram(name string) *Histogram {
	buckets := make([]HistogramBucket, len(defaultBuckets))
	for i, le := range defaultBuckets {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

// Observe records one request latency.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// percentileLocked estimates the p-th percentile (0.0 to 1.0) as the
// bound of the first bucket covering that rank. Caller holds h.mu.
func (h *Histogram) percentileLocked(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := int64(p * float64(h.count))
	for _, b := range h.buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	if len(h.buckets) > 0 {
		return h.buckets[len(h.buckets)-1].Le
	}
	return 0
}

// Percentile estimates the p-th percentile from the bucket bounds.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.percentileLocked(p)
}

// HistogramSnapshot is a point-in-time copy for Prometheus exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

// Snapshot copies the current state with precomputed percentiles.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     h.percentileLocked(0.50),
		P95:     h.percentileLocked(0.95),
		P99:     h.percentileLocked(0.99),
	}
}

// HistogramRegistry holds one histogram per gateway endpoint.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the named histogram, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

// ObserveDuration records a latency against the named endpoint.
func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns a snapshot of every endpoint histogram.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
