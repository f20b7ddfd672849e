package monitor

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// latencyRing keeps the most recent request latencies in a fixed window
// for quantile reporting. Writes overwrite the oldest sample.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func newLatencyRing(window int) *latencyRing {
	if window < 1 {
		window = 1
	}
	return &latencyRing{samples: make([]float64, window)}
}

func (r *latencyRing) add(ms float64) {
	r.mu.Lock()
	r.samples[r.next] = ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// Quantiles returns the p50/p95/p99 latencies in milliseconds over the
// window, or zeros when no samples exist yet.
func (r *latencyRing) Quantiles() (p50, p95, p99 float64) {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	data := make([]float64, n)
	copy(data, r.samples[:n])
	r.mu.Unlock()

	if len(data) == 0 {
		return 0, 0, 0
	}

	sort.Float64s(data)
	p50 = stat.Quantile(0.50, stat.Empirical, data, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, data, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, data, nil)
	return p50, p95, p99
}
