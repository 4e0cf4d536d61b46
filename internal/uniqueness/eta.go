package uniqueness

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// throughputWindow is the number of batch samples kept for the median.
	throughputWindow = 100

	// DefaultEta is returned when there is no traffic to estimate from.
	DefaultEta = 10 * time.Second
)

// throughput keeps a sliding window of states-per-minute samples.
type throughput struct {
	mu      sync.Mutex
	samples []float64
	next    int
	median  float64
}

func newThroughput() *throughput {
	return &throughput{samples: make([]float64, 0, throughputWindow)}
}

// record adds the rate observed for a batch of n states processed in elapsed.
func (t *throughput) record(n int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	rate := float64(int64(n) * int64(time.Minute) / int64(elapsed))
	if rate < 1 {
		rate = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < throughputWindow {
		t.samples = append(t.samples, rate)
	} else {
		t.samples[t.next] = rate
	}
	t.next = (t.next + 1) % throughputWindow

	sorted := make([]float64, len(t.samples))
	copy(sorted, t.samples)
	sort.Float64s(sorted)
	t.median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// rate returns the median states per minute, zero without history.
func (t *throughput) rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.median
}

// estimate is twice the expected time to work through queued states at
// rate. Without throughput history it falls back to DefaultEta.
func estimate(rate float64, queued int64) time.Duration {
	if rate <= 0 {
		return DefaultEta
	}
	if queued <= 0 {
		return 0
	}
	secs := int64(2 * time.Minute.Seconds() * float64(queued) / rate)
	return time.Duration(secs) * time.Second
}
