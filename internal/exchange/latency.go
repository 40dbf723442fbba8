package exchange

import (
	"sync"
	"time"
)

// LatencyTracker keeps a rolling window of venue call durations. The
// average over the window feeds the latency kill-switch.
type LatencyTracker struct {
	mu      sync.Mutex
	window  int
	samples []time.Duration
	next    int
	filled  bool
}

// NewLatencyTracker creates a tracker over the given window size.
func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = 20
	}
	return &LatencyTracker{
		window:  window,
		samples: make([]time.Duration, window),
	}
}

// Record adds one call duration to the window.
func (t *LatencyTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = d
	t.next = (t.next + 1) % t.window
	if t.next == 0 {
		t.filled = true
	}
}

// Average returns the mean duration over recorded samples. Zero when
// nothing has been recorded yet.
func (t *LatencyTracker) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.window
	if !t.filled {
		n = t.next
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += t.samples[i]
	}
	return sum / time.Duration(n)
}

// Count returns how many samples the window currently holds.
func (t *LatencyTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled {
		return t.window
	}
	return t.next
}
