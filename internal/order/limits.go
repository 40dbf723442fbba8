package order

import (
	"sync"
	"time"
)

// rejectThrottle pauses a symbol's order flow for a cool-off window
// after the venue rejects an order outright.
type rejectThrottle struct {
	window time.Duration

	mu    sync.Mutex
	until map[string]time.Time
}

func newRejectThrottle(window time.Duration) *rejectThrottle {
	return &rejectThrottle{window: window, until: make(map[string]time.Time)}
}

// Trip starts the cool-off window for a symbol.
func (t *rejectThrottle) Trip(symbol string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[symbol] = now.Add(t.window)
}

// Active reports whether the symbol is still inside its cool-off.
func (t *rejectThrottle) Active(symbol string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.until[symbol]
	if !ok || time.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

// dailyCounter caps the number of entry submissions per UTC day.
type dailyCounter struct {
	cap int

	mu    sync.Mutex
	day   string
	count int
}

func newDailyCounter(cap int) *dailyCounter {
	return &dailyCounter{cap: cap}
}

// Allow consumes one slot when the cap permits.
func (c *dailyCounter) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	day := now.UTC().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.count = 0
	}
	if c.cap > 0 && c.count >= c.cap {
		return false
	}
	c.count++
	return true
}
