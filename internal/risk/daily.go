package risk

import (
	"sync"
	"time"
)

// DailyTracker accumulates realized PnL for the current UTC day and
// remembers the equity the day started with. The daily-loss
// kill-switch reads both every cycle.
type DailyTracker struct {
	mu          sync.Mutex
	day         string
	realized    float64
	startEquity float64
	now         func() time.Time
}

// NewDailyTracker creates a tracker anchored to the current UTC day.
func NewDailyTracker() *DailyTracker {
	t := &DailyTracker{now: time.Now}
	t.day = t.today()
	return t
}

func (t *DailyTracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}

func (t *DailyTracker) rollover() {
	if day := t.today(); day != t.day {
		t.day = day
		t.realized = 0
		t.startEquity = 0
	}
}

// Anchor records the day's starting equity on the first observation
// of each UTC day. Later calls within the same day are no-ops.
func (t *DailyTracker) Anchor(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if t.startEquity == 0 && equity > 0 {
		t.startEquity = equity
	}
}

// StartEquity returns the equity the current UTC day opened with,
// zero before the first anchor.
func (t *DailyTracker) StartEquity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.startEquity
}

// Day returns the current UTC day key.
func (t *DailyTracker) Day() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.day
}

// Add records realized PnL from a closed (or partially closed) trade.
func (t *DailyTracker) Add(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.realized += pnl
}

// Realized returns today's realized PnL.
func (t *DailyTracker) Realized() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.realized
}

// Loss returns today's loss as a positive number, zero when the day is
// flat or positive.
func (t *DailyTracker) Loss() float64 {
	if r := t.Realized(); r < 0 {
		return -r
	}
	return 0
}
