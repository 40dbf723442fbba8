package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
)

// Guard enforces per-symbol entry discipline: the post-exit re-entry
// cooldowns and the duplicate-entry debounce. It also carries the
// per-symbol single-flight lock so two code paths never work the same
// symbol's orders at once.
type Guard struct {
	cfg config.OrderConfig

	mu          sync.Mutex
	lastClose   map[string]closeMark
	lastAttempt map[string]attemptMark
	busy        map[string]bool
	now         func() time.Time
}

type closeMark struct {
	side exchange.Side
	at   time.Time
}

type attemptMark struct {
	side exchange.Side
	at   time.Time
}

// NewGuard creates an entry guard.
func NewGuard(cfg config.OrderConfig) *Guard {
	return &Guard{
		cfg:         cfg,
		lastClose:   make(map[string]closeMark),
		lastAttempt: make(map[string]attemptMark),
		busy:        make(map[string]bool),
		now:         time.Now,
	}
}

// CanEnter checks the cooldowns and the duplicate debounce for an
// entry on symbol/side. The empty string means the entry is allowed.
func (g *Guard) CanEnter(symbol string, side exchange.Side) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if mark, ok := g.lastAttempt[symbol]; ok && mark.side == side {
		if since := now.Sub(mark.at); since < g.cfg.DuplicateDebounce {
			return false, fmt.Sprintf("duplicate %s entry %s after the last attempt", side, since.Round(time.Millisecond))
		}
	}

	if mark, ok := g.lastClose[symbol]; ok {
		cooldown := g.cfg.ReversalCooldown
		if mark.side == side {
			cooldown = g.cfg.SameSideCooldown
		}
		if since := now.Sub(mark.at); since < cooldown {
			return false, fmt.Sprintf("cooldown after %s close, %s of %s elapsed", mark.side, since.Round(time.Second), cooldown)
		}
	}
	return true, ""
}

// RecordAttempt marks an entry attempt for the duplicate debounce.
// Call it before submitting, so a racing second attempt is refused.
func (g *Guard) RecordAttempt(symbol string, side exchange.Side) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAttempt[symbol] = attemptMark{side: side, at: g.now()}
}

// RecordClose marks a position close and starts the re-entry cooldowns.
func (g *Guard) RecordClose(symbol string, side exchange.Side) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastClose[symbol] = closeMark{side: side, at: g.now()}
}

// TryLock acquires the symbol's single-flight lock without blocking.
func (g *Guard) TryLock(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[symbol] {
		return false
	}
	g.busy[symbol] = true
	return true
}

// Unlock releases the symbol's single-flight lock.
func (g *Guard) Unlock(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, symbol)
}
