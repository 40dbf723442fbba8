package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
)

// Snapshot is the per-symbol market view for one cycle.
type Snapshot struct {
	Symbol    string                 `json:"symbol"`
	Klines    []exchange.Kline       `json:"klines"`
	Ticker    *exchange.Ticker       `json:"ticker"`
	Premium   *exchange.PremiumIndex `json:"premium"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Age returns how old the snapshot is.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.FetchedAt)
}

// Service fetches and caches market data. Snapshots are cached for the
// configured TTL; callers that are about to trade ask for a hard
// refresh so orders never price off stale data.
type Service struct {
	gw    exchange.Gateway
	cfg   config.MarketConfig
	redis *RedisCache // optional second-level cache

	mu    sync.Mutex
	cache map[string]*Snapshot

	logger zerolog.Logger
}

// NewService creates a market data service.
func NewService(gw exchange.Gateway, cfg config.MarketConfig, redis *RedisCache) *Service {
	return &Service{
		gw:     gw,
		cfg:    cfg,
		redis:  redis,
		cache:  make(map[string]*Snapshot),
		logger: config.NewLogger("market"),
	}
}

// Snapshot returns the cached snapshot while it is within TTL,
// fetching otherwise.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return s.snapshot(ctx, symbol, s.cfg.CacheTTL)
}

// FreshSnapshot returns a snapshot no older than the hard-refresh age.
// The order path uses it right before submitting.
func (s *Service) FreshSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return s.snapshot(ctx, symbol, s.cfg.HardRefreshAge)
}

func (s *Service) snapshot(ctx context.Context, symbol string, maxAge time.Duration) (*Snapshot, error) {
	s.mu.Lock()
	cached, ok := s.cache[symbol]
	s.mu.Unlock()
	if ok && cached.Age() <= maxAge {
		return cached, nil
	}

	// Second-level cache, when enabled.
	if s.redis != nil {
		if snap, ok := s.redis.GetSnapshot(ctx, symbol); ok && snap.Age() <= maxAge {
			s.mu.Lock()
			s.cache[symbol] = snap
			s.mu.Unlock()
			return snap, nil
		}
	}

	snap, err := s.fetch(ctx, symbol)
	if err != nil {
		// A stale snapshot beats no snapshot for observe-only paths,
		// but the caller decides; surface the error.
		return nil, err
	}

	s.mu.Lock()
	s.cache[symbol] = snap
	s.mu.Unlock()

	if s.redis != nil {
		s.redis.PutSnapshot(snap)
	}
	return snap, nil
}

func (s *Service) fetch(ctx context.Context, symbol string) (*Snapshot, error) {
	klines, err := s.gw.Klines(ctx, symbol, s.cfg.KlineInterval, s.cfg.KlineLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}
	ticker, err := s.gw.Ticker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}
	premium, err := s.gw.PremiumIndex(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch premium index for %s: %w", symbol, err)
	}

	s.logger.Debug().
		Str("symbol", symbol).
		Int("klines", len(klines)).
		Float64("bid", ticker.Bid).
		Float64("ask", ticker.Ask).
		Float64("mark", premium.MarkPrice).
		Msg("Market snapshot fetched")

	return &Snapshot{
		Symbol:    symbol,
		Klines:    klines,
		Ticker:    ticker,
		Premium:   premium,
		FetchedAt: time.Now(),
	}, nil
}

// Invalidate drops the cached snapshot for a symbol.
func (s *Service) Invalidate(symbol string) {
	s.mu.Lock()
	delete(s.cache, symbol)
	s.mu.Unlock()
}
