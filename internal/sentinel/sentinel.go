package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/metrics"
	"github.com/alphaarena/engine/internal/order"
	"github.com/alphaarena/engine/internal/position"
)

// TargetsFunc computes a protective bracket for a position from
// current market data. The orchestrator provides one backed by the
// indicator service and the regime classifier.
type TargetsFunc func(ctx context.Context, pos *position.Position) (tp, sl float64, err error)

// Sentinel is the slow safety loop and the only component allowed to
// repair protective brackets. It also adopts venue positions that
// have no local record (crash recovery, manual trades).
type Sentinel struct {
	cfg     config.SentinelConfig
	gw      exchange.Gateway
	store   *position.Store
	orders  *order.Manager
	targets TargetsFunc
	journal *journal.Journal
	logger  zerolog.Logger

	mu       sync.Mutex
	cycle    uint64
	attempts map[string]reattachMark
	now      func() time.Time
}

type reattachMark struct {
	at    time.Time
	cycle uint64
}

// New wires the sentinel.
func New(cfg config.SentinelConfig, gw exchange.Gateway, store *position.Store, orders *order.Manager, targets TargetsFunc, j *journal.Journal) *Sentinel {
	return &Sentinel{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		orders:   orders,
		targets:  targets,
		journal:  j,
		logger:   config.NewLogger("sentinel"),
		attempts: make(map[string]reattachMark),
		now:      time.Now,
	}
}

// Run drives the sweep on the configured interval until ctx ends.
func (s *Sentinel) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Sentinel started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sentinel stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one safety pass: adopt orphans, then verify and repair
// the bracket of every monitored position.
func (s *Sentinel) Sweep(ctx context.Context) {
	s.mu.Lock()
	s.cycle++
	s.mu.Unlock()

	s.adoptOrphans(ctx)

	for _, pos := range s.store.Active() {
		if pos.State != position.StateMonitoring {
			continue
		}
		s.checkBracket(ctx, pos)
	}
}

// checkBracket verifies both protective legs rest on the venue and
// repairs a broken bracket, debounced by both wall time and sweep
// count so a stubborn failure cannot hammer the venue.
func (s *Sentinel) checkBracket(ctx context.Context, pos *position.Position) {
	open, err := s.gw.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		s.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Open orders poll failed")
		return
	}
	tpLive, slLive := countLegs(open)
	if tpLive && slLive {
		return
	}

	if !s.reattachAllowed(pos.Symbol) {
		return
	}

	tp, sl := pos.TakeProfit, pos.StopLoss
	if tp <= 0 || sl <= 0 {
		if s.targets == nil {
			s.logger.Warn().Str("symbol", pos.Symbol).Msg("No recorded bracket and no targets source, cannot repair")
			return
		}
		var terr error
		tp, sl, terr = s.targets(ctx, pos)
		if terr != nil {
			s.logger.Error().Err(terr).Str("symbol", pos.Symbol).Msg("Bracket recompute failed")
			return
		}
	}

	s.markAttempt(pos.Symbol)
	s.logger.Warn().
		Str("symbol", pos.Symbol).
		Bool("tp_live", tpLive).
		Bool("sl_live", slLive).
		Msg("Protective bracket broken, repairing")

	res := s.orders.Reattach(ctx, pos, tp, sl)
	switch res.Status {
	case order.StatusOk:
		metrics.Reattaches.Inc()
	case order.StatusFailed:
		s.logger.Error().Str("symbol", pos.Symbol).Str("reason", res.Reason).Msg("Bracket repair failed")
	}
}

// reattachAllowed enforces the dual debounce: a minimum wall-clock gap
// and a minimum number of sweeps since the last attempt.
func (s *Sentinel) reattachAllowed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.attempts[symbol]
	if !ok {
		return true
	}
	if s.now().Sub(mark.at) < s.cfg.ReattachDebounce {
		return false
	}
	if s.cfg.ReattachCycles > 0 && s.cycle-mark.cycle < uint64(s.cfg.ReattachCycles) {
		return false
	}
	return true
}

func (s *Sentinel) markAttempt(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[symbol] = reattachMark{at: s.now(), cycle: s.cycle}
}

// adoptOrphans registers venue positions the engine does not know
// about so they get the same protection and monitoring as its own.
func (s *Sentinel) adoptOrphans(ctx context.Context) {
	venuePositions, err := s.gw.Positions(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Positions poll failed")
		return
	}

	for i := range venuePositions {
		vp := &venuePositions[i]
		if s.store.Get(vp.Symbol) != nil {
			continue
		}

		leverage := vp.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		margin := vp.EntryPrice * vp.Quantity / float64(leverage)

		pos := &position.Position{
			ID:              uuid.New().String(),
			Symbol:          vp.Symbol,
			Side:            vp.Side,
			State:           position.StateOpen,
			Quantity:        vp.Quantity,
			InitialQuantity: vp.Quantity,
			EntryPrice:      vp.EntryPrice,
			Leverage:        leverage,
			Margin:          margin,
			Adopted:         true,
			OpenedAt:        s.now(),
		}
		if err := s.store.Track(pos); err != nil {
			s.logger.Error().Err(err).Str("symbol", vp.Symbol).Msg("Failed to adopt orphan position")
			continue
		}

		s.journal.LogTrade(journal.TradeRow{
			Time: s.now(), Symbol: pos.Symbol, Side: string(pos.Side), Event: "ADOPTED",
			Quantity: pos.Quantity, Price: pos.EntryPrice, PositionID: pos.ID,
			Detail: "venue position without local record",
		})
		s.logger.Warn().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("quantity", pos.Quantity).
			Msg("Adopted orphan venue position")

		s.protectAdopted(ctx, pos)
	}
}

// protectAdopted gives a just-adopted position a bracket and moves it
// to MONITORING. Without a targets source the position still lands in
// MONITORING so the next sweep can repair it.
func (s *Sentinel) protectAdopted(ctx context.Context, pos *position.Position) {
	defer func() {
		if err := s.store.Transition(pos.Symbol, position.StateMonitoring); err != nil {
			s.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Adopted position transition failed")
		}
	}()

	if s.targets == nil {
		return
	}
	tp, sl, err := s.targets(ctx, pos)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Bracket compute for adopted position failed")
		return
	}

	filters, err := s.gw.Filters(ctx, pos.Symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Filters fetch for adopted position failed")
		return
	}
	s.markAttempt(pos.Symbol)
	if res := s.orders.AttachProtection(ctx, pos, tp, sl, filters); res.Status == order.StatusFailed {
		s.logger.Error().Str("symbol", pos.Symbol).Str("reason", res.Reason).Msg("Adopted position left unprotected")
	}
}

// countLegs reports whether a live TP and SL leg rest in the order list.
func countLegs(orders []exchange.Order) (tpLive, slLive bool) {
	for _, o := range orders {
		if o.Status != exchange.OrderStatusNew && o.Status != exchange.OrderStatusPartiallyFilled {
			continue
		}
		switch o.Type {
		case exchange.OrderTypeTakeProfitMarket:
			tpLive = true
		case exchange.OrderTypeStopMarket:
			slLive = true
		}
	}
	return tpLive, slLive
}
