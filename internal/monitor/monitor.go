package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/order"
	"github.com/alphaarena/engine/internal/position"
)

// Monitor is the fast observation loop. Every few seconds it checks
// each monitored position against the venue, triggers the one-shot
// partial close when the ROI threshold is crossed, and reconciles
// positions the venue already closed. It never places entries and
// never touches protective legs; that is the sentinel's job.
type Monitor struct {
	cfg     config.MonitorConfig
	gw      exchange.Gateway
	store   *position.Store
	orders  *order.Manager
	journal *journal.Journal
	logger  zerolog.Logger

	mu          sync.Mutex
	lastLog     map[string]time.Time
	lastLegWarn map[string]time.Time
	now         func() time.Time
}

// New wires the monitor loop.
func New(cfg config.MonitorConfig, gw exchange.Gateway, store *position.Store, orders *order.Manager, j *journal.Journal) *Monitor {
	return &Monitor{
		cfg:         cfg,
		gw:          gw,
		store:       store,
		orders:      orders,
		journal:     j,
		logger:      config.NewLogger("monitor"),
		lastLog:     make(map[string]time.Time),
		lastLegWarn: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run drives the sweep on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one observation pass over all monitored positions.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, pos := range m.store.Active() {
		if pos.State != position.StateMonitoring {
			continue
		}
		m.observe(ctx, pos)
	}
}

func (m *Monitor) observe(ctx context.Context, pos *position.Position) {
	venuePos, err := m.gw.Position(ctx, pos.Symbol)
	if err != nil {
		m.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Position poll failed")
		return
	}
	if venuePos == nil || venuePos.Quantity == 0 {
		// A protective leg fired or the position was closed manually.
		m.orders.FinalizeVenueClose(ctx, pos.Symbol, "protective leg filled")
		return
	}

	m.checkProtection(ctx, pos)

	mark := venuePos.MarkPrice
	if mark <= 0 {
		if premium, perr := m.gw.PremiumIndex(ctx, pos.Symbol); perr == nil {
			mark = premium.MarkPrice
		}
	}
	if mark <= 0 {
		return
	}

	if res := m.orders.PartialClose(ctx, pos.Symbol, mark); res.Status == order.StatusOk {
		m.logger.Info().Str("symbol", pos.Symbol).Msg("Partial close triggered by monitor")
	}

	m.logStatus(pos, mark)
}

// checkProtection records an incomplete protective bracket in the
// error journal, debounced per symbol. The monitor only observes; the
// sentinel owns the repair.
func (m *Monitor) checkProtection(ctx context.Context, pos *position.Position) {
	open, err := m.gw.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Open orders poll failed")
		return
	}
	var tpLive, slLive bool
	for _, o := range open {
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
	if tpLive && slLive {
		return
	}

	m.mu.Lock()
	last, seen := m.lastLegWarn[pos.Symbol]
	now := m.now()
	if seen && now.Sub(last) < m.cfg.LogDebounce {
		m.mu.Unlock()
		return
	}
	m.lastLegWarn[pos.Symbol] = now
	m.mu.Unlock()

	m.logger.Warn().
		Str("symbol", pos.Symbol).
		Bool("tp_live", tpLive).
		Bool("sl_live", slLive).
		Msg("Protective leg missing, sentinel will repair")
	m.journal.LogError(journal.ErrorRow{
		Time:      now,
		Component: "monitor",
		Symbol:    pos.Symbol,
		Code:      "BRACKET_INCOMPLETE",
		Message:   fmt.Sprintf("tp_live=%t sl_live=%t", tpLive, slLive),
	})
}

// logStatus emits a per-symbol heartbeat, debounced so a 5-second
// sweep does not flood the log.
func (m *Monitor) logStatus(pos *position.Position, mark float64) {
	m.mu.Lock()
	last, seen := m.lastLog[pos.Symbol]
	now := m.now()
	if seen && now.Sub(last) < m.cfg.LogDebounce {
		m.mu.Unlock()
		return
	}
	m.lastLog[pos.Symbol] = now
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("mark", mark).
		Float64("roi", pos.ROI(mark)).
		Float64("unrealized_pnl", pos.UnrealizedPnL(mark)).
		Bool("partial_done", pos.PartialDone).
		Msg("Position status")
}
