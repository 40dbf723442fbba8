package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/alerts"
	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/position"
)

// Status tags the outcome of an order operation.
type Status string

const (
	StatusOk      Status = "OK"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

// Skip/failure reasons surfaced to the orchestrator and the journals.
const (
	ReasonSymbolBusy      = "SYMBOL_BUSY"
	ReasonCooldown        = "COOLDOWN"
	ReasonRejectThrottle  = "REJECT_THROTTLE"
	ReasonDailyOrderCap   = "DAILY_ORDER_CAP"
	ReasonMarginSkip      = "MARGIN_INSUFFICIENT"
	ReasonConfirmTimeout  = "CONFIRM_TIMEOUT"
	ReasonInvalidGeometry = "INVALID_TPSL_GEOMETRY"
	ReasonTpslIncomplete  = "TPSL_INCOMPLETE"
	ReasonTpslDuplicate   = "TPSL_DUPLICATE"
	ReasonBelowMinimum    = "BELOW_MINIMUM"
	ReasonExitDebounced   = "EXIT_DEBOUNCED"
	ReasonAlreadyFlat     = "ALREADY_FLAT"
	ReasonReattachSkipped = "REATTACH_SKIPPED"
	ReasonBracketIntact   = "BRACKET_INTACT"
)

// Result is the tagged outcome of an entry, close or partial close.
type Result struct {
	Status   Status
	Reason   string
	Position *position.Position
}

func skipped(reason string) *Result   { return &Result{Status: StatusSkipped, Reason: reason} }
func failed(reason string) *Result    { return &Result{Status: StatusFailed, Reason: reason} }
func ok(p *position.Position) *Result { return &Result{Status: StatusOk, Position: p} }

// EntryRequest carries everything the entry protocol needs.
type EntryRequest struct {
	Symbol       string
	Side         exchange.Side
	Quantity     float64
	Leverage     int
	Margin       float64
	ATR          float64 // fast ATR at decision time
	TPMultiple   float64
	SLMultiple   float64
	DecisionRefs []string
	AgentIDs     []string
}

// Manager owns the order lifecycle: entries with protective brackets,
// exits, partial closes and the venue error policies around them.
type Manager struct {
	cfg     config.OrderConfig
	gw      exchange.Gateway
	store   *position.Store
	guard   *position.Guard
	journal *journal.Journal
	logger  zerolog.Logger
	now     func() time.Time

	throttle *rejectThrottle
	counter  *dailyCounter
	onClose  func(*position.Position)
	alerts   *alerts.Manager

	// tpslRetryDelay spaces the single retry after a trigger-would-fire
	// race. Shortened in tests.
	tpslRetryDelay time.Duration
}

// NewManager wires the order manager.
func NewManager(cfg config.OrderConfig, gw exchange.Gateway, store *position.Store, guard *position.Guard, j *journal.Journal) *Manager {
	return &Manager{
		cfg:            cfg,
		gw:             gw,
		store:          store,
		guard:          guard,
		journal:        j,
		logger:         config.NewLogger("orders"),
		now:            time.Now,
		throttle:       newRejectThrottle(cfg.RejectThrottle),
		counter:        newDailyCounter(cfg.DailyOrderCap),
		tpslRetryDelay: 350 * time.Millisecond,
	}
}

// SetOnClose registers a callback invoked once for every position
// that reaches CLOSED, on any path. The orchestrator uses it to feed
// outcomes back into agent weights and risk counters.
func (m *Manager) SetOnClose(fn func(*position.Position)) {
	m.onClose = fn
}

func (m *Manager) notifyClose(p *position.Position) {
	if m.onClose != nil && p != nil {
		m.onClose(p)
	}
}

// SetAlerts registers an optional alert channel for trade lifecycle
// notifications. Without it the manager stays log-only.
func (m *Manager) SetAlerts(a *alerts.Manager) {
	m.alerts = a
}

func (m *Manager) alertInfo(ctx context.Context, title, message string, fields map[string]any) {
	if m.alerts != nil {
		_ = m.alerts.Info(ctx, title, message, fields)
	}
}

func (m *Manager) alertWarning(ctx context.Context, title, message string, fields map[string]any) {
	if m.alerts != nil {
		_ = m.alerts.Warning(ctx, title, message, fields)
	}
}

// Open runs the entry protocol: pre-checks, leverage, market entry,
// position confirmation, then the protective bracket. A position that
// fills but cannot get valid protective geometry is closed immediately.
func (m *Manager) Open(ctx context.Context, req EntryRequest) *Result {
	if !m.guard.TryLock(req.Symbol) {
		return skipped(ReasonSymbolBusy)
	}
	defer m.guard.Unlock(req.Symbol)

	if until, throttled := m.throttle.Active(req.Symbol); throttled {
		m.logger.Debug().Str("symbol", req.Symbol).Time("until", until).Msg("Entry skipped, reject throttle active")
		return skipped(ReasonRejectThrottle)
	}
	if !m.counter.Allow(m.now()) {
		m.logger.Warn().Str("symbol", req.Symbol).Msg("Entry skipped, daily order cap reached")
		return skipped(ReasonDailyOrderCap)
	}
	if allowed, reason := m.guard.CanEnter(req.Symbol, req.Side); !allowed {
		m.logger.Debug().Str("symbol", req.Symbol).Str("reason", reason).Msg("Entry skipped by guard")
		return skipped(ReasonCooldown)
	}
	if existing := m.store.Get(req.Symbol); existing != nil && existing.State != position.StateClosed {
		return skipped(ReasonSymbolBusy)
	}
	m.guard.RecordAttempt(req.Symbol, req.Side)

	filters, err := m.gw.Filters(ctx, req.Symbol)
	if err != nil {
		m.logError(req.Symbol, err)
		return failed(fmt.Sprintf("filters: %v", err))
	}
	qty := exchange.RoundStep(req.Quantity, filters.StepSize)
	if qty <= 0 || (filters.MinQty > 0 && qty < filters.MinQty) {
		return skipped(ReasonBelowMinimum)
	}

	if err := m.gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		m.logError(req.Symbol, err)
		return failed(fmt.Sprintf("set leverage: %v", err))
	}

	entry, err := m.placeEntry(ctx, req, qty)
	if err != nil {
		if apiErr, isAPI := exchange.AsAPIError(err); isAPI {
			switch exchange.PolicyFor(apiErr.Code) {
			case exchange.PolicySkip:
				m.logger.Warn().Str("symbol", req.Symbol).Int64("code", apiErr.Code).Msg("Entry skipped, margin insufficient")
				return skipped(ReasonMarginSkip)
			case exchange.PolicySkipThrottle:
				m.throttle.Trip(req.Symbol, m.now())
				m.logError(req.Symbol, err)
				return skipped(ReasonRejectThrottle)
			}
		}
		m.logError(req.Symbol, err)
		return failed(fmt.Sprintf("entry order: %v", err))
	}

	venuePos, err := m.waitForPosition(ctx, req.Symbol, req.Side)
	if err != nil {
		m.logError(req.Symbol, err)
		return failed(ReasonConfirmTimeout)
	}

	pos := &position.Position{
		ID:              uuid.New().String(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		State:           position.StateOpen,
		Quantity:        venuePos.Quantity,
		InitialQuantity: venuePos.Quantity,
		EntryPrice:      venuePos.EntryPrice,
		Leverage:        req.Leverage,
		Margin:          req.Margin,
		OpenedAt:        m.now(),
		DecisionRefs:    req.DecisionRefs,
		AgentIDs:        req.AgentIDs,
	}
	if err := m.store.Track(pos); err != nil {
		m.logError(req.Symbol, err)
		return failed(fmt.Sprintf("track position: %v", err))
	}

	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: pos.Symbol, Side: string(pos.Side), Event: "ENTRY",
		Quantity: pos.Quantity, Price: pos.EntryPrice, PositionID: pos.ID,
		Detail: fmt.Sprintf("leverage=%d margin=%.2f order=%d", pos.Leverage, pos.Margin, entry.OrderID),
	})
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("quantity", pos.Quantity).
		Float64("entry_price", pos.EntryPrice).
		Int("leverage", pos.Leverage).
		Msg("Position opened")
	m.alertInfo(ctx, "Position opened",
		fmt.Sprintf("%s %s %.4f @ %.4f", pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice),
		map[string]any{
			"symbol":   pos.Symbol,
			"side":     string(pos.Side),
			"quantity": pos.Quantity,
			"entry":    pos.EntryPrice,
			"leverage": pos.Leverage,
		})

	tp, sl, geomErr := m.computeTargets(ctx, pos, req.ATR, req.TPMultiple, req.SLMultiple, filters)
	if geomErr != nil {
		m.logger.Error().Err(geomErr).Str("symbol", pos.Symbol).Msg("Protective geometry invalid, closing position")
		m.safetyClose(ctx, pos, ReasonInvalidGeometry)
		return failed(ReasonInvalidGeometry)
	}

	if res := m.AttachProtection(ctx, pos, tp, sl, filters); res.Status == StatusFailed {
		// The position stays protected-incomplete; the sentinel owns
		// repair from MONITORING.
		if err := m.store.Transition(pos.Symbol, position.StateMonitoring); err != nil {
			m.logError(pos.Symbol, err)
		}
		return &Result{Status: StatusOk, Reason: ReasonTpslIncomplete, Position: pos}
	}

	if err := m.store.Transition(pos.Symbol, position.StateMonitoring); err != nil {
		m.logError(pos.Symbol, err)
	}
	return ok(pos)
}

// placeEntry submits the market entry order.
func (m *Manager) placeEntry(ctx context.Context, req EntryRequest, qty float64) (*exchange.Order, error) {
	return m.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: "aa-" + uuid.New().String()[:18],
	})
}

// waitForPosition polls the venue until the entry shows up as a live
// position on the expected side or the confirmation window runs out.
// A stale opposite-side position never confirms the entry.
func (m *Manager) waitForPosition(ctx context.Context, symbol string, side exchange.Side) (*exchange.Position, error) {
	deadline := m.now().Add(m.cfg.ConfirmTimeout)
	for {
		pos, err := m.gw.Position(ctx, symbol)
		if err == nil && pos != nil && pos.Quantity > 0 && pos.Side == side {
			return pos, nil
		}
		if err != nil {
			m.logger.Debug().Err(err).Str("symbol", symbol).Msg("Position confirmation poll failed")
		}
		if m.now().After(deadline) {
			return nil, fmt.Errorf("position for %s not confirmed within %s", symbol, m.cfg.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.ConfirmPoll):
		}
	}
}

func (m *Manager) logError(symbol string, err error) {
	code := ""
	if apiErr, ok := exchange.AsAPIError(err); ok {
		code = fmt.Sprintf("%d", apiErr.Code)
	}
	m.journal.LogError(journal.ErrorRow{
		Time: m.now(), Component: "orders", Symbol: symbol, Code: code, Message: err.Error(),
	})
}
