package order

import (
	"context"
	"fmt"
	"time"

	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/position"
)

// closeRetries bounds the exit submission attempts. An exit that
// cannot reach the venue after these is surfaced as failed and left
// for the next cycle.
const closeRetries = 3

// Close exits a tracked position with a reduce-only market order,
// cleans up the protective legs and records the realized outcome.
func (m *Manager) Close(ctx context.Context, symbol, reason string) *Result {
	pos := m.store.Get(symbol)
	if pos == nil || pos.State == position.StateClosed {
		return skipped(ReasonAlreadyFlat)
	}
	if !m.store.ExitAllowed(symbol, m.cfg.ExitDebounce) {
		return skipped(ReasonExitDebounced)
	}
	if !m.guard.TryLock(symbol) {
		return skipped(ReasonSymbolBusy)
	}
	defer m.guard.Unlock(symbol)

	if pos.State != position.StateClosing {
		if err := m.store.Transition(symbol, position.StateClosing); err != nil {
			m.logError(symbol, err)
			return failed(fmt.Sprintf("transition: %v", err))
		}
	}

	exitPrice, err := m.submitExit(ctx, pos, pos.Quantity)
	if err != nil {
		m.logError(symbol, err)
		return failed(fmt.Sprintf("exit order: %v", err))
	}

	m.cleanupDanglingOrders(ctx, pos)

	closedQty := pos.Quantity
	pnl := exitPnL(pos.Side, pos.EntryPrice, exitPrice, closedQty)
	totalPnL := pos.RealizedPnL + pnl
	roi := 0.0
	if pos.Margin > 0 {
		roi = totalPnL / pos.Margin
	}

	if err := m.store.Update(symbol, func(p *position.Position) {
		p.RealizedPnL = totalPnL
		p.Quantity = 0
		p.CloseReason = reason
	}); err != nil {
		m.logError(symbol, err)
	}
	if err := m.store.Transition(symbol, position.StateClosed); err != nil {
		m.logError(symbol, err)
	}
	m.guard.RecordClose(symbol, pos.Side)

	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: symbol, Side: string(pos.Side), Event: "EXIT",
		Quantity: closedQty, Price: exitPrice, ROI: roi, PnL: totalPnL,
		PositionID: pos.ID, Detail: reason,
	})
	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", totalPnL).
		Msg("Position closed")
	m.alertInfo(ctx, "Position closed",
		fmt.Sprintf("%s %s closed @ %.4f, pnl %.2f (%s)", pos.Side, symbol, exitPrice, totalPnL, reason),
		map[string]any{"symbol": symbol, "pnl": totalPnL, "roi": roi, "reason": reason})

	closed := m.store.Get(symbol)
	m.store.Forget(symbol)
	m.notifyClose(closed)
	return ok(closed)
}

// FinalizeVenueClose reconciles a position the venue already closed
// (a protective leg fired, or a manual intervention). It records the
// outcome at the current mark and cleans up the surviving leg.
func (m *Manager) FinalizeVenueClose(ctx context.Context, symbol, reason string) *Result {
	pos := m.store.Get(symbol)
	if pos == nil || pos.State == position.StateClosed {
		return skipped(ReasonAlreadyFlat)
	}
	if !m.guard.TryLock(symbol) {
		return skipped(ReasonSymbolBusy)
	}
	defer m.guard.Unlock(symbol)

	m.cleanupDanglingOrders(ctx, pos)

	exitPrice := m.lastMark(ctx, symbol)
	closedQty := pos.Quantity
	pnl := exitPnL(pos.Side, pos.EntryPrice, exitPrice, closedQty)
	totalPnL := pos.RealizedPnL + pnl
	roi := 0.0
	if pos.Margin > 0 {
		roi = totalPnL / pos.Margin
	}

	if pos.State != position.StateClosing {
		if err := m.store.Transition(symbol, position.StateClosing); err != nil {
			m.logError(symbol, err)
		}
	}
	if err := m.store.Update(symbol, func(p *position.Position) {
		p.RealizedPnL = totalPnL
		p.Quantity = 0
		p.CloseReason = reason
	}); err != nil {
		m.logError(symbol, err)
	}
	if err := m.store.Transition(symbol, position.StateClosed); err != nil {
		m.logError(symbol, err)
	}
	m.guard.RecordClose(symbol, pos.Side)

	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: symbol, Side: string(pos.Side), Event: "VENUE_CLOSE",
		Quantity: closedQty, Price: exitPrice, ROI: roi, PnL: totalPnL,
		PositionID: pos.ID, Detail: reason,
	})
	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("pnl", totalPnL).
		Msg("Venue-side close reconciled")
	m.alertInfo(ctx, "Position closed by venue",
		fmt.Sprintf("%s %s closed venue-side @ %.4f, pnl %.2f (%s)", pos.Side, symbol, exitPrice, totalPnL, reason),
		map[string]any{"symbol": symbol, "pnl": totalPnL, "roi": roi, "reason": reason})

	closed := m.store.Get(symbol)
	m.store.Forget(symbol)
	m.notifyClose(closed)
	return ok(closed)
}

// submitExit sends the reduce-only market exit with bounded retries.
// An unknown-order or too-small-notional response means the venue is
// already flat and counts as success.
func (m *Manager) submitExit(ctx context.Context, pos *position.Position, qty float64) (float64, error) {
	req := exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Type:       exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	}

	var lastErr error
	for attempt := 1; attempt <= closeRetries; attempt++ {
		order, err := m.gw.PlaceOrder(ctx, req)
		if err == nil {
			if order.AvgPrice > 0 {
				return order.AvgPrice, nil
			}
			return m.lastMark(ctx, pos.Symbol), nil
		}
		lastErr = err

		if apiErr, isAPI := exchange.AsAPIError(err); isAPI {
			switch exchange.PolicyFor(apiErr.Code) {
			case exchange.PolicyTreatSuccess:
				return m.lastMark(ctx, pos.Symbol), nil
			case exchange.PolicySkipThrottle:
				m.throttle.Trip(pos.Symbol, m.now())
				return 0, err
			}
		}
		m.logger.Warn().
			Err(err).
			Str("symbol", pos.Symbol).
			Int("attempt", attempt).
			Msg("Exit order failed, retrying")

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(m.tpslRetryDelay):
		}
	}
	return 0, lastErr
}

// cleanupDanglingOrders cancels any protective legs still resting
// after a close. An already-gone order is fine.
func (m *Manager) cleanupDanglingOrders(ctx context.Context, pos *position.Position) {
	open, err := m.gw.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logError(pos.Symbol, err)
		return
	}
	for _, o := range open {
		if o.Type != exchange.OrderTypeStopMarket && o.Type != exchange.OrderTypeTakeProfitMarket {
			continue
		}
		if err := m.gw.CancelOrder(ctx, pos.Symbol, o.OrderID); err != nil && !exchange.IsCode(err, exchange.CodeUnknownOrder) {
			m.logError(pos.Symbol, err)
		}
	}
}

// PartialClose banks half the position once the price has moved far
// enough from entry, then walks the stop to breakeven. The trigger is
// on the raw price move, not margin ROI, so leverage does not fire it
// early. Fires at most once per position.
func (m *Manager) PartialClose(ctx context.Context, symbol string, markPrice float64) *Result {
	pos := m.store.Get(symbol)
	if pos == nil || pos.State != position.StateMonitoring {
		return skipped(ReasonAlreadyFlat)
	}
	if pos.PartialDone {
		return skipped("PARTIAL_ALREADY_DONE")
	}
	if pos.PriceROI(markPrice) < m.cfg.PartialROI {
		return skipped("ROI_BELOW_TRIGGER")
	}
	if !m.guard.TryLock(symbol) {
		return skipped(ReasonSymbolBusy)
	}
	defer m.guard.Unlock(symbol)

	filters, err := m.gw.Filters(ctx, symbol)
	if err != nil {
		m.logError(symbol, err)
		return failed(fmt.Sprintf("filters: %v", err))
	}

	closeQty := exchange.RoundStep(pos.Quantity*m.cfg.PartialFraction, filters.StepSize)
	remaining := pos.Quantity - closeQty
	if !exchange.MeetsMinimums(closeQty, markPrice, filters) ||
		!exchange.MeetsMinimums(remaining, markPrice, filters) ||
		closeQty*markPrice < m.cfg.MinNotional {
		m.logger.Debug().
			Str("symbol", symbol).
			Float64("close_qty", closeQty).
			Float64("remaining", remaining).
			Msg("Partial close skipped, slice below venue minimums")
		return skipped(ReasonBelowMinimum)
	}

	roiAtTrigger := pos.PriceROI(markPrice)

	exitPrice, err := m.submitExit(ctx, pos, closeQty)
	if err != nil {
		m.logError(symbol, err)
		return failed(fmt.Sprintf("partial exit: %v", err))
	}

	pnl := exitPnL(pos.Side, pos.EntryPrice, exitPrice, closeQty)

	// Walk the stop to breakeven plus a small buffer on the winning side.
	breakeven := pos.EntryPrice * (1 + m.cfg.BreakevenBuffer)
	if pos.Side == exchange.SideSell {
		breakeven = pos.EntryPrice * (1 - m.cfg.BreakevenBuffer)
	}
	breakeven = exchange.RoundTick(breakeven, filters.TickSize)

	if pos.SLOrderID != 0 {
		if cerr := m.gw.CancelOrder(ctx, symbol, pos.SLOrderID); cerr != nil && !exchange.IsCode(cerr, exchange.CodeUnknownOrder) {
			m.logError(symbol, cerr)
		}
	}
	var newSLID int64
	if slOrder, perr := m.placeProtective(ctx, pos, exchange.OrderTypeStopMarket, pos.Side.Opposite(), breakeven); perr == nil {
		newSLID = slOrder.OrderID
	} else {
		m.logError(symbol, perr)
	}

	if err := m.store.Update(symbol, func(p *position.Position) {
		p.Quantity = remaining
		p.PartialDone = true
		p.RealizedPnL += pnl
		p.StopLoss = breakeven
		if newSLID != 0 {
			p.SLOrderID = newSLID
		}
		p.TPSLHash = position.TPSLHash(p.Symbol, p.Side, p.TakeProfit, breakeven, filters.TickSize)
	}); err != nil {
		m.logError(symbol, err)
	}

	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: symbol, Side: string(pos.Side), Event: "PARTIAL_CLOSE",
		Quantity: closeQty, Price: exitPrice, ROI: roiAtTrigger, PnL: pnl,
		PositionID: pos.ID, Detail: fmt.Sprintf("stop moved to %.8f", breakeven),
	})
	m.logger.Info().
		Str("symbol", symbol).
		Float64("closed_qty", closeQty).
		Float64("banked_pnl", pnl).
		Float64("breakeven_stop", breakeven).
		Msg("Partial close executed")
	m.alertInfo(ctx, "Partial close",
		fmt.Sprintf("%s banked %.2f on %.4f, stop moved to %.4f", symbol, pnl, closeQty, breakeven),
		map[string]any{"symbol": symbol, "pnl": pnl, "closed_qty": closeQty, "breakeven_stop": breakeven})

	return ok(m.store.Get(symbol))
}

// safetyClose unwinds a just-opened position that cannot be protected.
func (m *Manager) safetyClose(ctx context.Context, pos *position.Position, reason string) {
	if err := m.store.Transition(pos.Symbol, position.StateClosing); err != nil {
		m.logError(pos.Symbol, err)
	}
	closedQty := pos.Quantity
	exitPrice, err := m.submitExit(ctx, pos, closedQty)
	if err != nil {
		m.logError(pos.Symbol, err)
		return
	}
	pnl := exitPnL(pos.Side, pos.EntryPrice, exitPrice, closedQty)
	if err := m.store.Update(pos.Symbol, func(p *position.Position) {
		p.RealizedPnL += pnl
		p.Quantity = 0
		p.CloseReason = reason
	}); err != nil {
		m.logError(pos.Symbol, err)
	}
	if err := m.store.Transition(pos.Symbol, position.StateClosed); err != nil {
		m.logError(pos.Symbol, err)
	}
	m.guard.RecordClose(pos.Symbol, pos.Side)
	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: pos.Symbol, Side: string(pos.Side), Event: "SAFETY_CLOSE",
		Quantity: closedQty, Price: exitPrice, PnL: pnl, PositionID: pos.ID, Detail: reason,
	})
	m.alertWarning(ctx, "Safety close",
		fmt.Sprintf("%s %s unwound immediately after entry: %s", pos.Side, pos.Symbol, reason),
		map[string]any{"symbol": pos.Symbol, "pnl": pnl, "reason": reason})
	closed := m.store.Get(pos.Symbol)
	m.store.Forget(pos.Symbol)
	m.notifyClose(closed)
}

// exitPnL computes realized PnL for a fill against the entry.
func exitPnL(side exchange.Side, entry, exit, qty float64) float64 {
	diff := exit - entry
	if side == exchange.SideSell {
		diff = -diff
	}
	return diff * qty
}

// lastMark fetches the current mark price as the best exit price
// estimate when the venue does not report a fill price.
func (m *Manager) lastMark(ctx context.Context, symbol string) float64 {
	if premium, err := m.gw.PremiumIndex(ctx, symbol); err == nil {
		return premium.MarkPrice
	}
	if ticker, err := m.gw.Ticker(ctx, symbol); err == nil {
		return ticker.Mid()
	}
	return 0
}
