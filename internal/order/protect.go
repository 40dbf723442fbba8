package order

import (
	"context"
	"fmt"
	"time"

	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/position"
)

// computeTargets derives the protective bracket from the actual fill
// price and the regime's ATR multiples, rounds both triggers to the
// tick and pushes them clear of the current mark price.
func (m *Manager) computeTargets(ctx context.Context, pos *position.Position, atr, tpMultiple, slMultiple float64, filters *exchange.SymbolFilters) (tp, sl float64, err error) {
	if atr <= 0 {
		return 0, 0, fmt.Errorf("non-positive ATR %.8f for %s", atr, pos.Symbol)
	}

	entry := pos.EntryPrice
	if pos.Side == exchange.SideBuy {
		tp = entry + tpMultiple*atr
		sl = entry - slMultiple*atr
	} else {
		tp = entry - tpMultiple*atr
		sl = entry + slMultiple*atr
	}
	tp = exchange.RoundTick(tp, filters.TickSize)
	sl = exchange.RoundTick(sl, filters.TickSize)

	mark := entry
	if premium, perr := m.gw.PremiumIndex(ctx, pos.Symbol); perr == nil && premium.MarkPrice > 0 {
		mark = premium.MarkPrice
	}

	// Long: TP must stay above the mark, SL below. Short: mirrored.
	if pos.Side == exchange.SideBuy {
		tp = exchange.ApplySafetyOffset(tp, mark, filters.TickSize, m.cfg.SafetyOffsetTicks, true)
		sl = exchange.ApplySafetyOffset(sl, mark, filters.TickSize, m.cfg.SafetyOffsetTicks, false)
	} else {
		tp = exchange.ApplySafetyOffset(tp, mark, filters.TickSize, m.cfg.SafetyOffsetTicks, false)
		sl = exchange.ApplySafetyOffset(sl, mark, filters.TickSize, m.cfg.SafetyOffsetTicks, true)
	}

	if !position.ValidGeometry(pos.Side, entry, tp, sl) {
		return 0, 0, fmt.Errorf("invalid bracket for %s %s: entry=%.8f tp=%.8f sl=%.8f",
			pos.Symbol, pos.Side, entry, tp, sl)
	}
	return tp, sl, nil
}

// AttachProtection places the TP and SL legs, verifies both rest on
// the venue and records their IDs. The sentinel reuses it for repairs.
// Identical triggers already attached are detected by fingerprint and
// treated as success.
func (m *Manager) AttachProtection(ctx context.Context, pos *position.Position, tp, sl float64, filters *exchange.SymbolFilters) *Result {
	hash := position.TPSLHash(pos.Symbol, pos.Side, tp, sl, filters.TickSize)
	if pos.TPSLHash == hash && pos.TPOrderID != 0 && pos.SLOrderID != 0 {
		return skipped(ReasonTpslDuplicate)
	}

	exitSide := pos.Side.Opposite()
	tpOrder, tpErr := m.placeProtective(ctx, pos, exchange.OrderTypeTakeProfitMarket, exitSide, tp)
	slOrder, slErr := m.placeProtective(ctx, pos, exchange.OrderTypeStopMarket, exitSide, sl)

	if tpErr != nil {
		m.logError(pos.Symbol, tpErr)
	}
	if slErr != nil {
		m.logError(pos.Symbol, slErr)
	}

	var tpID, slID int64
	if tpOrder != nil {
		tpID = tpOrder.OrderID
	}
	if slOrder != nil {
		slID = slOrder.OrderID
	}

	// Verify both legs actually rest on the venue; re-place a missing
	// leg exactly once before giving up to the sentinel.
	tpID, slID = m.verifyProtection(ctx, pos, tp, sl, tpID, slID)

	if uerr := m.store.Update(pos.Symbol, func(p *position.Position) {
		p.TakeProfit = tp
		p.StopLoss = sl
		p.TPOrderID = tpID
		p.SLOrderID = slID
		p.TPSLHash = hash
	}); uerr != nil {
		m.logError(pos.Symbol, uerr)
	}
	pos.TakeProfit, pos.StopLoss = tp, sl
	pos.TPOrderID, pos.SLOrderID = tpID, slID
	pos.TPSLHash = hash

	if tpID == 0 || slID == 0 {
		m.logger.Error().
			Str("symbol", pos.Symbol).
			Bool("tp_attached", tpID != 0).
			Bool("sl_attached", slID != 0).
			Msg("Protective bracket incomplete")
		m.journal.LogTrade(journal.TradeRow{
			Time: m.now(), Symbol: pos.Symbol, Side: string(pos.Side), Event: "TPSL_INCOMPLETE",
			PositionID: pos.ID, Detail: fmt.Sprintf("tp=%d sl=%d", tpID, slID),
		})
		m.alertWarning(ctx, "Protective bracket incomplete",
			fmt.Sprintf("%s is missing a protective leg, sentinel will repair", pos.Symbol),
			map[string]any{"symbol": pos.Symbol, "tp_attached": tpID != 0, "sl_attached": slID != 0})
		return failed(ReasonTpslIncomplete)
	}

	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("take_profit", tp).
		Float64("stop_loss", sl).
		Msg("Protective bracket attached")
	return ok(pos)
}

// placeProtective submits one protective leg, applying the venue error
// policies: a trigger-would-fire race retries once after a short
// delay; a venue that refuses closePosition falls back to a
// reduce-only order with an explicit quantity.
func (m *Manager) placeProtective(ctx context.Context, pos *position.Position, typ exchange.OrderType, side exchange.Side, trigger float64) (*exchange.Order, error) {
	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          typ,
		StopPrice:     trigger,
		ClosePosition: true,
	}

	order, err := m.gw.PlaceOrder(ctx, req)
	if err == nil {
		return order, nil
	}

	apiErr, isAPI := exchange.AsAPIError(err)
	if !isAPI {
		return nil, err
	}

	switch exchange.PolicyFor(apiErr.Code) {
	case exchange.PolicyRetryOnceDelayed:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.tpslRetryDelay):
		}
		return m.gw.PlaceOrder(ctx, req)

	case exchange.PolicyFallbackReduceOnly:
		fallback := req
		fallback.ClosePosition = false
		fallback.ReduceOnly = true
		fallback.Quantity = pos.Quantity
		m.logger.Warn().
			Str("symbol", pos.Symbol).
			Str("type", string(typ)).
			Msg("closePosition unsupported, falling back to reduce-only")
		return m.gw.PlaceOrder(ctx, fallback)
	}
	return nil, err
}

// verifyProtection cross-checks the venue's open orders against the
// expected bracket and re-places a missing leg once.
func (m *Manager) verifyProtection(ctx context.Context, pos *position.Position, tp, sl float64, tpID, slID int64) (int64, int64) {
	open, err := m.gw.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logError(pos.Symbol, err)
		return tpID, slID
	}

	tpLive, slLive := protectiveLegs(open)
	exitSide := pos.Side.Opposite()

	if tpLive == 0 {
		if order, perr := m.placeProtective(ctx, pos, exchange.OrderTypeTakeProfitMarket, exitSide, tp); perr == nil {
			tpLive = order.OrderID
		} else {
			m.logError(pos.Symbol, perr)
		}
	}
	if slLive == 0 {
		if order, perr := m.placeProtective(ctx, pos, exchange.OrderTypeStopMarket, exitSide, sl); perr == nil {
			slLive = order.OrderID
		} else {
			m.logError(pos.Symbol, perr)
		}
	}

	if tpLive != 0 {
		tpID = tpLive
	}
	if slLive != 0 {
		slID = slLive
	}
	return tpID, slID
}

// Reattach restores a position's protective bracket after a leg went
// missing. It re-applies the position's original leverage, clears any
// surviving leg and places the bracket fresh. Insufficient margin is
// not an error here: the reattach is skipped and retried later.
func (m *Manager) Reattach(ctx context.Context, pos *position.Position, tp, sl float64) *Result {
	if !m.guard.TryLock(pos.Symbol) {
		return skipped(ReasonSymbolBusy)
	}
	defer m.guard.Unlock(pos.Symbol)

	filters, err := m.gw.Filters(ctx, pos.Symbol)
	if err != nil {
		m.logError(pos.Symbol, err)
		return failed(fmt.Sprintf("filters: %v", err))
	}

	open, err := m.gw.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logError(pos.Symbol, err)
		return failed(fmt.Sprintf("open orders: %v", err))
	}
	tpLive, slLive := protectiveLegs(open)
	if tpLive != 0 && slLive != 0 {
		if uerr := m.store.Update(pos.Symbol, func(p *position.Position) {
			p.TPOrderID = tpLive
			p.SLOrderID = slLive
		}); uerr != nil {
			m.logError(pos.Symbol, uerr)
		}
		return skipped(ReasonBracketIntact)
	}

	if err := m.gw.SetLeverage(ctx, pos.Symbol, pos.Leverage); err != nil {
		m.logError(pos.Symbol, err)
	}

	// Clear the surviving leg so the fresh bracket is the only one.
	for _, id := range []int64{tpLive, slLive} {
		if id == 0 {
			continue
		}
		if cerr := m.gw.CancelOrder(ctx, pos.Symbol, id); cerr != nil && !exchange.IsCode(cerr, exchange.CodeUnknownOrder) {
			m.logError(pos.Symbol, cerr)
		}
	}

	exitSide := pos.Side.Opposite()
	tpOrder, tpErr := m.placeProtective(ctx, pos, exchange.OrderTypeTakeProfitMarket, exitSide, tp)
	slOrder, slErr := m.placeProtective(ctx, pos, exchange.OrderTypeStopMarket, exitSide, sl)

	for _, perr := range []error{tpErr, slErr} {
		if perr == nil {
			continue
		}
		if apiErr, isAPI := exchange.AsAPIError(perr); isAPI {
			switch exchange.PolicyFor(apiErr.Code) {
			case exchange.PolicySkip:
				m.logger.Warn().
					Str("symbol", pos.Symbol).
					Int64("code", apiErr.Code).
					Msg("Reattach skipped, margin insufficient")
				m.journal.LogTrade(journal.TradeRow{
					Time: m.now(), Symbol: pos.Symbol, Side: string(pos.Side),
					Event: "REATTACH_SKIPPED", PositionID: pos.ID, Detail: apiErr.Message,
				})
				return skipped(ReasonReattachSkipped)
			case exchange.PolicyTreatSuccess:
				continue
			}
		}
		m.logError(pos.Symbol, perr)
	}

	var tpID, slID int64
	if tpOrder != nil {
		tpID = tpOrder.OrderID
	}
	if slOrder != nil {
		slID = slOrder.OrderID
	}
	hash := position.TPSLHash(pos.Symbol, pos.Side, tp, sl, filters.TickSize)
	if uerr := m.store.Update(pos.Symbol, func(p *position.Position) {
		p.TakeProfit = tp
		p.StopLoss = sl
		p.TPOrderID = tpID
		p.SLOrderID = slID
		p.TPSLHash = hash
	}); uerr != nil {
		m.logError(pos.Symbol, uerr)
	}

	if tpID == 0 || slID == 0 {
		m.alertWarning(ctx, "Bracket reattach failed",
			fmt.Sprintf("%s bracket could not be restored, retrying next sweep", pos.Symbol),
			map[string]any{"symbol": pos.Symbol, "tp_attached": tpID != 0, "sl_attached": slID != 0})
		return failed(ReasonTpslIncomplete)
	}

	m.journal.LogTrade(journal.TradeRow{
		Time: m.now(), Symbol: pos.Symbol, Side: string(pos.Side), Event: "REATTACH",
		Price: tp, PositionID: pos.ID, Detail: fmt.Sprintf("tp=%.8f sl=%.8f", tp, sl),
	})
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("take_profit", tp).
		Float64("stop_loss", sl).
		Msg("Protective bracket reattached")
	return ok(m.store.Get(pos.Symbol))
}

// protectiveLegs picks the resting TP and SL order IDs out of a
// symbol's open orders.
func protectiveLegs(orders []exchange.Order) (tpID, slID int64) {
	for _, o := range orders {
		if o.Status != exchange.OrderStatusNew && o.Status != exchange.OrderStatusPartiallyFilled {
			continue
		}
		switch o.Type {
		case exchange.OrderTypeTakeProfitMarket:
			tpID = o.OrderID
		case exchange.OrderTypeStopMarket:
			slID = o.OrderID
		}
	}
	return tpID, slID
}
