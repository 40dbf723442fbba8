package position

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/alphaarena/engine/internal/exchange"
)

// State is the lifecycle state of a tracked position.
type State string

const (
	// StateOpen: entry filled, TP/SL attachment in progress.
	StateOpen State = "OPEN"
	// StateMonitoring: both protective legs verified on the venue, or
	// attachment gave up and the sentinel owns repair.
	StateMonitoring State = "MONITORING"
	// StateClosing: an exit has been submitted.
	StateClosing State = "CLOSING"
	// StateClosed: flat on the venue; terminal.
	StateClosed State = "CLOSED"
)

// validTransitions encodes the one-way lifecycle. A safety close may
// jump straight from OPEN to CLOSING.
var validTransitions = map[State][]State{
	StateOpen:       {StateMonitoring, StateClosing},
	StateMonitoring: {StateClosing},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is the engine's record of one venue position.
type Position struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Side            exchange.Side   `json:"side"`
	State           State           `json:"state"`
	Quantity        float64         `json:"quantity"`
	InitialQuantity float64         `json:"initial_quantity"`
	EntryPrice      float64         `json:"entry_price"`
	Leverage        int             `json:"leverage"`
	Margin          float64         `json:"margin"`
	TakeProfit      float64         `json:"take_profit"`
	StopLoss        float64         `json:"stop_loss"`
	TPOrderID       int64           `json:"tp_order_id"`
	SLOrderID       int64           `json:"sl_order_id"`
	TPSLHash        string          `json:"tpsl_hash"`
	PartialDone     bool            `json:"partial_done"`
	Adopted         bool            `json:"adopted"` // found on venue without a local record
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at"`
	RealizedPnL     float64         `json:"realized_pnl"`
	DecisionRefs    []string        `json:"decision_refs"`
	AgentIDs        []string        `json:"agent_ids"`
	CloseReason     string          `json:"close_reason"`
}

// ROI is the return on margin at the given mark price.
func (p *Position) ROI(markPrice float64) float64 {
	if p.Margin <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	pnl := p.UnrealizedPnL(markPrice)
	return pnl / p.Margin
}

// PriceROI is the raw price move from entry as a fraction, signed for
// the position's direction. Unlike ROI it ignores leverage, so it is
// the right scale for price-distance triggers.
func (p *Position) PriceROI(markPrice float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	roi := (markPrice - p.EntryPrice) / p.EntryPrice
	if p.Side == exchange.SideSell {
		roi = -roi
	}
	return roi
}

// UnrealizedPnL at the given mark price for the remaining quantity.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	diff := markPrice - p.EntryPrice
	if p.Side == exchange.SideSell {
		diff = -diff
	}
	return diff * p.Quantity
}

// HoldDuration is how long the position has been open.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// ValidGeometry checks the direction rule: a long must have
// tp > entry > sl, a short tp < entry < sl.
func ValidGeometry(side exchange.Side, entry, tp, sl float64) bool {
	if side == exchange.SideBuy {
		return tp > entry && entry > sl && sl > 0
	}
	return tp < entry && entry < sl && tp > 0
}

// TPSLHash fingerprints a protective pair so a retry never attaches
// duplicates. Prices are rounded to the tick before hashing.
func TPSLHash(symbol string, side exchange.Side, tp, sl, tickSize float64) string {
	tp = exchange.RoundTick(tp, tickSize)
	sl = exchange.RoundTick(sl, tickSize)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.10f|%.10f", symbol, side, tp, sl)))
	return hex.EncodeToString(sum[:8])
}
