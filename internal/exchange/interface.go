package exchange

import (
	"context"
	"time"
)

// Gateway is the single venue access point for the engine.
// BinanceGateway (live) and MockGateway (tests, dry-run) implement it.
type Gateway interface {
	// Klines fetches the most recent candles for a symbol.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// Ticker fetches the top-of-book quote.
	Ticker(ctx context.Context, symbol string) (*Ticker, error)

	// PremiumIndex fetches mark price and current funding rate.
	PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error)

	// Balance fetches the futures account balance.
	Balance(ctx context.Context) (*AccountBalance, error)

	// Positions fetches all non-flat positions.
	Positions(ctx context.Context) ([]Position, error)

	// Position fetches the position for one symbol; nil when flat.
	Position(ctx context.Context, symbol string) (*Position, error)

	// OpenOrders lists open orders for a symbol.
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// PlaceOrder submits an order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder cancels one order by ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// SetLeverage sets the symbol leverage.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Filters returns the trading rules for a symbol.
	Filters(ctx context.Context, symbol string) (*SymbolFilters, error)

	// AvgLatency reports the rolling average venue call latency.
	AvgLatency() time.Duration

	// LatencySamples reports how many calls the latency window holds.
	// The latency kill-switch only fires on a full window.
	LatencySamples() int
}
