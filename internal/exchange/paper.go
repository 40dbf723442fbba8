package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// PaperGateway serves market data from a real gateway while simulating
// the account side locally. Dry-run mode trades against it: entries
// fill at the live quote midpoint, protective legs rest in memory and
// trigger against the mark price, and no order ever reaches the venue.
type PaperGateway struct {
	market Gateway // delegate for market-data reads
	logger zerolog.Logger

	mu          sync.Mutex
	wallet      float64
	positions   map[string]*Position
	orders      map[string][]Order
	leverage    map[string]int
	nextOrderID int64
}

// NewPaperGateway wraps a market-data source with a simulated account
// funded at startingBalance.
func NewPaperGateway(market Gateway, startingBalance float64) *PaperGateway {
	return &PaperGateway{
		market:      market,
		logger:      config.NewLogger("paper"),
		wallet:      startingBalance,
		positions:   make(map[string]*Position),
		orders:      make(map[string][]Order),
		leverage:    make(map[string]int),
		nextOrderID: 1,
	}
}

func (g *PaperGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return g.market.Klines(ctx, symbol, interval, limit)
}

func (g *PaperGateway) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	return g.market.Ticker(ctx, symbol)
}

func (g *PaperGateway) PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	return g.market.PremiumIndex(ctx, symbol)
}

func (g *PaperGateway) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	return g.market.Filters(ctx, symbol)
}

func (g *PaperGateway) AvgLatency() time.Duration { return g.market.AvgLatency() }

func (g *PaperGateway) LatencySamples() int { return g.market.LatencySamples() }

// Balance reports the simulated wallet plus unrealized PnL at the last
// known mark prices.
func (g *PaperGateway) Balance(_ context.Context) (*AccountBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var unrealized float64
	for _, p := range g.positions {
		unrealized += p.UnrealizedPnL
	}
	return &AccountBalance{
		WalletBalance:   g.wallet,
		UnrealizedPnL:   unrealized,
		AvailableMargin: g.wallet,
	}, nil
}

// Positions refreshes each simulated position against the live mark
// price, fills any triggered protective leg, then reports what is left.
func (g *PaperGateway) Positions(ctx context.Context) ([]Position, error) {
	g.refresh(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (g *PaperGateway) Position(ctx context.Context, symbol string) (*Position, error) {
	g.refresh(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (g *PaperGateway) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	orders := g.orders[symbol]
	out := make([]Order, len(orders))
	copy(out, orders)
	return out, nil
}

// PlaceOrder fills market orders at the live midpoint and rests
// trigger orders in memory.
func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	price, err := g.midPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextOrderID++

	order := &Order{
		Symbol:        req.Symbol,
		OrderID:       g.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		Time:          time.Now(),
	}

	if req.Type != OrderTypeMarket {
		order.Status = OrderStatusNew
		g.orders[req.Symbol] = append(g.orders[req.Symbol], *order)
		return order, nil
	}

	order.Status = OrderStatusFilled
	order.ExecutedQty = req.Quantity
	order.AvgPrice = price
	g.fill(req, price)

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Float64("price", price).
		Msg("Paper fill")
	return order, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	orders := g.orders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			g.orders[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return &APIError{Code: CodeUnknownOrder, Message: "Unknown order sent."}
}

func (g *PaperGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[symbol] = leverage
	return nil
}

func (g *PaperGateway) midPrice(ctx context.Context, symbol string) (float64, error) {
	ticker, err := g.market.Ticker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("paper fill needs a quote for %s: %w", symbol, err)
	}
	mid := ticker.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("paper fill got non-positive mid for %s", symbol)
	}
	return mid, nil
}

// fill mutates the simulated position for a market execution. Realized
// PnL from reductions lands in the wallet.
func (g *PaperGateway) fill(req OrderRequest, price float64) {
	pos := g.positions[req.Symbol]

	if req.ClosePosition {
		if pos != nil {
			g.settle(pos, pos.Quantity, price)
			delete(g.positions, req.Symbol)
		}
		return
	}

	if pos == nil || pos.Quantity == 0 {
		if req.ReduceOnly {
			return
		}
		g.positions[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   g.leverage[req.Symbol],
			UpdateTime: time.Now(),
		}
		return
	}

	if req.Side == pos.Side {
		total := pos.Quantity + req.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*req.Quantity) / total
		pos.Quantity = total
		return
	}

	qty := req.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	g.settle(pos, qty, price)
	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		delete(g.positions, req.Symbol)
	}
}

// settle books realized PnL for a quantity leaving the position.
func (g *PaperGateway) settle(pos *Position, qty, price float64) {
	diff := price - pos.EntryPrice
	if pos.Side == SideSell {
		diff = -diff
	}
	g.wallet += diff * qty
}

// refresh re-marks every position and fires protective legs whose
// trigger the mark price has crossed.
func (g *PaperGateway) refresh(ctx context.Context) {
	g.mu.Lock()
	symbols := make([]string, 0, len(g.positions))
	for s := range g.positions {
		symbols = append(symbols, s)
	}
	g.mu.Unlock()

	for _, symbol := range symbols {
		premium, err := g.market.PremiumIndex(ctx, symbol)
		if err != nil {
			continue
		}
		g.mark(symbol, premium.MarkPrice)
	}
}

func (g *PaperGateway) mark(symbol string, markPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.positions[symbol]
	if !ok || markPrice <= 0 {
		return
	}
	pos.MarkPrice = markPrice
	diff := markPrice - pos.EntryPrice
	if pos.Side == SideSell {
		diff = -diff
	}
	pos.UnrealizedPnL = diff * pos.Quantity
	pos.UpdateTime = time.Now()

	for _, o := range g.orders[symbol] {
		if !triggered(&o, pos.Side, markPrice) {
			continue
		}
		g.settle(pos, pos.Quantity, o.StopPrice)
		delete(g.positions, symbol)
		delete(g.orders, symbol)
		g.logger.Info().
			Str("symbol", symbol).
			Str("type", string(o.Type)).
			Float64("trigger", o.StopPrice).
			Float64("mark", markPrice).
			Msg("Paper protective leg filled")
		return
	}
}

// triggered reports whether a resting protective order fires at the
// mark price, given the direction of the position it protects.
func triggered(o *Order, posSide Side, markPrice float64) bool {
	long := posSide == SideBuy
	switch o.Type {
	case OrderTypeTakeProfitMarket:
		if long {
			return markPrice >= o.StopPrice
		}
		return markPrice <= o.StopPrice
	case OrderTypeStopMarket:
		if long {
			return markPrice <= o.StopPrice
		}
		return markPrice >= o.StopPrice
	}
	return false
}

var _ Gateway = (*PaperGateway)(nil)
