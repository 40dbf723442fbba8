package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alphaarena/engine/internal/config"
)

// BinanceGateway implements Gateway against Binance USDT-M futures.
//
// Market-data reads go through a circuit breaker so a flapping venue
// does not stall the cycle. Order writes bypass the breaker: exits must
// always reach the venue, and the retry policy already bounds writes.
type BinanceGateway struct {
	client  *futures.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	latency *LatencyTracker
	retry   RetryConfig
	logger  zerolog.Logger

	mu      sync.RWMutex
	filters map[string]*SymbolFilters
}

// NewBinanceGateway creates a gateway from exchange configuration.
func NewBinanceGateway(cfg config.ExchangeConfig, latencyWindow int) *BinanceGateway {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 16
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-reads",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &BinanceGateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		latency: NewLatencyTracker(latencyWindow),
		retry:   DefaultRetryConfig(),
		logger:  config.NewLogger("exchange"),
		filters: make(map[string]*SymbolFilters),
	}
}

// SyncTime aligns the client clock with the venue.
func (g *BinanceGateway) SyncTime(ctx context.Context) error {
	if _, err := g.client.NewSetServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("failed to sync server time: %w", err)
	}
	return nil
}

// read runs a market-data call through the limiter and breaker while
// recording latency. Transient failures retry with exponential
// backoff; mapped venue errors surface immediately, and an open
// breaker stops the retry loop.
func (g *BinanceGateway) read(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	var out interface{}
	err := WithRetry(ctx, g.retry, func() error {
		if werr := g.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("rate limiter: %w", werr)
		}
		start := time.Now()
		res, cerr := g.breaker.Execute(fn)
		g.latency.Record(time.Since(start))
		if cerr != nil {
			return wrapVenueError(cerr)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// write runs an order call through the limiter only, with the same
// retry policy as reads. The per-code error policies downstream still
// decide what a mapped rejection means.
func (g *BinanceGateway) write(ctx context.Context, op string, fn func() error) error {
	err := WithRetry(ctx, g.retry, func() error {
		if werr := g.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("rate limiter: %w", werr)
		}
		start := time.Now()
		cerr := fn()
		g.latency.Record(time.Since(start))
		return wrapVenueError(cerr)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Klines fetches recent candles.
func (g *BinanceGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	out, err := g.read(ctx, "klines", func() (interface{}, error) {
		return g.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	raw := out.([]*futures.Kline)
	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFilterFloat(k.Open),
			High:     parseFilterFloat(k.High),
			Low:      parseFilterFloat(k.Low),
			Close:    parseFilterFloat(k.Close),
			Volume:   parseFilterFloat(k.Volume),
		})
	}
	return klines, nil
}

// Ticker fetches the top-of-book quote.
func (g *BinanceGateway) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	out, err := g.read(ctx, "ticker", func() (interface{}, error) {
		return g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	books := out.([]*futures.BookTicker)
	if len(books) == 0 {
		return nil, fmt.Errorf("ticker: no quote for %s", symbol)
	}
	b := books[0]
	return &Ticker{
		Symbol: b.Symbol,
		Bid:    parseFilterFloat(b.BidPrice),
		Ask:    parseFilterFloat(b.AskPrice),
		Time:   time.Now(),
	}, nil
}

// PremiumIndex fetches mark price and funding rate.
func (g *BinanceGateway) PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	out, err := g.read(ctx, "premium_index", func() (interface{}, error) {
		return g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	indexes := out.([]*futures.PremiumIndex)
	if len(indexes) == 0 {
		return nil, fmt.Errorf("premium_index: no data for %s", symbol)
	}
	p := indexes[0]
	return &PremiumIndex{
		Symbol:          p.Symbol,
		MarkPrice:       parseFilterFloat(p.MarkPrice),
		FundingRate:     parseFilterFloat(p.LastFundingRate),
		NextFundingTime: time.UnixMilli(p.NextFundingTime),
	}, nil
}

// Balance fetches the futures account balance.
func (g *BinanceGateway) Balance(ctx context.Context) (*AccountBalance, error) {
	out, err := g.read(ctx, "balance", func() (interface{}, error) {
		return g.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	acct := out.(*futures.Account)
	return &AccountBalance{
		WalletBalance:   parseFilterFloat(acct.TotalWalletBalance),
		UnrealizedPnL:   parseFilterFloat(acct.TotalUnrealizedProfit),
		AvailableMargin: parseFilterFloat(acct.AvailableBalance),
	}, nil
}

// Positions fetches all non-flat positions.
func (g *BinanceGateway) Positions(ctx context.Context) ([]Position, error) {
	out, err := g.read(ctx, "positions", func() (interface{}, error) {
		return g.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	risks := out.([]*futures.PositionRisk)
	positions := make([]Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFilterFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		positions = append(positions, positionFromRisk(r, amt))
	}
	return positions, nil
}

// Position fetches the position for one symbol; nil when flat.
func (g *BinanceGateway) Position(ctx context.Context, symbol string) (*Position, error) {
	out, err := g.read(ctx, "position", func() (interface{}, error) {
		return g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	risks := out.([]*futures.PositionRisk)
	for _, r := range risks {
		amt := parseFilterFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		p := positionFromRisk(r, amt)
		return &p, nil
	}
	return nil, nil
}

func positionFromRisk(r *futures.PositionRisk, amt float64) Position {
	side := SideBuy
	qty := amt
	if amt < 0 {
		side = SideSell
		qty = -amt
	}
	leverage, _ := strconv.Atoi(r.Leverage)
	return Position{
		Symbol:        r.Symbol,
		Side:          side,
		Quantity:      qty,
		EntryPrice:    parseFilterFloat(r.EntryPrice),
		MarkPrice:     parseFilterFloat(r.MarkPrice),
		Leverage:      leverage,
		UnrealizedPnL: parseFilterFloat(r.UnRealizedProfit),
		UpdateTime:    time.Now(),
	}
}

// OpenOrders lists open orders for a symbol.
func (g *BinanceGateway) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	out, err := g.read(ctx, "open_orders", func() (interface{}, error) {
		return g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	raw := out.([]*futures.Order)
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          Side(o.Side),
			Type:          OrderType(o.Type),
			Status:        OrderStatus(o.Status),
			Price:         parseFilterFloat(o.Price),
			StopPrice:     parseFilterFloat(o.StopPrice),
			Quantity:      parseFilterFloat(o.OrigQuantity),
			ExecutedQty:   parseFilterFloat(o.ExecutedQuantity),
			AvgPrice:      parseFilterFloat(o.AvgPrice),
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
			Time:          time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

// PlaceOrder submits an order.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	filters, err := g.Filters(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(FormatQty(req.Quantity, filters.StepSize))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}
	if req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeProfitMarket {
		svc = svc.
			StopPrice(FormatPrice(req.StopPrice, filters.TickSize)).
			WorkingType(futures.WorkingTypeMarkPrice)
	}

	var resp *futures.CreateOrderResponse
	err = g.write(ctx, "place_order", func() error {
		var doErr error
		resp, doErr = svc.Do(ctx)
		return doErr
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Int64("order_id", resp.OrderID).
		Str("status", string(resp.Status)).
		Msg("Order placed")

	return &Order{
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Side:          Side(resp.Side),
		Type:          OrderType(resp.Type),
		Status:        OrderStatus(resp.Status),
		Price:         parseFilterFloat(resp.Price),
		StopPrice:     parseFilterFloat(resp.StopPrice),
		Quantity:      parseFilterFloat(resp.OrigQuantity),
		ExecutedQty:   parseFilterFloat(resp.ExecutedQuantity),
		AvgPrice:      parseFilterFloat(resp.AvgPrice),
		ReduceOnly:    resp.ReduceOnly,
		ClosePosition: resp.ClosePosition,
		Time:          time.UnixMilli(resp.UpdateTime),
	}, nil
}

// CancelOrder cancels one order by ID.
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return g.write(ctx, "cancel_order", func() error {
		_, err := g.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(orderID).
			Do(ctx)
		return err
	})
}

// SetLeverage sets the symbol leverage.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.write(ctx, "set_leverage", func() error {
		_, err := g.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return err
	})
}

// Filters returns the trading rules for a symbol, cached after the
// first fetch.
func (g *BinanceGateway) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	g.mu.RLock()
	if f, ok := g.filters[symbol]; ok {
		g.mu.RUnlock()
		return f, nil
	}
	g.mu.RUnlock()

	out, err := g.read(ctx, "exchange_info", func() (interface{}, error) {
		return g.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	info := out.(*futures.ExchangeInfo)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		f := &SymbolFilters{Symbol: s.Symbol}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize = parseFilterFloat(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.StepSize = parseFilterFloat(lf.StepSize)
			f.MinQty = parseFilterFloat(lf.MinQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			f.MinNotional = parseFilterFloat(nf.Notional)
		}
		g.filters[s.Symbol] = f
	}

	f, ok := g.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("exchange_info: unknown symbol %s", symbol)
	}
	return f, nil
}

// AvgLatency reports the rolling average venue call latency.
func (g *BinanceGateway) AvgLatency() time.Duration {
	return g.latency.Average()
}

// LatencySamples reports the current latency window fill.
func (g *BinanceGateway) LatencySamples() int {
	return g.latency.Count()
}
