package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGateway is an in-memory Gateway for tests and dry-run mode.
// Canned data is set directly on the exported fields; hooks override
// individual operations when a test needs error injection.
type MockGateway struct {
	mu sync.Mutex

	KlinesData     map[string][]Kline
	TickerData     map[string]*Ticker
	PremiumData    map[string]*PremiumIndex
	Account        *AccountBalance
	PositionData   map[string]*Position
	OpenOrdersData map[string][]Order
	FiltersData    map[string]*SymbolFilters
	Leverage       map[string]int
	Latency        time.Duration
	LatencyCount   int

	// Recorded calls.
	Placed   []OrderRequest
	Canceled []int64

	// Hooks. When non-nil they replace the default behavior.
	PlaceFn    func(req OrderRequest) (*Order, error)
	CancelFn   func(symbol string, orderID int64) error
	PositionFn func(symbol string) (*Position, error)
	LeverageFn func(symbol string, leverage int) error

	nextOrderID int64
}

// NewMockGateway creates an empty mock with sane default filters.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		KlinesData:     make(map[string][]Kline),
		TickerData:     make(map[string]*Ticker),
		PremiumData:    make(map[string]*PremiumIndex),
		Account:        &AccountBalance{WalletBalance: 10000, AvailableMargin: 10000},
		PositionData:   make(map[string]*Position),
		OpenOrdersData: make(map[string][]Order),
		FiltersData:    make(map[string]*SymbolFilters),
		Leverage:       make(map[string]int),
		nextOrderID:    1000,
	}
}

func (m *MockGateway) filtersFor(symbol string) *SymbolFilters {
	if f, ok := m.FiltersData[symbol]; ok {
		return f
	}
	return &SymbolFilters{
		Symbol:      symbol,
		TickSize:    0.1,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 10,
	}
}

func (m *MockGateway) Klines(_ context.Context, symbol, _ string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines, ok := m.KlinesData[symbol]
	if !ok {
		return nil, fmt.Errorf("no klines for %s", symbol)
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *MockGateway) Ticker(_ context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.TickerData[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	cp := *t
	return &cp, nil
}

func (m *MockGateway) PremiumIndex(_ context.Context, symbol string) (*PremiumIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.PremiumData[symbol]
	if !ok {
		return nil, fmt.Errorf("no premium index for %s", symbol)
	}
	cp := *p
	return &cp, nil
}

func (m *MockGateway) Balance(_ context.Context) (*AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.Account
	return &cp, nil
}

func (m *MockGateway) Positions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.PositionData))
	for _, p := range m.PositionData {
		if p != nil && p.Quantity > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MockGateway) Position(_ context.Context, symbol string) (*Position, error) {
	if m.PositionFn != nil {
		return m.PositionFn(symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.PositionData[symbol]
	if !ok || p == nil || p.Quantity == 0 {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MockGateway) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := m.OpenOrdersData[symbol]
	out := make([]Order, len(orders))
	copy(out, orders)
	return out, nil
}

// PlaceOrder records the request. Market orders fill immediately and
// update the tracked position; trigger orders rest in OpenOrdersData.
func (m *MockGateway) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if m.PlaceFn != nil {
		m.mu.Lock()
		m.Placed = append(m.Placed, req)
		m.mu.Unlock()
		return m.PlaceFn(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Placed = append(m.Placed, req)
	m.nextOrderID++

	order := &Order{
		Symbol:        req.Symbol,
		OrderID:       m.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		Time:          time.Now(),
	}

	if req.Type == OrderTypeMarket {
		order.Status = OrderStatusFilled
		order.ExecutedQty = req.Quantity
		m.applyMarketFill(req)
	} else {
		order.Status = OrderStatusNew
		m.OpenOrdersData[req.Symbol] = append(m.OpenOrdersData[req.Symbol], *order)
	}
	return order, nil
}

// applyMarketFill adjusts the tracked position the way the venue would.
func (m *MockGateway) applyMarketFill(req OrderRequest) {
	pos := m.PositionData[req.Symbol]
	price := 0.0
	if t, ok := m.TickerData[req.Symbol]; ok {
		price = t.Mid()
	}

	if req.ClosePosition {
		delete(m.PositionData, req.Symbol)
		return
	}

	if pos == nil || pos.Quantity == 0 {
		if req.ReduceOnly {
			return
		}
		m.PositionData[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   m.Leverage[req.Symbol],
			UpdateTime: time.Now(),
		}
		return
	}

	if req.Side == pos.Side {
		pos.Quantity += req.Quantity
		return
	}
	pos.Quantity -= req.Quantity
	if pos.Quantity <= 0 {
		delete(m.PositionData, req.Symbol)
	}
}

func (m *MockGateway) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	if m.CancelFn != nil {
		return m.CancelFn(symbol, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, orderID)
	orders := m.OpenOrdersData[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			m.OpenOrdersData[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return &APIError{Code: CodeUnknownOrder, Message: "Unknown order sent."}
}

func (m *MockGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if m.LeverageFn != nil {
		return m.LeverageFn(symbol, leverage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[symbol] = leverage
	return nil
}

func (m *MockGateway) Filters(_ context.Context, symbol string) (*SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filtersFor(symbol), nil
}

func (m *MockGateway) AvgLatency() time.Duration {
	return m.Latency
}

func (m *MockGateway) LatencySamples() int {
	return m.LatencyCount
}

// SetPosition replaces the tracked position for a symbol.
func (m *MockGateway) SetPosition(p *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return
	}
	m.PositionData[p.Symbol] = p
}

// ClearPosition removes the tracked position for a symbol.
func (m *MockGateway) ClearPosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.PositionData, symbol)
}

var _ Gateway = (*MockGateway)(nil)
