package exchange

import "time"

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType mirrors the venue order types used by the engine.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus mirrors the venue order statuses.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Kline is a single OHLCV candle.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ticker is a top-of-book quote.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the quote midpoint.
func (t *Ticker) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// PremiumIndex carries mark price and funding data.
type PremiumIndex struct {
	Symbol          string    `json:"symbol"`
	MarkPrice       float64   `json:"mark_price"`
	FundingRate     float64   `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
}

// AccountBalance is the futures account snapshot used for equity.
type AccountBalance struct {
	WalletBalance   float64 `json:"wallet_balance"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	AvailableMargin float64 `json:"available_margin"`
}

// Equity returns wallet balance plus unrealized PnL.
func (b *AccountBalance) Equity() float64 {
	return b.WalletBalance + b.UnrealizedPnL
}

// Position is a venue position in one-way mode. Quantity is always
// positive; Side carries the direction.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdateTime    time.Time `json:"update_time"`
}

// Order is a venue order as reported back by the exchange.
type Order struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price"`
	Quantity      float64     `json:"quantity"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	ReduceOnly    bool        `json:"reduce_only"`
	ClosePosition bool        `json:"close_position"`
	Time          time.Time   `json:"time"`
}

// OrderRequest describes an order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64 // ignored when ClosePosition is set
	StopPrice     float64 // trigger for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// SymbolFilters are the venue trading rules for one symbol.
type SymbolFilters struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}
