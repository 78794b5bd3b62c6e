package models

import "time"

// Ticker is a price snapshot for a symbol.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// OrderAck is the exchange's answer to a successful order submission.
type OrderAck struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	ClientOrderID   string `json:"client_order_id"`
	Status          string `json:"status"`
}

// OpenOrder is one entry of the exchange's open-order list.
type OpenOrder struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	ClientOrderID   string  `json:"client_order_id"`
	Side            Side    `json:"side"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Status          string  `json:"status"`
}

// Exchange-reported order states, Binance naming.
const (
	ExchangeStatusNew             = "NEW"
	ExchangeStatusPartiallyFilled = "PARTIALLY_FILLED"
	ExchangeStatusFilled          = "FILLED"
	ExchangeStatusCanceled        = "CANCELED"
	ExchangeStatusExpired         = "EXPIRED"
	ExchangeStatusRejected        = "REJECTED"
)

// OrderReport is the result of a per-order status lookup.
type OrderReport struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	AvgPrice        float64 `json:"avg_price"`
	ExecutedQty     float64 `json:"executed_qty"`
}

// Position is an open derivatives position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// SymbolInfo holds trading rules for a single symbol
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Filters []Filter `json:"filters"`
}

// Filter holds filter data, we are interested in PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL
type Filter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`    // For PRICE_FILTER
	MinPrice    string `json:"minPrice,omitempty"`    // For PRICE_FILTER
	StepSize    string `json:"stepSize,omitempty"`    // For LOT_SIZE
	MinQty      string `json:"minQty,omitempty"`      // For LOT_SIZE
	MaxQty      string `json:"maxQty,omitempty"`      // For LOT_SIZE
	MinNotional string `json:"minNotional,omitempty"` // For MIN_NOTIONAL
}

// Kline is one OHLC bar used by backtests.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}
