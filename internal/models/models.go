package models

import (
	"fmt"
	"strings"
	"time"
)

// Side is the trading direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// Direction is the bias of a grid.
type Direction string

const (
	Neutral Direction = ""
	Long    Direction = "long"
	Short   Direction = "short"
)

// GridSpec is the immutable plan a bot runs with.
// When LowerPrice and UpperPrice are both zero the range is derived from the
// current price and RangePct.
type GridSpec struct {
	Symbol       string    `json:"symbol"`
	LowerPrice   float64   `json:"lower_price"`
	UpperPrice   float64   `json:"upper_price"`
	RangePct     float64   `json:"range_pct"` // full width of a derived range, 0.02 = 2%
	LevelCount   int       `json:"level_count"`
	TotalCapital float64   `json:"total_capital"` // quote currency
	Leverage     int       `json:"leverage"`
	Direction    Direction `json:"direction,omitempty"`
}

// HasExplicitRange reports whether the spec pins its own bounds.
func (s GridSpec) HasExplicitRange() bool {
	return s.LowerPrice > 0 || s.UpperPrice > 0
}

// Validate checks the invariants of a spec.
func (s GridSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.LevelCount < 2 {
		return fmt.Errorf("level count must be at least 2, got %d", s.LevelCount)
	}
	if s.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", s.Leverage)
	}
	if s.TotalCapital <= 0 {
		return fmt.Errorf("total capital must be positive, got %v", s.TotalCapital)
	}
	if s.HasExplicitRange() {
		if s.LowerPrice <= 0 || s.LowerPrice >= s.UpperPrice {
			return fmt.Errorf("lower price %v must be positive and below upper price %v", s.LowerPrice, s.UpperPrice)
		}
	} else if s.RangePct <= 0 || s.RangePct >= 2 {
		return fmt.Errorf("range pct must be in (0, 2) when no explicit bounds are given, got %v", s.RangePct)
	}
	switch s.Direction {
	case Neutral, Long, Short:
	default:
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	return nil
}

// PriceLevel is one rung of the grid.
type PriceLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
}

// OrderIntent is a planned order that has not been submitted yet.
type OrderIntent struct {
	Slot     int     `json:"slot"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Notional returns price × quantity.
func (i OrderIntent) Notional() float64 {
	return i.Price * i.Quantity
}

// PrecisionRules are the rounding rules of a trading pair.
type PrecisionRules struct {
	Symbol      string   `json:"symbol"`
	MinQty      float64  `json:"min_qty"`
	QtyStep     float64  `json:"qty_step"`
	MinPrice    float64  `json:"min_price"`
	PriceStep   float64  `json:"price_step"`
	MinNotional float64  `json:"min_notional"`
	Defaulted   []string `json:"defaulted,omitempty"` // fields that fell back to defaults
}

// FillRecord is an immutable entry of a bot's fill history.
type FillRecord struct {
	LocalID         string    `json:"local_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Slot            int       `json:"slot"`
	Side            Side      `json:"side"`
	RequestedPrice  float64   `json:"requested_price"`
	FillPrice       float64   `json:"fill_price"`
	FillQuantity    float64   `json:"fill_quantity"`
	FillTimestamp   time.Time `json:"fill_timestamp"`
}

// Notional returns fill price × fill quantity.
func (f FillRecord) Notional() float64 {
	return f.FillPrice * f.FillQuantity
}
