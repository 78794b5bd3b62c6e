// Package precision resolves exchange trading rules into rounding rules and
// applies them to prices and quantities.
package precision

import (
	"gridbot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Conservative fallbacks used when the exchange does not describe a symbol.
const (
	DefaultMinQty      = 0.001
	DefaultQtyStep     = 0.001
	DefaultMinPrice    = 0.5
	DefaultPriceStep   = 0.5
	DefaultMinNotional = 0.0
)

// Resolver turns raw symbol metadata into PrecisionRules. It never fails:
// missing fields degrade to the defaults above and are logged.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver that reports degraded metadata on logger.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// DefaultRules returns the fallback rules for a symbol.
func DefaultRules(symbol string) models.PrecisionRules {
	return models.PrecisionRules{
		Symbol:      symbol,
		MinQty:      DefaultMinQty,
		QtyStep:     DefaultQtyStep,
		MinPrice:    DefaultMinPrice,
		PriceStep:   DefaultPriceStep,
		MinNotional: DefaultMinNotional,
		Defaulted:   []string{"min_qty", "qty_step", "min_price", "price_step", "min_notional"},
	}
}

// Resolve extracts PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL rules from info.
// info may be nil.
func (r *Resolver) Resolve(symbol string, info *models.SymbolInfo) models.PrecisionRules {
	if info == nil {
		rules := DefaultRules(symbol)
		r.logger.Warn("no symbol metadata, using default precision rules",
			zap.String("symbol", symbol), zap.Any("rules", rules))
		return rules
	}

	var tick, minPrice, step, minQty, minNotional string
	for _, f := range info.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			tick, minPrice = f.TickSize, f.MinPrice
		case "LOT_SIZE":
			step, minQty = f.StepSize, f.MinQty
		case "MIN_NOTIONAL", "NOTIONAL":
			minNotional = f.MinNotional
		}
	}

	rules := models.PrecisionRules{Symbol: symbol}
	rules.PriceStep = positiveOr(tick, DefaultPriceStep, "price_step", &rules.Defaulted)
	rules.MinPrice = positiveOr(minPrice, DefaultMinPrice, "min_price", &rules.Defaulted)
	rules.QtyStep = positiveOr(step, DefaultQtyStep, "qty_step", &rules.Defaulted)
	rules.MinQty = positiveOr(minQty, DefaultMinQty, "min_qty", &rules.Defaulted)
	if v, err := decimal.NewFromString(minNotional); err == nil && v.Sign() >= 0 {
		rules.MinNotional = v.InexactFloat64()
	} else {
		rules.MinNotional = DefaultMinNotional
		rules.Defaulted = append(rules.Defaulted, "min_notional")
	}

	if len(rules.Defaulted) > 0 {
		r.logger.Warn("partial symbol metadata, some precision rules defaulted",
			zap.String("symbol", symbol), zap.Strings("defaulted", rules.Defaulted))
	}
	return rules
}

func positiveOr(raw string, fallback float64, name string, defaulted *[]string) float64 {
	v, err := decimal.NewFromString(raw)
	if err != nil || v.Sign() <= 0 {
		*defaulted = append(*defaulted, name)
		return fallback
	}
	return v.InexactFloat64()
}

// Decimals is the number of fractional digits implied by a step size,
// e.g. 0.001 -> 3, 0.5 -> 1, 10 -> 0.
func Decimals(step float64) int32 {
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// roundToStep rounds raw to the nearest multiple of step, halves rounding up.
func roundToStep(raw, step float64) decimal.Decimal {
	v := decimal.NewFromFloat(raw)
	s := decimal.NewFromFloat(step)
	if s.Sign() <= 0 {
		return v
	}
	return v.Div(s).Round(0).Mul(s).Round(Decimals(step))
}

// RoundPrice rounds raw to the nearest price tick.
func RoundPrice(raw float64, rules models.PrecisionRules) float64 {
	return roundToStep(raw, rules.PriceStep).InexactFloat64()
}

// RoundQuantity clamps raw to at least MinQty and rounds it to the nearest
// quantity step. The result is never below MinQty.
func RoundQuantity(raw float64, rules models.PrecisionRules) float64 {
	if raw < rules.MinQty {
		raw = rules.MinQty
	}
	q := roundToStep(raw, rules.QtyStep)
	minQty := decimal.NewFromFloat(rules.MinQty)
	if rules.QtyStep > 0 {
		step := decimal.NewFromFloat(rules.QtyStep)
		for q.LessThan(minQty) {
			q = q.Add(step)
		}
	}
	return q.InexactFloat64()
}

// FitQuantity rounds raw like RoundQuantity and then raises it by the fewest
// quantity steps needed for price × quantity to reach MinNotional.
func FitQuantity(raw, price float64, rules models.PrecisionRules) float64 {
	q := RoundQuantity(raw, rules)
	if rules.MinNotional <= 0 || price <= 0 || rules.QtyStep <= 0 {
		return q
	}
	p := decimal.NewFromFloat(price)
	minNotional := decimal.NewFromFloat(rules.MinNotional)
	if decimal.NewFromFloat(q).Mul(p).GreaterThanOrEqual(minNotional) {
		return q
	}
	step := decimal.NewFromFloat(rules.QtyStep)
	bumped := minNotional.Div(p).Div(step).Ceil().Mul(step)
	for bumped.Mul(p).LessThan(minNotional) {
		bumped = bumped.Add(step)
	}
	return RoundQuantity(bumped.InexactFloat64(), rules)
}

// MeetsNotional reports whether price × quantity clears the minimum notional.
func MeetsNotional(price, quantity float64, rules models.PrecisionRules) bool {
	if rules.MinNotional <= 0 {
		return true
	}
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity)).
		GreaterThanOrEqual(decimal.NewFromFloat(rules.MinNotional))
}

// FormatPrice renders a rounded price with the precision of the tick size.
func FormatPrice(price float64, rules models.PrecisionRules) string {
	return roundToStep(price, rules.PriceStep).StringFixed(Decimals(rules.PriceStep))
}

// FormatQuantity renders a rounded quantity with the precision of the step size.
func FormatQuantity(qty float64, rules models.PrecisionRules) string {
	return decimal.NewFromFloat(RoundQuantity(qty, rules)).StringFixed(Decimals(rules.QtyStep))
}
