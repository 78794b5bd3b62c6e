package reconciler

import "gridbot/internal/models"

// ReplacementPolicy chooses the order that re-arms a slot after a fill.
// The returned price and quantity are raw; callers round them.
type ReplacementPolicy interface {
	Name() string
	Next(fill models.FillRecord) models.OrderIntent
}

// MirrorPolicy re-uses the filled order's own price on the opposite side.
type MirrorPolicy struct{}

func (MirrorPolicy) Name() string { return "mirror" }

func (MirrorPolicy) Next(fill models.FillRecord) models.OrderIntent {
	return models.OrderIntent{
		Slot:     fill.Slot,
		Side:     fill.Side.Opposite(),
		Price:    fill.RequestedPrice,
		Quantity: fill.FillQuantity,
	}
}

// OffsetPolicy prices the replacement at a percentage away from the fill.
// For a long grid a buy fill is followed by a sell TakeProfitPct above it and
// a sell fill by a buy ReentryPct below it. A short grid mirrors this.
type OffsetPolicy struct {
	Direction     models.Direction
	TakeProfitPct float64
	ReentryPct    float64
}

func (OffsetPolicy) Name() string { return "offset" }

func (p OffsetPolicy) Next(fill models.FillRecord) models.OrderIntent {
	opening := models.Buy
	if p.Direction == models.Short {
		opening = models.Sell
	}
	pct := p.ReentryPct
	if fill.Side == opening {
		pct = p.TakeProfitPct
	}

	price := fill.FillPrice * (1 + pct)
	if fill.Side == models.Sell {
		price = fill.FillPrice * (1 - pct)
	}
	return models.OrderIntent{
		Slot:     fill.Slot,
		Side:     fill.Side.Opposite(),
		Price:    price,
		Quantity: fill.FillQuantity,
	}
}
