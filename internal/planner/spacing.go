package planner

import "gridbot/internal/models"

// DefaultBias is the share of a derived range placed on the favoured side.
const DefaultBias = 0.7

// SpacingPolicy decides the price range a grid spans.
type SpacingPolicy interface {
	Range(spec models.GridSpec, currentPrice float64) (lower, upper float64)
}

// SymmetricSpacing centres a derived range on the current price.
type SymmetricSpacing struct{}

func (SymmetricSpacing) Range(spec models.GridSpec, currentPrice float64) (float64, float64) {
	if spec.HasExplicitRange() {
		return spec.LowerPrice, spec.UpperPrice
	}
	half := spec.RangePct / 2
	return currentPrice * (1 - half), currentPrice * (1 + half)
}

// DirectionalSpacing skews a derived range towards the direction of the bias:
// a long grid puts Bias of the range below the price (more buy levels), a
// short grid above it (more sell levels). Explicit bounds are kept as given.
type DirectionalSpacing struct {
	Direction models.Direction
	Bias      float64
}

func (d DirectionalSpacing) Range(spec models.GridSpec, currentPrice float64) (float64, float64) {
	if spec.HasExplicitRange() || d.Direction == models.Neutral {
		return SymmetricSpacing{}.Range(spec, currentPrice)
	}
	bias := d.Bias
	if bias <= 0.5 || bias >= 1 {
		bias = DefaultBias
	}
	below, above := bias, 1-bias
	if d.Direction == models.Short {
		below, above = above, below
	}
	return currentPrice * (1 - spec.RangePct*below), currentPrice * (1 + spec.RangePct*above)
}
