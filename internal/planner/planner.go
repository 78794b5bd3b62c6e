// Package planner computes grid price levels and the orders that seed them.
// It performs no I/O.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gridbot/internal/models"
	"gridbot/internal/precision"

	"go.uber.org/zap"
)

// DefaultSkipEpsilon is the relative distance from the current price inside
// which a level gets no initial order.
const DefaultSkipEpsilon = 0.001

var (
	ErrInvalidSpec         = errors.New("invalid grid spec")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrGridTooDense        = errors.New("grid levels collapse onto the same price tick")
)

// InsufficientCapitalError names the shortfall of a plan that cannot fund a
// single minimum-notional order.
type InsufficientCapitalError struct {
	Symbol    string
	Required  float64 // capital needed for one minimum-notional order
	Available float64
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital for %s: need %.8f, have %.8f (short by %.8f)",
		e.Symbol, e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCapitalError) Unwrap() error { return ErrInsufficientCapital }

// Shortfall is the missing amount of capital.
func (e *InsufficientCapitalError) Shortfall() float64 {
	return e.Required - e.Available
}

// Plan is the output of a planning run.
type Plan struct {
	Lower            float64
	Upper            float64
	Levels           []models.PriceLevel
	Intents          []models.OrderIntent // at most one per slot, ascending by slot
	AllocatedPerSlot float64
	Skipped          []int // slots left empty because they sit on the current price
	Unfunded         []int // slots left empty because the budget ran out
}

// Planner turns a GridSpec into levels and intents.
type Planner struct {
	spacing     SpacingPolicy
	skipEpsilon float64
	logger      *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithSpacing overrides the level-spacing policy.
func WithSpacing(s SpacingPolicy) Option {
	return func(p *Planner) { p.spacing = s }
}

// WithSkipEpsilon overrides the self-fill guard. Zero only skips levels exactly
// on the current price.
func WithSkipEpsilon(eps float64) Option {
	return func(p *Planner) { p.skipEpsilon = eps }
}

// New creates a Planner with symmetric spacing and the default skip epsilon.
func New(logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Planner{
		spacing:     SymmetricSpacing{},
		skipEpsilon: DefaultSkipEpsilon,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes the grid for spec around currentPrice.
func (p *Planner) Plan(spec models.GridSpec, currentPrice float64, rules models.PrecisionRules) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if currentPrice <= 0 || math.IsNaN(currentPrice) || math.IsInf(currentPrice, 0) {
		return nil, fmt.Errorf("%w: current price %v", ErrInvalidSpec, currentPrice)
	}

	budget := spec.TotalCapital * float64(spec.Leverage)
	if rules.MinNotional > 0 && budget < rules.MinNotional {
		return nil, &InsufficientCapitalError{
			Symbol:    spec.Symbol,
			Required:  rules.MinNotional / float64(spec.Leverage),
			Available: spec.TotalCapital,
		}
	}

	lower, upper := p.spacing.Range(spec, currentPrice)
	levels, err := BuildLevels(lower, upper, spec.LevelCount, rules)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Lower:            levels[0].Price,
		Upper:            levels[len(levels)-1].Price,
		Levels:           levels,
		AllocatedPerSlot: spec.TotalCapital / float64(spec.LevelCount),
	}
	perSlot := plan.AllocatedPerSlot * float64(spec.Leverage)

	prices := make([]float64, len(levels))
	for i, l := range levels {
		prices[i] = l.Price
	}

	bySlot := make(map[int]models.OrderIntent)
	skipped := make(map[int]bool)
	for _, candidate := range CalculateGridOrders(spec.TotalCapital, prices) {
		if p.onCurrentPrice(candidate.Price, currentPrice) {
			skipped[candidate.Slot] = true
			continue
		}
		if candidate.Side == models.Buy && candidate.Price >= currentPrice {
			continue
		}
		if candidate.Side == models.Sell && candidate.Price <= currentPrice {
			continue
		}
		if _, taken := bySlot[candidate.Slot]; taken {
			continue
		}

		qty := precision.FitQuantity(perSlot/candidate.Price, candidate.Price, rules)
		if qty*candidate.Price > perSlot+rules.QtyStep*candidate.Price {
			p.logger.Warn("order size raised above slot allocation to clear exchange minimums",
				zap.String("symbol", spec.Symbol),
				zap.Int("slot", candidate.Slot),
				zap.Float64("allocation", perSlot),
				zap.Float64("notional", qty*candidate.Price))
		}
		candidate.Quantity = qty
		bySlot[candidate.Slot] = candidate
	}

	for slot := range skipped {
		plan.Skipped = append(plan.Skipped, slot)
	}
	sort.Ints(plan.Skipped)

	funded, unfunded := fund(bySlot, currentPrice, budget, rules)
	if len(funded) == 0 && len(bySlot) > 0 {
		return nil, &InsufficientCapitalError{
			Symbol:    spec.Symbol,
			Required:  cheapest(bySlot) / float64(spec.Leverage),
			Available: spec.TotalCapital,
		}
	}
	plan.Intents = funded
	plan.Unfunded = unfunded
	if len(unfunded) > 0 {
		p.logger.Warn("capital funds only part of the grid, slots far from the price stay empty",
			zap.String("symbol", spec.Symbol),
			zap.Float64("budget", budget),
			zap.Int("funded", len(funded)),
			zap.Ints("unfunded", unfunded))
	}

	p.logger.Info("grid planned",
		zap.String("symbol", spec.Symbol),
		zap.Float64("current_price", currentPrice),
		zap.Float64("lower", plan.Lower),
		zap.Float64("upper", plan.Upper),
		zap.Int("levels", len(plan.Levels)),
		zap.Int("intents", len(plan.Intents)),
		zap.Ints("skipped", plan.Skipped))
	return plan, nil
}

// fund keeps intents nearest the current price while their combined notional
// stays within budget plus one quantity step at the last funded price. An
// intent that does not fit is shrunk to the room left, or dropped when that
// falls below the exchange minimums. Both results are ascending by slot.
func fund(bySlot map[int]models.OrderIntent, currentPrice, budget float64, rules models.PrecisionRules) ([]models.OrderIntent, []int) {
	const eps = 1e-9
	order := make([]models.OrderIntent, 0, len(bySlot))
	for _, intent := range bySlot {
		order = append(order, intent)
	}
	sort.Slice(order, func(i, j int) bool {
		di := math.Abs(order[i].Price - currentPrice)
		dj := math.Abs(order[j].Price - currentPrice)
		if di != dj {
			return di < dj
		}
		return order[i].Slot < order[j].Slot
	})

	var (
		funded   []models.OrderIntent
		unfunded []int
		spent    float64
	)
	for _, intent := range order {
		room := budget + rules.QtyStep*intent.Price - spent
		if intent.Quantity*intent.Price > room+eps {
			intent.Quantity = shrink(room, intent.Price, rules)
		}
		notional := intent.Quantity * intent.Price
		if intent.Quantity <= 0 || notional > room+eps || !precision.MeetsNotional(intent.Price, intent.Quantity, rules) {
			unfunded = append(unfunded, intent.Slot)
			continue
		}
		spent += notional
		funded = append(funded, intent)
	}

	sort.Slice(funded, func(i, j int) bool { return funded[i].Slot < funded[j].Slot })
	sort.Ints(unfunded)
	return funded, unfunded
}

// shrink is the largest step-aligned quantity whose notional fits in room.
func shrink(room, price float64, rules models.PrecisionRules) float64 {
	if room <= 0 {
		return 0
	}
	qty := room / price
	if rules.QtyStep > 0 {
		qty = math.Floor(qty/rules.QtyStep+1e-9) * rules.QtyStep
	}
	if qty <= 0 || qty < rules.MinQty {
		return 0
	}
	return precision.RoundQuantity(qty, rules)
}

// cheapest is the smallest notional among the candidate intents.
func cheapest(bySlot map[int]models.OrderIntent) float64 {
	least := math.Inf(1)
	for _, intent := range bySlot {
		least = math.Min(least, intent.Quantity*intent.Price)
	}
	return least
}

func (p *Planner) onCurrentPrice(price, current float64) bool {
	if p.skipEpsilon < 0 {
		return false
	}
	return math.Abs(price-current)/current <= p.skipEpsilon
}

// BuildLevels spaces count levels evenly between lower and upper and aligns
// them to the price tick. Levels must stay strictly increasing after rounding.
func BuildLevels(lower, upper float64, count int, rules models.PrecisionRules) ([]models.PriceLevel, error) {
	if count < 2 || lower <= 0 || lower >= upper {
		return nil, fmt.Errorf("%w: range [%v, %v] with %d levels", ErrInvalidSpec, lower, upper, count)
	}
	raw := CalculateGridLevels(lower, upper, count)
	levels := make([]models.PriceLevel, count)
	for i, price := range raw {
		levels[i] = models.PriceLevel{Index: i, Price: precision.RoundPrice(price, rules)}
		if levels[i].Price <= 0 {
			return nil, fmt.Errorf("%w: level %d rounds to %v", ErrInvalidSpec, i, levels[i].Price)
		}
		if i > 0 && levels[i].Price <= levels[i-1].Price {
			return nil, fmt.Errorf("%w: levels %d and %d both at %v (tick %v)",
				ErrGridTooDense, i-1, i, levels[i].Price, rules.PriceStep)
		}
	}
	return levels, nil
}

// CalculateGridLevels returns count evenly spaced prices from lower to upper.
func CalculateGridLevels(lower, upper float64, count int) []float64 {
	if count < 2 {
		return nil
	}
	step := (upper - lower) / float64(count-1)
	levels := make([]float64, count)
	for i := range levels {
		levels[i] = lower + float64(i)*step
	}
	levels[count-1] = upper
	return levels
}

// CalculateGridOrders expands consecutive level pairs into a buy at the lower
// price and a sell at the upper price, each worth capital/(len(levels)-1).
// Quantity carries that capital amount, not a base-asset size.
func CalculateGridOrders(capital float64, levels []float64) []models.OrderIntent {
	if len(levels) < 2 {
		return nil
	}
	amount := capital / float64(len(levels)-1)
	orders := make([]models.OrderIntent, 0, 2*(len(levels)-1))
	for i := 0; i < len(levels)-1; i++ {
		orders = append(orders,
			models.OrderIntent{Slot: i, Side: models.Buy, Price: levels[i], Quantity: amount},
			models.OrderIntent{Slot: i + 1, Side: models.Sell, Price: levels[i+1], Quantity: amount},
		)
	}
	return orders
}
