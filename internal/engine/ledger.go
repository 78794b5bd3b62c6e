package engine

import (
	"math"

	"gridbot/internal/models"

	"github.com/shopspring/decimal"
)

// lot is an unmatched fill waiting for an opposite-side partner.
type lot struct {
	seq   int
	price decimal.Decimal
	qty   decimal.Decimal
}

// Match is one realised buy/sell pairing.
type Match struct {
	BuyPrice  float64
	SellPrice float64
	Quantity  float64
	Profit    float64
}

// Ledger keeps the capital accounting of one grid. A new fill is matched
// against the unmatched opposite-side fills by price-level proximity: a sell
// pairs with the highest open buy at or below its price, a buy with the
// lowest open sell at or above it. When no lot lies on the profitable side
// the nearest lot overall is used. Ties go to the oldest lot.
type Ledger struct {
	allocatedPerSlot float64
	realized         decimal.Decimal
	buys             []lot
	sells            []lot
	seq              int
	matches          []Match
}

func NewLedger(allocatedPerSlot float64) *Ledger {
	return &Ledger{allocatedPerSlot: allocatedPerSlot}
}

func (l *Ledger) AllocatedPerSlot() float64 { return l.allocatedPerSlot }

// RealizedProfit is the sum of all matched pair profits.
func (l *Ledger) RealizedProfit() float64 {
	return l.realized.InexactFloat64()
}

func (l *Ledger) Matches() []Match {
	return append([]Match(nil), l.matches...)
}

// Record books a fill and returns the pairings it closed.
func (l *Ledger) Record(fill models.FillRecord) []Match {
	price := decimal.NewFromFloat(fill.FillPrice)
	remaining := decimal.NewFromFloat(fill.FillQuantity)

	book := &l.buys
	own := &l.sells
	if fill.Side == models.Buy {
		book, own = &l.sells, &l.buys
	}

	var closed []Match
	for remaining.Sign() > 0 && len(*book) > 0 {
		i := nearest(*book, price, fill.Side)
		partner := &(*book)[i]
		qty := decimal.Min(remaining, partner.qty)

		buy, sell := partner.price, price
		if fill.Side == models.Buy {
			buy, sell = price, partner.price
		}
		profit := sell.Sub(buy).Mul(qty)
		l.realized = l.realized.Add(profit)
		m := Match{
			BuyPrice:  buy.InexactFloat64(),
			SellPrice: sell.InexactFloat64(),
			Quantity:  qty.InexactFloat64(),
			Profit:    profit.InexactFloat64(),
		}
		closed = append(closed, m)
		l.matches = append(l.matches, m)

		remaining = remaining.Sub(qty)
		partner.qty = partner.qty.Sub(qty)
		if partner.qty.Sign() <= 0 {
			*book = append((*book)[:i], (*book)[i+1:]...)
		}
	}

	if remaining.Sign() > 0 {
		l.seq++
		*own = append(*own, lot{seq: l.seq, price: price, qty: remaining})
	}
	return closed
}

// nearest picks the partner lot for a fill on side at price.
func nearest(lots []lot, price decimal.Decimal, side models.Side) int {
	best, bestFallback := -1, -1
	bestDist, fallbackDist := math.Inf(1), math.Inf(1)
	for i, lt := range lots {
		dist := lt.price.Sub(price).Abs().InexactFloat64()
		profitable := lt.price.LessThanOrEqual(price)
		if side == models.Buy {
			profitable = lt.price.GreaterThanOrEqual(price)
		}
		if profitable && (dist < bestDist || (dist == bestDist && lt.seq < lots[best].seq)) {
			best, bestDist = i, dist
		}
		if dist < fallbackDist || (dist == fallbackDist && lt.seq < lots[bestFallback].seq) {
			bestFallback, fallbackDist = i, dist
		}
	}
	if best >= 0 {
		return best
	}
	return bestFallback
}

// OpenQuantity returns the unmatched buy and sell quantities.
func (l *Ledger) OpenQuantity() (buys, sells float64) {
	sum := func(lots []lot) float64 {
		total := decimal.Zero
		for _, lt := range lots {
			total = total.Add(lt.qty)
		}
		return total.InexactFloat64()
	}
	return sum(l.buys), sum(l.sells)
}
