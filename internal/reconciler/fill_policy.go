package reconciler

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// Verdict is a fill policy's decision about an order that left the open set.
type Verdict int

const (
	VerdictOpen Verdict = iota
	VerdictFilled
	VerdictCancelled
	VerdictAmbiguous
)

// Outcome carries a Verdict and, for fills, the executed price and quantity
// when the exchange reported them.
type Outcome struct {
	Verdict      Verdict
	FillPrice    float64
	FillQuantity float64
	Err          error
}

// FillPolicy decides what happened to an Open order that no longer appears
// among the exchange's open orders.
type FillPolicy interface {
	Name() string
	Resolve(ctx context.Context, order models.TrackedOrder) Outcome
}

// AbsencePolicy treats absence as a fill at the requested price. An order
// cancelled outside the bot is indistinguishable from a filled one under
// this policy.
type AbsencePolicy struct{}

func (AbsencePolicy) Name() string { return "absence" }

func (AbsencePolicy) Resolve(context.Context, models.TrackedOrder) Outcome {
	return Outcome{Verdict: VerdictFilled}
}

// StatusQueryPolicy asks the exchange for the order's final status.
// A failed lookup yields VerdictAmbiguous and the order is checked again on
// the next reconciliation.
type StatusQueryPolicy struct {
	Querier exchange.OrderStatusQuerier
	Symbol  string
	Timeout time.Duration
}

func (*StatusQueryPolicy) Name() string { return "status-query" }

func (p *StatusQueryPolicy) Resolve(ctx context.Context, order models.TrackedOrder) Outcome {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	report, err := p.Querier.GetOrderStatus(ctx, p.Symbol, order.ExchangeOrderID)
	if err != nil {
		return Outcome{Verdict: VerdictAmbiguous, Err: fmt.Errorf("status lookup for %s: %w", order.ExchangeOrderID, err)}
	}

	switch report.Status {
	case models.ExchangeStatusFilled:
		return Outcome{Verdict: VerdictFilled, FillPrice: report.AvgPrice, FillQuantity: report.ExecutedQty}
	case models.ExchangeStatusCanceled, models.ExchangeStatusExpired, models.ExchangeStatusRejected:
		return Outcome{Verdict: VerdictCancelled}
	case models.ExchangeStatusNew, models.ExchangeStatusPartiallyFilled:
		return Outcome{Verdict: VerdictOpen}
	}
	return Outcome{Verdict: VerdictAmbiguous, Err: fmt.Errorf("order %s has unexpected status %q", order.ExchangeOrderID, report.Status)}
}
