// Package reconciler tracks the orders a bot believes are live and diffs them
// against what the exchange reports.
//
// A Reconciler is owned by a single engine and is not safe for concurrent use.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/idgen"
	"gridbot/internal/models"

	"go.uber.org/zap"
)

var ErrSlotOccupied = errors.New("slot already holds a live order")

// EventKind labels what happened to a tracked order.
type EventKind string

const (
	OrderPlaced    EventKind = "ORDER_PLACED"
	OrderFailed    EventKind = "ORDER_FAILED"
	FillDetected   EventKind = "FILL_DETECTED"
	OrderCancelled EventKind = "ORDER_CANCELLED"
	AmbiguousFill  EventKind = "AMBIGUOUS_FILL"
)

// Event reports a state change. Order is a copy taken when the event fired.
type Event struct {
	Kind  EventKind
	Order models.TrackedOrder
	Fill  *models.FillRecord // set for FillDetected
	Err   error              // set for OrderFailed and AmbiguousFill
}

// Config configures a Reconciler.
type Config struct {
	BotID       string
	Symbol      string
	CallTimeout time.Duration // per exchange call, 0 means no extra deadline
	FillPolicy  FillPolicy    // nil picks StatusQueryPolicy when the exchange supports it
	Now         func() time.Time
}

type Reconciler struct {
	botID   string
	symbol  string
	ex      exchange.Exchange
	ids     *idgen.Generator
	fill    FillPolicy
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	active map[int]*models.TrackedOrder
}

func New(ex exchange.Exchange, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Reconciler{
		botID:   cfg.BotID,
		symbol:  cfg.Symbol,
		ex:      ex,
		ids:     idgen.New(cfg.BotID).WithClock(cfg.Now),
		fill:    cfg.FillPolicy,
		timeout: cfg.CallTimeout,
		now:     cfg.Now,
		logger:  logger.With(zap.String("bot_id", cfg.BotID), zap.String("symbol", cfg.Symbol)),
		active:  make(map[int]*models.TrackedOrder),
	}
	if r.fill == nil {
		if q, ok := ex.(exchange.OrderStatusQuerier); ok {
			r.fill = &StatusQueryPolicy{Querier: q, Symbol: cfg.Symbol, Timeout: cfg.CallTimeout}
		} else {
			r.fill = AbsencePolicy{}
		}
	}
	return r
}

// FillPolicyName is the name of the active fill policy, for logs.
func (r *Reconciler) FillPolicyName() string { return r.fill.Name() }

func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Submit places intent on the exchange and tracks it in intent.Slot.
// The returned error is the exchange error, unwrapped, so callers can
// classify it.
//
// A transport failure leaves the order Pending, since it may have reached the
// exchange. The next Submit for that slot resends it under the same client
// id, and the next Reconcile adopts it if it shows up in the open set.
func (r *Reconciler) Submit(ctx context.Context, intent models.OrderIntent) (Event, error) {
	order, ok := r.active[intent.Slot]
	resend := ok && order.Status == models.StatusPending
	if ok && !resend && !order.Status.IsTerminal() {
		return Event{Kind: OrderFailed, Order: order.Clone(), Err: ErrSlotOccupied},
			fmt.Errorf("slot %d (%s): %w", intent.Slot, order.LocalID, ErrSlotOccupied)
	}
	if !resend {
		order = models.NewTrackedOrder(r.ids.Next(), intent, r.now())
		r.active[intent.Slot] = order
	}

	callCtx, cancel := r.callCtx(ctx)
	ack, err := r.ex.PlaceOrder(callCtx, r.symbol, order.Side, order.Quantity, order.Price, order.LocalID)
	cancel()
	if err != nil {
		fields := []zap.Field{
			zap.Int("slot", order.Slot),
			zap.String("local_id", order.LocalID),
			zap.String("side", string(order.Side)),
			zap.Float64("price", order.Price),
			zap.Float64("quantity", order.Quantity),
			zap.Bool("resend", resend),
			zap.String("kind", exchange.Classify(err).String()),
			zap.Error(err),
		}
		switch {
		case exchange.IsTransport(err):
			r.logger.Warn("下单结果未知, 保留待确认订单", fields...)
		case resend && errors.Is(err, exchange.ErrDuplicateOrder):
			// 首次请求其实已经挂出, 等对账按 client id 接管
			r.logger.Info("重发订单被判重复, 等待对账确认", fields...)
		default:
			_ = order.Transition(models.StatusFailed, r.now())
			delete(r.active, order.Slot)
			r.logger.Warn("下单失败", fields...)
		}
		return Event{Kind: OrderFailed, Order: order.Clone(), Err: err}, err
	}

	order.ExchangeOrderID = ack.ExchangeOrderID
	if err := order.Transition(models.StatusOpen, r.now()); err != nil {
		return Event{}, err
	}
	r.logger.Info("订单已挂出",
		zap.Int("slot", order.Slot),
		zap.String("local_id", order.LocalID),
		zap.String("order_id", ack.ExchangeOrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("price", order.Price),
		zap.Float64("quantity", order.Quantity),
		zap.Bool("resend", resend))
	return Event{Kind: OrderPlaced, Order: order.Clone()}, nil
}

// Poll fetches open orders and reconciles against them. A failed fetch
// leaves local state untouched.
func (r *Reconciler) Poll(ctx context.Context) ([]Event, error) {
	callCtx, cancel := r.callCtx(ctx)
	open, err := r.ex.GetOpenOrders(callCtx, r.symbol)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return r.Reconcile(ctx, open), nil
}

// Reconcile diffs tracked orders against the exchange's open set, in
// ascending slot order. Pending orders found in the set by client id are
// adopted. Open orders missing from the set are resolved by the fill policy.
// Orders carrying this bot's client ids that nothing tracks are cancelled.
func (r *Reconciler) Reconcile(ctx context.Context, open []models.OpenOrder) []Event {
	byExchangeID := make(map[string]bool, len(open))
	byClientID := make(map[string]models.OpenOrder, len(open))
	for _, o := range open {
		byExchangeID[o.ExchangeOrderID] = true
		if o.ClientOrderID != "" {
			byClientID[o.ClientOrderID] = o
		}
	}

	var events []Event
	trackedEx := make(map[string]bool, len(r.active))
	trackedClient := make(map[string]bool, len(r.active))
	for _, slot := range r.slots() {
		order := r.active[slot]
		trackedClient[order.LocalID] = true
		if order.ExchangeOrderID != "" {
			trackedEx[order.ExchangeOrderID] = true
		}

		switch order.Status {
		case models.StatusPending:
			if o, ok := byClientID[order.LocalID]; ok {
				trackedEx[o.ExchangeOrderID] = true
				events = append(events, r.adopt(order, o))
			}
			continue
		case models.StatusOpen:
		default:
			continue
		}
		if _, ok := byClientID[order.LocalID]; ok || byExchangeID[order.ExchangeOrderID] {
			continue
		}

		outcome := r.fill.Resolve(ctx, order.Clone())
		switch outcome.Verdict {
		case VerdictFilled:
			events = append(events, r.markFilled(order, outcome))
		case VerdictCancelled:
			events = append(events, r.markCancelled(order))
		case VerdictAmbiguous:
			r.logger.Warn("无法确认订单是成交还是被撤销, 下次对账重试",
				zap.Int("slot", slot),
				zap.String("order_id", order.ExchangeOrderID),
				zap.Error(outcome.Err))
			events = append(events, Event{Kind: AmbiguousFill, Order: order.Clone(), Err: outcome.Err})
		case VerdictOpen:
			r.logger.Debug("订单不在挂单列表但交易所报告仍在挂单",
				zap.Int("slot", slot), zap.String("order_id", order.ExchangeOrderID))
		}
	}

	for _, o := range open {
		if trackedEx[o.ExchangeOrderID] || trackedClient[o.ClientOrderID] {
			continue
		}
		if !r.ids.Owns(o.ClientOrderID) {
			r.logger.Debug("忽略非本机器人的订单", zap.String("order_id", o.ExchangeOrderID))
			continue
		}
		r.cancelOrphan(ctx, o)
	}
	return events
}

// adopt promotes a Pending order that turned out to be live.
func (r *Reconciler) adopt(order *models.TrackedOrder, o models.OpenOrder) Event {
	order.ExchangeOrderID = o.ExchangeOrderID
	_ = order.Transition(models.StatusOpen, r.now())
	r.logger.Info("待确认订单已在交易所挂出",
		zap.Int("slot", order.Slot),
		zap.String("local_id", order.LocalID),
		zap.String("order_id", o.ExchangeOrderID))
	return Event{Kind: OrderPlaced, Order: order.Clone()}
}

// cancelOrphan removes a live order this bot placed but no longer tracks, so
// a slot never holds two orders. A failed cancel is retried on the next pass.
func (r *Reconciler) cancelOrphan(ctx context.Context, o models.OpenOrder) {
	callCtx, cancel := r.callCtx(ctx)
	err := r.ex.CancelOrder(callCtx, r.symbol, o.ExchangeOrderID)
	cancel()
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		r.logger.Warn("撤销未跟踪订单失败, 下次对账重试",
			zap.String("order_id", o.ExchangeOrderID),
			zap.String("local_id", o.ClientOrderID),
			zap.Error(err))
		return
	}
	r.logger.Warn("已撤销本机器人的未跟踪订单",
		zap.String("order_id", o.ExchangeOrderID),
		zap.String("local_id", o.ClientOrderID),
		zap.String("side", string(o.Side)),
		zap.Float64("price", o.Price))
}

func (r *Reconciler) markFilled(order *models.TrackedOrder, outcome Outcome) Event {
	now := r.now()
	_ = order.Transition(models.StatusFilled, now)
	delete(r.active, order.Slot)

	fill := &models.FillRecord{
		LocalID:         order.LocalID,
		ExchangeOrderID: order.ExchangeOrderID,
		Slot:            order.Slot,
		Side:            order.Side,
		RequestedPrice:  order.Price,
		FillPrice:       order.Price,
		FillQuantity:    order.Quantity,
		FillTimestamp:   now,
	}
	if outcome.FillPrice > 0 {
		fill.FillPrice = outcome.FillPrice
	}
	if outcome.FillQuantity > 0 {
		fill.FillQuantity = outcome.FillQuantity
	}
	r.logger.Info("检测到成交",
		zap.Int("slot", order.Slot),
		zap.String("local_id", order.LocalID),
		zap.String("order_id", order.ExchangeOrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("price", fill.FillPrice),
		zap.Float64("quantity", fill.FillQuantity))
	return Event{Kind: FillDetected, Order: order.Clone(), Fill: fill}
}

func (r *Reconciler) markCancelled(order *models.TrackedOrder) Event {
	_ = order.Transition(models.StatusCancelled, r.now())
	delete(r.active, order.Slot)
	r.logger.Warn("订单在外部被撤销, 网格位置留空",
		zap.Int("slot", order.Slot),
		zap.String("order_id", order.ExchangeOrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("price", order.Price))
	return Event{Kind: OrderCancelled, Order: order.Clone()}
}

// Clear retires every live order as Cancelled, after the caller has
// cancelled them on the exchange.
func (r *Reconciler) Clear() []models.TrackedOrder {
	now := r.now()
	var retired []models.TrackedOrder
	for _, slot := range r.slots() {
		order := r.active[slot]
		if order.Status == models.StatusOpen {
			_ = order.Transition(models.StatusCancelled, now)
		}
		retired = append(retired, order.Clone())
	}
	r.active = make(map[int]*models.TrackedOrder)
	return retired
}

// Active returns copies of the live orders, ascending by slot.
func (r *Reconciler) Active() []models.TrackedOrder {
	out := make([]models.TrackedOrder, 0, len(r.active))
	for _, slot := range r.slots() {
		out = append(out, r.active[slot].Clone())
	}
	return out
}

// Occupied reports whether slot holds a live order.
func (r *Reconciler) Occupied(slot int) bool {
	o, ok := r.active[slot]
	return ok && !o.Status.IsTerminal()
}

// Pending reports whether slot holds an order whose placement is unconfirmed.
func (r *Reconciler) Pending(slot int) bool {
	o, ok := r.active[slot]
	return ok && o.Status == models.StatusPending
}

func (r *Reconciler) slots() []int {
	slots := make([]int, 0, len(r.active))
	for s := range r.active {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}
