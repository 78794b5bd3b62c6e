// Package exchangetest provides a programmable in-memory exchange for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// PlaceCall records one PlaceOrder invocation.
type PlaceCall struct {
	Symbol        string
	Side          models.Side
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// Fake is an exchange.Exchange whose state and failures are scripted by the
// test. It does not implement exchange.OrderStatusQuerier; wrap it with
// NewQuerying for that.
type Fake struct {
	mu sync.Mutex

	symbol  string
	ticker  models.Ticker
	info    *models.SymbolInfo
	open    map[string]models.OpenOrder
	order   []string
	reports map[string]models.OrderReport
	nextID  int

	placed         []PlaceCall
	cancelAllCalls int
	cancelled      []string
	leverage       []int

	tickerErr     error
	symbolInfoErr error
	leverageErr   error
	openOrdersErr error
	positions     []models.Position
	placeErr      func(PlaceCall) error
	ackErr        func(PlaceCall) error
	cancelAllErrs []error
}

var _ exchange.Exchange = (*Fake)(nil)

// New returns a fake quoting symbol at price with no symbol metadata.
func New(symbol string, price float64) *Fake {
	return &Fake{
		symbol:  symbol,
		ticker:  models.Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price},
		open:    make(map[string]models.OpenOrder),
		reports: make(map[string]models.OrderReport),
	}
}

func (f *Fake) SetPrice(price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticker.Last, f.ticker.Bid, f.ticker.Ask = price, price, price
}

func (f *Fake) SetSymbolInfo(info *models.SymbolInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

func (f *Fake) SetTickerErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerErr = err
}

func (f *Fake) SetSymbolInfoErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbolInfoErr = err
}

func (f *Fake) SetLeverageErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageErr = err
}

func (f *Fake) SetOpenOrdersErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openOrdersErr = err
}

// SetPlaceErr installs a hook deciding the outcome of every PlaceOrder call.
// A nil hook accepts everything.
func (f *Fake) SetPlaceErr(fn func(PlaceCall) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeErr = fn
}

// SetAckErr installs a hook that runs after an order has been accepted. A
// non-nil result is returned to the caller while the order stays live, as
// when a response is lost on the way back.
func (f *Fake) SetAckErr(fn func(PlaceCall) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackErr = fn
}

// FailCancelAll makes the next len(errs) CancelAllOpenOrders calls fail.
func (f *Fake) FailCancelAll(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllErrs = append(f.cancelAllErrs, errs...)
}

// Fill removes an open order and records it as filled at its limit price.
func (f *Fake) Fill(exchangeOrderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.open[exchangeOrderID]
	if !ok {
		return false
	}
	f.removeLocked(exchangeOrderID)
	f.reports[exchangeOrderID] = models.OrderReport{
		ExchangeOrderID: exchangeOrderID,
		Status:          models.ExchangeStatusFilled,
		AvgPrice:        o.Price,
		ExecutedQty:     o.Quantity,
	}
	return true
}

// Cross fills every open buy priced at or above price and every open sell
// priced at or below it. It returns the filled ids in placement order.
func (f *Fake) Cross(price float64) []string {
	f.mu.Lock()
	var ids []string
	for _, id := range f.order {
		o := f.open[id]
		if (o.Side == models.Buy && o.Price >= price) || (o.Side == models.Sell && o.Price <= price) {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Fill(id)
	}
	return ids
}

// CancelExternally removes an open order as if a user cancelled it by hand.
func (f *Fake) CancelExternally(exchangeOrderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[exchangeOrderID]; !ok {
		return false
	}
	f.removeLocked(exchangeOrderID)
	f.reports[exchangeOrderID] = models.OrderReport{ExchangeOrderID: exchangeOrderID, Status: models.ExchangeStatusCanceled}
	return true
}

// OpenOrders returns the resting orders in placement order.
func (f *Fake) OpenOrders() []models.OpenOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OpenOrder, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.open[id])
	}
	return out
}

// FindOpen returns the open order resting at price on side.
func (f *Fake) FindOpen(side models.Side, price float64) (models.OpenOrder, bool) {
	for _, o := range f.OpenOrders() {
		if o.Side == side && o.Price == price {
			return o, true
		}
	}
	return models.OpenOrder{}, false
}

func (f *Fake) Placed() []PlaceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlaceCall(nil), f.placed...)
}

func (f *Fake) CancelAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAllCalls
}

// CancelCalls lists the order ids passed to CancelOrder.
func (f *Fake) CancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *Fake) LeverageCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.leverage...)
}

func (f *Fake) removeLocked(id string) {
	delete(f.open, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *Fake) checkSymbol(op, symbol string) error {
	if symbol != f.symbol {
		return &exchange.RejectedError{Op: op, Code: -1121, Reason: "Invalid symbol.", Err: exchange.ErrSymbolNotFound}
	}
	return nil
}

// --- exchange.Exchange ---

func (f *Fake) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, &exchange.TransportError{Op: "get ticker", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	if err := f.checkSymbol("get ticker", symbol); err != nil {
		return nil, err
	}
	t := f.ticker
	return &t, nil
}

func (f *Fake) GetSymbolInfo(_ context.Context, symbol string) (*models.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.symbolInfoErr != nil {
		return nil, f.symbolInfoErr
	}
	if err := f.checkSymbol("get symbol info", symbol); err != nil {
		return nil, err
	}
	return f.info, nil
}

func (f *Fake) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverage)
	return f.leverageErr
}

func (f *Fake) PlaceOrder(ctx context.Context, symbol string, side models.Side, quantity, price float64, clientOrderID string) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, &exchange.TransportError{Op: "place order", Err: err}
	}
	call := PlaceCall{Symbol: symbol, Side: side, Quantity: quantity, Price: price, ClientOrderID: clientOrderID}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, call)
	if f.placeErr != nil {
		if err := f.placeErr(call); err != nil {
			return nil, err
		}
	}
	if err := f.checkSymbol("place order", symbol); err != nil {
		return nil, err
	}
	if clientOrderID != "" {
		for _, o := range f.open {
			if o.ClientOrderID == clientOrderID {
				return nil, &exchange.RejectedError{Op: "place order", Code: -4116,
					Reason: "ClientOrderId is duplicated.", Err: exchange.ErrDuplicateOrder}
			}
		}
	}
	f.nextID++
	id := fmt.Sprintf("ex-%d", f.nextID)
	f.open[id] = models.OpenOrder{
		ExchangeOrderID: id,
		ClientOrderID:   clientOrderID,
		Side:            side,
		Quantity:        quantity,
		Price:           price,
		Status:          models.ExchangeStatusNew,
	}
	f.order = append(f.order, id)
	f.reports[id] = models.OrderReport{ExchangeOrderID: id, Status: models.ExchangeStatusNew}
	if f.ackErr != nil {
		if err := f.ackErr(call); err != nil {
			return nil, err
		}
	}
	return &models.OrderAck{ExchangeOrderID: id, ClientOrderID: clientOrderID, Status: models.ExchangeStatusNew}, nil
}

func (f *Fake) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, exchangeOrderID)
	f.mu.Unlock()
	if !f.CancelExternally(exchangeOrderID) {
		return &exchange.RejectedError{Op: "cancel order", Code: -2011, Reason: "Unknown order sent.", Err: exchange.ErrOrderNotFound}
	}
	return nil
}

func (f *Fake) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllCalls++
	if len(f.cancelAllErrs) > 0 {
		err := f.cancelAllErrs[0]
		f.cancelAllErrs = f.cancelAllErrs[1:]
		return err
	}
	if err := ctx.Err(); err != nil {
		return &exchange.TransportError{Op: "cancel all orders", Err: err}
	}
	for _, id := range append([]string(nil), f.order...) {
		f.removeLocked(id)
		f.reports[id] = models.OrderReport{ExchangeOrderID: id, Status: models.ExchangeStatusCanceled}
	}
	return nil
}

func (f *Fake) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, &exchange.TransportError{Op: "get open orders", Err: err}
	}
	f.mu.Lock()
	err := f.openOrdersErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.OpenOrders(), nil
}

// SetPositions sets what GetPositions reports.
func (f *Fake) SetPositions(positions ...models.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = positions
}

func (f *Fake) GetPositions(context.Context, string) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Position(nil), f.positions...), nil
}

// Querying adds a per-order status lookup to a Fake.
type Querying struct {
	*Fake
	mu        sync.Mutex
	statusErr error
}

var _ exchange.OrderStatusQuerier = (*Querying)(nil)

func NewQuerying(f *Fake) *Querying {
	return &Querying{Fake: f}
}

// SetStatusErr makes every status lookup fail with err.
func (q *Querying) SetStatusErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statusErr = err
}

func (q *Querying) GetOrderStatus(_ context.Context, _ string, exchangeOrderID string) (*models.OrderReport, error) {
	q.mu.Lock()
	err := q.statusErr
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	q.Fake.mu.Lock()
	defer q.Fake.mu.Unlock()
	r, ok := q.reports[exchangeOrderID]
	if !ok {
		return nil, &exchange.RejectedError{Op: "get order status", Code: -2013, Reason: "Order does not exist.", Err: exchange.ErrOrderNotFound}
	}
	return &r, nil
}
