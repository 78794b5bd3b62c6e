package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/exchange/exchangetest"
	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(ex exchange.Exchange) *Reconciler {
	return New(ex, Config{
		BotID:       "bot1",
		Symbol:      "BTCUSDT",
		CallTimeout: time.Second,
		Now:         func() time.Time { return fixedNow },
	}, zap.NewNop())
}

func buyAt(slot int, price float64) models.OrderIntent {
	return models.OrderIntent{Slot: slot, Side: models.Buy, Price: price, Quantity: 0.01}
}

func sellAt(slot int, price float64) models.OrderIntent {
	return models.OrderIntent{Slot: slot, Side: models.Sell, Price: price, Quantity: 0.01}
}

func TestSubmit_TransitionsToOpen(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)

	ev, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	assert.Equal(t, OrderPlaced, ev.Kind)
	assert.Equal(t, models.StatusOpen, ev.Order.Status)
	assert.Equal(t, []models.OrderStatus{models.StatusPending, models.StatusOpen}, ev.Order.History)
	assert.NotEmpty(t, ev.Order.ExchangeOrderID)

	placed := fake.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, ev.Order.LocalID, placed[0].ClientOrderID, "local id doubles as client order id")
	assert.True(t, r.Occupied(0))
}

func TestSubmit_RejectsOccupiedSlot(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)

	_, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), sellAt(0, 20000))
	assert.ErrorIs(t, err, ErrSlotOccupied)
	assert.Len(t, fake.Placed(), 1, "no exchange call for an occupied slot")
	assert.Len(t, r.Active(), 1)
}

func TestSubmit_RejectionFreesSlot(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	fake.SetPlaceErr(func(exchangetest.PlaceCall) error {
		return &exchange.RejectedError{Op: "place order", Code: -2019, Reason: "margin is insufficient"}
	})
	r := newTestReconciler(fake)

	ev, err := r.Submit(context.Background(), buyAt(1, 20000))
	require.Error(t, err)
	assert.True(t, exchange.IsRejected(err))
	assert.Equal(t, OrderFailed, ev.Kind)
	assert.Equal(t, []models.OrderStatus{models.StatusPending, models.StatusFailed}, ev.Order.History)
	assert.False(t, r.Occupied(1))

	fake.SetPlaceErr(nil)
	ev2, err := r.Submit(context.Background(), buyAt(1, 20000))
	assert.NoError(t, err, "slot can be re-armed with a fresh order")
	assert.NotEqual(t, ev.Order.LocalID, ev2.Order.LocalID)
}

func TestSubmit_TransportFailureResendsSameClientID(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	fake.SetPlaceErr(func(exchangetest.PlaceCall) error {
		return &exchange.TransportError{Op: "place order", Err: context.DeadlineExceeded}
	})
	r := newTestReconciler(fake)

	ev, err := r.Submit(context.Background(), buyAt(1, 20000))
	require.Error(t, err)
	assert.True(t, exchange.IsTransport(err))
	assert.Equal(t, OrderFailed, ev.Kind)
	assert.Equal(t, models.StatusPending, ev.Order.Status)
	assert.True(t, r.Occupied(1), "an order with an unknown outcome keeps its slot")
	assert.True(t, r.Pending(1))

	fake.SetPlaceErr(nil)
	ev, err = r.Submit(context.Background(), buyAt(1, 20000))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, ev.Order.Status)
	assert.False(t, r.Pending(1))

	placed := fake.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, placed[0].ClientOrderID, placed[1].ClientOrderID)
	assert.Len(t, fake.OpenOrders(), 1)
}

func TestSubmit_LostAckIsAdoptedNotDuplicated(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	fake.SetAckErr(func(exchangetest.PlaceCall) error {
		return &exchange.TransportError{Op: "place order", Err: context.DeadlineExceeded}
	})
	r := newTestReconciler(fake)

	_, err := r.Submit(context.Background(), buyAt(1, 20000))
	require.Error(t, err)
	fake.SetAckErr(nil)

	// 重发被交易所判重, 订单仍待确认
	_, err = r.Submit(context.Background(), buyAt(1, 20000))
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrDuplicateOrder)
	assert.True(t, r.Occupied(1))

	events, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OrderPlaced, events[0].Kind)

	open := fake.OpenOrders()
	require.Len(t, open, 1)
	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.StatusOpen, active[0].Status)
	assert.Equal(t, open[0].ExchangeOrderID, active[0].ExchangeOrderID)
	assert.Empty(t, fake.CancelCalls())

	_, err = r.Submit(context.Background(), buyAt(1, 20000))
	assert.ErrorIs(t, err, ErrSlotOccupied)
}

func TestReconcile_AbsenceMeansFill(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)
	assert.Equal(t, "absence", r.FillPolicyName())

	ev, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), sellAt(2, 22000))
	require.NoError(t, err)

	require.True(t, fake.Fill(ev.Order.ExchangeOrderID))

	events, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	fill := events[0]
	assert.Equal(t, FillDetected, fill.Kind)
	require.NotNil(t, fill.Fill)
	assert.Equal(t, models.Buy, fill.Fill.Side)
	assert.Equal(t, 20000.0, fill.Fill.RequestedPrice)
	assert.Equal(t, 20000.0, fill.Fill.FillPrice)
	assert.Equal(t, 0.01, fill.Fill.FillQuantity)
	assert.Equal(t, fixedNow, fill.Fill.FillTimestamp)
	assert.Equal(t, []models.OrderStatus{models.StatusPending, models.StatusOpen, models.StatusFilled}, fill.Order.History)

	assert.False(t, r.Occupied(0))
	assert.True(t, r.Occupied(2))

	events, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "a fill is reported exactly once")
}

func TestReconcile_ProcessesSlotsInAscendingOrder(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)
	for _, slot := range []int{3, 0, 2} {
		_, err := r.Submit(context.Background(), buyAt(slot, 20000+float64(slot)))
		require.NoError(t, err)
	}

	events := r.Reconcile(context.Background(), nil)
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].Order.Slot)
	assert.Equal(t, 2, events[1].Order.Slot)
	assert.Equal(t, 3, events[2].Order.Slot)
}

func TestReconcile_StatusQueryDistinguishesCancellation(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	ex := exchangetest.NewQuerying(fake)
	r := newTestReconciler(ex)
	assert.Equal(t, "status-query", r.FillPolicyName())

	a, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	b, err := r.Submit(context.Background(), buyAt(1, 20500))
	require.NoError(t, err)

	fake.CancelExternally(a.Order.ExchangeOrderID)
	fake.Fill(b.Order.ExchangeOrderID)

	events, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OrderCancelled, events[0].Kind)
	assert.Equal(t, models.StatusCancelled, events[0].Order.Status)
	assert.Nil(t, events[0].Fill)
	assert.Equal(t, FillDetected, events[1].Kind)
	assert.Empty(t, r.Active())
}

func TestReconcile_LookupFailureIsAmbiguous(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	ex := exchangetest.NewQuerying(fake)
	r := newTestReconciler(ex)

	ev, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	fake.Fill(ev.Order.ExchangeOrderID)
	ex.SetStatusErr(&exchange.TransportError{Op: "get order status", Err: errors.New("reset")})

	events, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AmbiguousFill, events[0].Kind)
	assert.Error(t, events[0].Err)
	assert.True(t, r.Occupied(0), "ambiguous orders stay open")

	ex.SetStatusErr(nil)
	events, err = r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, FillDetected, events[0].Kind)
}

func TestPoll_FetchErrorLeavesStateAlone(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)
	ev, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)

	fake.Fill(ev.Order.ExchangeOrderID)
	fake.SetOpenOrdersErr(&exchange.TransportError{Op: "get open orders", Err: errors.New("timeout")})

	events, err := r.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, exchange.IsTransport(err))
	assert.Nil(t, events)
	assert.True(t, r.Occupied(0))
}

func TestReconcile_IgnoresForeignOrders(t *testing.T) {
	r := newTestReconciler(exchangetest.New("BTCUSDT", 21000))
	events := r.Reconcile(context.Background(), []models.OpenOrder{
		{ExchangeOrderID: "manual-1", ClientOrderID: "web_abc", Side: models.Buy, Price: 1, Quantity: 1},
	})
	assert.Empty(t, events)
	assert.Empty(t, r.Active())
}

func TestReconcile_CancelsOwnUntrackedOrders(t *testing.T) {
	fake := exchangetest.New("BTCUSDT", 21000)
	r := newTestReconciler(fake)
	_, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)

	stray, err := fake.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, 0.01, 20000, r.ids.Next())
	require.NoError(t, err)
	_, err = fake.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, 0.01, 19000, "web_abc")
	require.NoError(t, err)

	events, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, []string{stray.ExchangeOrderID}, fake.CancelCalls())
	assert.Len(t, fake.OpenOrders(), 2)
	assert.Len(t, r.Active(), 1)
}

func TestClear_RetiresLiveOrders(t *testing.T) {
	r := newTestReconciler(exchangetest.New("BTCUSDT", 21000))
	_, err := r.Submit(context.Background(), buyAt(0, 20000))
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), sellAt(1, 22000))
	require.NoError(t, err)

	retired := r.Clear()
	require.Len(t, retired, 2)
	for _, o := range retired {
		assert.Equal(t, models.StatusCancelled, o.Status)
	}
	assert.Empty(t, r.Active())
}

func TestMirrorPolicy(t *testing.T) {
	next := MirrorPolicy{}.Next(models.FillRecord{Slot: 2, Side: models.Buy, RequestedPrice: 20000, FillPrice: 19999, FillQuantity: 0.01})
	assert.Equal(t, models.OrderIntent{Slot: 2, Side: models.Sell, Price: 20000, Quantity: 0.01}, next)
}

func TestOffsetPolicy(t *testing.T) {
	long := OffsetPolicy{Direction: models.Long, TakeProfitPct: 0.01, ReentryPct: 0.02}

	next := long.Next(models.FillRecord{Slot: 1, Side: models.Buy, FillPrice: 100, FillQuantity: 1})
	assert.Equal(t, models.Sell, next.Side)
	assert.InDelta(t, 101, next.Price, 1e-9)

	next = long.Next(models.FillRecord{Slot: 1, Side: models.Sell, FillPrice: 100, FillQuantity: 1})
	assert.Equal(t, models.Buy, next.Side)
	assert.InDelta(t, 98, next.Price, 1e-9)

	short := OffsetPolicy{Direction: models.Short, TakeProfitPct: 0.01, ReentryPct: 0.02}
	next = short.Next(models.FillRecord{Slot: 1, Side: models.Sell, FillPrice: 100, FillQuantity: 1})
	assert.Equal(t, models.Buy, next.Side)
	assert.InDelta(t, 99, next.Price, 1e-9)

	next = short.Next(models.FillRecord{Slot: 1, Side: models.Buy, FillPrice: 100, FillQuantity: 1})
	assert.Equal(t, models.Sell, next.Side)
	assert.InDelta(t, 102, next.Price, 1e-9)
}
