package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBinance(t *testing.T, handler http.HandlerFunc) (*BinanceExchange, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBinanceExchange("key", "secret", false, zap.NewNop(), WithBaseURL(srv.URL)), srv
}

func TestBinance_GetTicker(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/ticker/price":
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"20000.50"}]`))
		case "/fapi/v1/ticker/bookTicker":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","bidPrice":"20000.40","bidQty":"1","askPrice":"20000.60","askQty":"1"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	ticker, err := ex.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 20000.5, ticker.Last)
	assert.Equal(t, 20000.4, ticker.Bid)
	assert.Equal(t, 20000.6, ticker.Ask)
}

func TestBinance_InvalidSymbolIsRejected(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := ex.GetTicker(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestBinance_ServerBusyIsTransport(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":-1008,"msg":"Server is currently overloaded."}`))
	})

	err := ex.CancelAllOpenOrders(context.Background(), "BTCUSDT")
	assert.Equal(t, KindTransport, Classify(err))
}

func TestBinance_UnreachableIsTransport(t *testing.T) {
	ex, srv := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestBinance_GetSymbolInfo(t *testing.T) {
	calls := 0
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"556.80","maxPrice":"4529764"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`))
	})

	info, err := ex.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, info.Filters, 3)
	assert.Equal(t, "0.10", info.Filters[0].TickSize)
	assert.Equal(t, "0.001", info.Filters[1].StepSize)
	assert.Equal(t, "100", info.Filters[2].MinNotional)

	_, err = ex.GetSymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "exchange info is cached")

	_, err = ex.GetSymbolInfo(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestBinance_PlaceOrder(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "BUY", r.FormValue("side"))
		assert.Equal(t, "LIMIT", r.FormValue("type"))
		assert.Equal(t, "GTC", r.FormValue("timeInForce"))
		assert.Equal(t, "0.005", r.FormValue("quantity"))
		assert.Equal(t, "20000.5", r.FormValue("price"))
		assert.Equal(t, "bot1-abc", r.FormValue("newClientOrderId"))
		_, _ = w.Write([]byte(`{"orderId":42,"clientOrderId":"bot1-abc","status":"NEW","symbol":"BTCUSDT"}`))
	})

	ack, err := ex.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, 0.005, 20000.5, "bot1-abc")
	require.NoError(t, err)
	assert.Equal(t, "42", ack.ExchangeOrderID)
	assert.Equal(t, "bot1-abc", ack.ClientOrderID)
	assert.Equal(t, models.ExchangeStatusNew, ack.Status)
}

func TestBinance_DuplicateClientIDIsRejected(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4116,"msg":"ClientOrderId is duplicated."}`))
	})

	_, err := ex.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, 0.005, 20000.5, "bot1-abc")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestBinance_GetOrderStatus(t *testing.T) {
	ex, _ := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("orderId"))
		_, _ = w.Write([]byte(`{"orderId":7,"status":"FILLED","avgPrice":"19999.9","executedQty":"0.010"}`))
	})

	report, err := ex.GetOrderStatus(context.Background(), "BTCUSDT", "7")
	require.NoError(t, err)
	assert.Equal(t, models.ExchangeStatusFilled, report.Status)
	assert.Equal(t, 19999.9, report.AvgPrice)
	assert.Equal(t, 0.01, report.ExecutedQty)

	_, err = ex.GetOrderStatus(context.Background(), "BTCUSDT", "not-a-number")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
