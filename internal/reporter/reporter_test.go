package reporter

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/models"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
)

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Zero(t, calculateMaxDrawdown(nil))
	assert.InDelta(t, 0.5, calculateMaxDrawdown([]float64{100, 200, 100, 150}), 1e-9)
	assert.Zero(t, calculateMaxDrawdown([]float64{1, 2, 3}))
}

func TestCalculateMetrics(t *testing.T) {
	m := CalculateMetrics(BacktestInput{
		InitialBalance: 1000,
		FinalEquity:    1100,
		EquityCurve:    []float64{1000, 1050, 1000, 1100},
		TotalFees:      1.5,
		GridProfit:     90,
		Fills: []exchange.SimFill{
			{Side: models.Buy},
			{Side: models.Sell, RealizedPnl: 30},
			{Side: models.Buy},
			{Side: models.Sell, RealizedPnl: 30},
			{Side: models.Sell, RealizedPnl: -20},
		},
	})

	assert.Equal(t, 100.0, m.TotalProfit)
	assert.Equal(t, 10.0, m.ProfitPercentage)
	assert.Equal(t, 5, m.TotalTrades)
	assert.Equal(t, 2, m.BuyTrades)
	assert.Equal(t, 3, m.SellTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 66.666, m.WinRate, 0.01)
	assert.InDelta(t, 1.5, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 4.7619, m.MaxDrawdown, 1e-3)
}

func TestRenderers(t *testing.T) {
	text.DisableColors()
	defer text.EnableColors()

	var buf bytes.Buffer
	RenderStatus(&buf, []models.BotStatus{
		{BotID: "a", Symbol: "BTCUSDT", State: models.EngineRunning, ActiveOrderCount: 5, Capital: 1000, RealizedProfit: 1.5, PositionSize: -0.012},
		{BotID: "b", Symbol: "ETHUSDT", State: models.EngineStopping, LastError: "cancel all orders: timeout"},
	})
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "cancel all orders: timeout")
	assert.Contains(t, out, "1.5000")
	assert.Contains(t, out, "-0.012")

	buf.Reset()
	RenderStates(&buf, []models.BotState{{
		BotID: "a", RunID: "r1", Symbol: "BTCUSDT", State: models.EngineStopped,
		Levels:         []models.PriceLevel{{Price: 20000}, {Index: 1, Price: 25000}},
		Positions:      []models.Position{{Symbol: "BTCUSDT", Side: "LONG", Size: 0.01, EntryPrice: 21250}},
		LastUpdateTime: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, buf.String(), "20000 - 25000 (2)")
	assert.Contains(t, buf.String(), "2024-05-01T00:00:00Z")
	assert.Contains(t, buf.String(), "LONG 0.01 @ 21250")

	buf.Reset()
	in := BacktestInput{
		Symbol: "BTCUSDT", DataPath: "data/x.csv", InitialBalance: 1000, FinalEquity: 1010,
		FinalState:  models.EngineRunning,
		DailyEquity: map[string]float64{"2024-05-02": 1010, "2024-05-01": 1020},
	}
	RenderBacktest(&buf, in, CalculateMetrics(in))
	out = buf.String()
	assert.Contains(t, out, "10.00 USDT")
	assert.Contains(t, out, "data/x.csv")
	assert.Contains(t, out, "2.00%")
	assert.Contains(t, out, "-0.98%")
	assert.Less(t, strings.Index(out, "2024-05-01"), strings.Index(out, "2024-05-02"))
}
