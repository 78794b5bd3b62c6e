package backtest

import (
	"context"
	"testing"
	"time"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func kline(min int, o, h, l, c float64) models.Kline {
	return models.Kline{
		OpenTime: time.Date(2024, 5, 1, 0, min, 0, 0, time.UTC),
		Open:     o, High: h, Low: l, Close: c,
	}
}

func testBot() models.BotConfig {
	return models.BotConfig{
		ID:         "bt",
		Symbol:     "BTCUSDT",
		LowerPrice: 20000,
		UpperPrice: 25000,
		GridCount:  5,
		Capital:    1000,
		Leverage:   1,
	}
}

func testRunner() *Runner {
	return NewRunner(models.BacktestConfig{TickSize: "0.5", StepSize: "0.001"}, zap.NewNop())
}

func TestRun_OscillationProducesFills(t *testing.T) {
	klines := []models.Kline{
		kline(0, 22000, 22000, 22000, 22000),
		kline(1, 22000, 22000, 21000, 21500), // 21250 的买单成交, 补 21675 卖单
		kline(2, 21500, 23000, 21500, 22800), // 21675 和 22500 的卖单成交
		kline(3, 22800, 22900, 21100, 21200),
		kline(4, 21200, 23000, 21200, 22900),
	}

	bot := testBot()
	bot.Direction = models.Long
	bot.Replacement = models.ReplacementOffset
	bot.TakeProfit = 0.02
	bot.Reentry = 0.02

	res, err := testRunner().Run(context.Background(), bot, klines)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Start.OrdersPlaced)
	assert.Zero(t, res.TickErrs)
	assert.GreaterOrEqual(t, len(res.Input.Fills), 2)
	assert.Equal(t, len(res.Input.Fills), res.Metrics.TotalTrades)
	assert.Greater(t, res.Input.GridProfit, 0.0)
	assert.Equal(t, models.EngineRunning, res.Input.FinalState)
	assert.Equal(t, models.EngineStopped, res.Final.State)
	assert.Empty(t, res.Final.ActiveOrders)
	assert.Len(t, res.Input.EquityCurve, len(klines))
	assert.Len(t, res.Input.DailyEquity, 1)
	assert.Equal(t, 1000.0, res.Input.InitialBalance)
	assert.Equal(t, klines[4].OpenTime, res.Input.EndTime)
}

func TestRun_Errors(t *testing.T) {
	_, err := testRunner().Run(context.Background(), testBot(), nil)
	assert.Error(t, err)

	bad := testBot()
	bad.GridCount = 1
	_, err = testRunner().Run(context.Background(), bad, []models.Kline{kline(0, 1, 1, 1, 1)})
	assert.Error(t, err)

	poor := testBot()
	poor.Capital = 0.01
	strict := NewRunner(models.BacktestConfig{TickSize: "0.5", StepSize: "0.001", MinNotional: 5}, zap.NewNop())
	_, err = strict.Run(context.Background(), poor, []models.Kline{kline(0, 22000, 22000, 22000, 22000)})
	assert.ErrorContains(t, err, "start engine")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = testRunner().Run(ctx, testBot(), []models.Kline{
		kline(0, 22000, 22000, 22000, 22000),
		kline(1, 22000, 22000, 22000, 22000),
	})
	assert.ErrorIs(t, err, context.Canceled)
}
