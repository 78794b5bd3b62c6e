package backtest

import (
	"context"
	"errors"
	"fmt"

	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/reconciler"
	"gridbot/internal/reporter"

	"go.uber.org/zap"
)

// Result 是一次回测的输出
type Result struct {
	Input    reporter.BacktestInput
	Metrics  *reporter.Metrics
	Start    *engine.StartResult
	Final    models.BotState // Stop 之后的引擎快照
	TickErrs int
}

// Runner 在 SimExchange 上逐根 K 线回放网格引擎
type Runner struct {
	cfg    models.BacktestConfig
	logger *zap.Logger
}

func NewRunner(cfg models.BacktestConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run 用第一根 K 线启动引擎, 之后每根 K 线先撮合再调用一次 Tick, 最后停止引擎并计算指标.
// 初始资金未配置时使用 bot 的资金.
func (r *Runner) Run(ctx context.Context, bot models.BotConfig, klines []models.Kline) (*Result, error) {
	if len(klines) == 0 {
		return nil, errors.New("backtest needs at least one kline")
	}
	if err := bot.Validate(); err != nil {
		return nil, err
	}

	balance := r.cfg.InitialBalance
	if balance <= 0 {
		balance = bot.Capital
	}
	sim := exchange.NewSimExchange(exchange.SimConfig{
		Symbol:         bot.Symbol,
		InitialBalance: balance,
		MakerFeeRate:   r.cfg.MakerFeeRate,
		SlippageRate:   r.cfg.SlippageRate,
		TickSize:       r.cfg.TickSize,
		StepSize:       r.cfg.StepSize,
		MinNotional:    r.cfg.MinNotional,
	}, r.logger)
	sim.SetPrice(klines[0])

	log := r.logger.With(zap.String("bot_id", bot.ID), zap.String("symbol", bot.Symbol))
	cfg := engine.ConfigFromBot(bot, 0)
	cfg.Now = sim.CurrentTime
	cfg.OnEvent = func(ev reconciler.Event) {
		if ev.Kind == reconciler.FillDetected {
			log.Debug("回测成交", zap.Int("slot", ev.Order.Slot), zap.String("side", string(ev.Order.Side)), zap.Time("at", sim.CurrentTime()))
		}
	}
	eng := engine.New(sim, cfg, r.logger)

	started, err := eng.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	log.Info("回测开始",
		zap.Int("klines", len(klines)),
		zap.Int("orders_placed", started.OrdersPlaced),
		zap.Float64("initial_balance", balance))

	res := &Result{Start: started}
	for i, k := range klines[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim.SetPrice(k)
		if err := eng.Tick(ctx); err != nil {
			res.TickErrs++
			log.Warn("回测 tick 失败", zap.Int("kline", i+1), zap.Error(err))
			if eng.State() == models.EngineFailed {
				break
			}
		}
	}

	// 停止前记录引擎状态和挂单数
	status := eng.Status()
	if err := eng.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stop engine: %w", err)
	}
	res.Final = eng.Snapshot()

	res.Input = reporter.BacktestInput{
		Symbol:         bot.Symbol,
		StartTime:      klines[0].OpenTime,
		EndTime:        klines[len(klines)-1].OpenTime,
		InitialBalance: balance,
		FinalEquity:    sim.Equity(),
		EquityCurve:    sim.EquityCurve(),
		DailyEquity:    sim.DailyEquity(),
		TotalFees:      sim.TotalFees(),
		Fills:          sim.Fills(),
		GridProfit:     eng.CalculateProfit(),
		FinalState:     status.State,
		ActiveOrders:   status.ActiveOrderCount,
	}
	res.Metrics = reporter.CalculateMetrics(res.Input)
	log.Info("回测结束",
		zap.Int("fills", len(res.Input.Fills)),
		zap.Float64("grid_profit", res.Input.GridProfit),
		zap.Float64("final_equity", res.Input.FinalEquity))
	return res, nil
}
