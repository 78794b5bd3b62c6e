package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// BacktestInput 是生成回测报告所需的原始数据
type BacktestInput struct {
	Symbol         string
	DataPath       string
	StartTime      time.Time
	EndTime        time.Time
	InitialBalance float64
	FinalEquity    float64
	EquityCurve    []float64
	DailyEquity    map[string]float64 // 日期 (2006-01-02) -> 当日收盘权益
	TotalFees      float64
	Fills          []exchange.SimFill
	GridProfit     float64 // 引擎账本中已配对的利润
	FinalState     models.EngineState
	ActiveOrders   int
}

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	GridProfit       float64
	TotalTrades      int
	BuyTrades        int
	SellTrades       int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	TotalFees        float64
}

// CalculateMetrics 计算回测指标. 盈亏次数按平仓成交的已实现盈亏统计.
func CalculateMetrics(in BacktestInput) *Metrics {
	m := &Metrics{
		InitialBalance: in.InitialBalance,
		FinalBalance:   in.FinalEquity,
		GridProfit:     in.GridProfit,
		TotalTrades:    len(in.Fills),
		TotalFees:      in.TotalFees,
	}

	var totalProfit, totalLoss float64
	for _, f := range in.Fills {
		if f.Side == models.Buy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
		switch {
		case f.RealizedPnl > 0:
			m.WinningTrades++
			totalProfit += f.RealizedPnl
		case f.RealizedPnl < 0:
			m.LosingTrades++
			totalLoss += f.RealizedPnl
		}
	}

	if closed := m.WinningTrades + m.LosingTrades; closed > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closed) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(in.EquityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderBacktest 打印回测结果报告
func RenderBacktest(w io.Writer, in BacktestInput, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", in.DataPath},
		{"交易对", in.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", in.StartTime.Format("2006-01-02 15:04"), in.EndTime.Format("2006-01-02 15:04"))},
		{"引擎状态", fmt.Sprintf("%s (%d 个挂单)", in.FinalState, in.ActiveOrders)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", usdt(m.InitialBalance)},
		{"最终权益", usdt(m.FinalBalance)},
		{"总利润", usdt(m.TotalProfit)},
		{"收益率", pct(m.ProfitPercentage)},
		{"网格配对利润", usdt(m.GridProfit)},
		{"手续费", usdt(m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总成交次数", fmt.Sprintf("%d (买 %d / 卖 %d)", m.TotalTrades, m.BuyTrades, m.SellTrades)},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", pct(m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", pct(m.MaxDrawdown)},
	})
	t.Render()

	if len(in.DailyEquity) > 0 {
		renderDaily(w, in.InitialBalance, in.DailyEquity)
	}
}

// renderDaily 按日期打印每日收盘权益和日收益率
func renderDaily(w io.Writer, initial float64, daily map[string]float64) {
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"日期", "权益", "日收益率"})
	prev := initial
	for _, d := range days {
		eq := daily[d]
		ret := 0.0
		if prev != 0 {
			ret = (eq - prev) / prev * 100
		}
		t.AppendRow(table.Row{d, fmt.Sprintf("%.2f", eq), pct(ret)})
		prev = eq
	}
	t.Render()
}

// RenderStatus 打印运行中 bot 的状态表
func RenderStatus(w io.Writer, statuses []models.BotStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "State", "Orders", "Capital", "Fills", "Profit", "Position", "Last error"})
	var profit float64
	for _, s := range statuses {
		t.AppendRow(table.Row{s.BotID, s.Symbol, colorState(s.State), s.ActiveOrderCount,
			fmt.Sprintf("%.2f", s.Capital), s.FillCount, fmt.Sprintf("%.4f", s.RealizedProfit),
			fmt.Sprintf("%g", s.PositionSize), s.LastError})
		profit += s.RealizedProfit
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", fmt.Sprintf("%.4f", profit), "", ""})
	t.Render()
}

// RenderStates 打印持久化的 bot 状态
func RenderStates(w io.Writer, states []models.BotState) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Run", "Symbol", "State", "Range", "Orders", "Fills", "Profit", "Positions", "Updated"})
	for _, s := range states {
		rng := "-"
		if n := len(s.Levels); n > 0 {
			rng = fmt.Sprintf("%g - %g (%d)", s.Levels[0].Price, s.Levels[n-1].Price, n)
		}
		t.AppendRow(table.Row{s.BotID, s.RunID, s.Symbol, colorState(s.State), rng,
			len(s.ActiveOrders), len(s.Fills), fmt.Sprintf("%.4f", s.RealizedProfit),
			formatPositions(s.Positions), s.LastUpdateTime.Format(time.RFC3339)})
	}
	t.Render()
}

func formatPositions(positions []models.Position) string {
	if len(positions) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(positions))
	for _, p := range positions {
		parts = append(parts, fmt.Sprintf("%s %g @ %g", p.Side, p.Size, p.EntryPrice))
	}
	return strings.Join(parts, ", ")
}

func colorState(s models.EngineState) string {
	switch s {
	case models.EngineRunning:
		return text.FgGreen.Sprint(s)
	case models.EngineFailed:
		return text.FgRed.Sprint(s)
	case models.EngineStopping:
		return text.FgYellow.Sprint(s)
	}
	return string(s)
}

func usdt(v float64) string { return fmt.Sprintf("%.2f USDT", v) }

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v) }
