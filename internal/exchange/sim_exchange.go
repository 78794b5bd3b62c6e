package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gridbot/internal/models"

	"go.uber.org/zap"
)

// SimConfig 回测交易所参数
type SimConfig struct {
	Symbol         string
	InitialBalance float64
	MakerFeeRate   float64 // 挂单手续费率
	SlippageRate   float64 // 滑点率
	TickSize       string
	StepSize       string
	MinNotional    float64
}

// SimFill 是模拟成交记录
type SimFill struct {
	ExchangeOrderID string
	Side            models.Side
	LimitPrice      float64
	ExecPrice       float64
	Quantity        float64
	Fee             float64
	RealizedPnl     float64
	Time            time.Time
}

type simOrder struct {
	seq    int64
	open   models.OpenOrder
	report models.OrderReport
}

// SimExchange 实现了 Exchange 接口，用于模拟交易所行为以进行回测。
// 限价单按 K 线 O->L->H->C 的路径撮合。
type SimExchange struct {
	cfg    SimConfig
	logger *zap.Logger

	mu           sync.Mutex
	cash         float64
	position     float64 // 带符号: >0 多仓, <0 空仓
	avgEntry     float64
	totalFees    float64
	leverage     int
	currentPrice float64
	currentTime  time.Time
	orders       map[string]*simOrder
	nextOrderID  int64
	fills        []SimFill
	equityCurve  []float64
	dailyEquity  map[string]float64 // 每日收盘权益
}

// NewSimExchange 创建一个新的 SimExchange 实例。
func NewSimExchange(cfg SimConfig, logger *zap.Logger) *SimExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickSize == "" {
		cfg.TickSize = "0.01"
	}
	if cfg.StepSize == "" {
		cfg.StepSize = "0.001"
	}
	return &SimExchange{
		cfg:         cfg,
		logger:      logger,
		cash:        cfg.InitialBalance,
		leverage:    1,
		orders:      make(map[string]*simOrder),
		nextOrderID: 1,
		equityCurve: make([]float64, 0, 10000),
		dailyEquity: make(map[string]float64),
	}
}

// SetPrice 是回测的核心，模拟价格变动并触发订单成交检查。
func (e *SimExchange) SetPrice(k models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTime = k.OpenTime
	if e.currentPrice == 0 {
		e.currentPrice = k.Open
	}
	for _, p := range []float64{k.Open, k.Low, k.High, k.Close} {
		e.matchAt(p)
	}
	e.currentPrice = k.Close
	e.recordEquity()
}

// matchAt 撮合所有在 price 可以成交的挂单。必须在持有锁的情况下调用。
func (e *SimExchange) matchAt(price float64) {
	ids := make([]string, 0, len(e.orders))
	for id, o := range e.orders {
		if o.report.Status == models.ExchangeStatusNew {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return e.orders[ids[i]].seq < e.orders[ids[j]].seq })

	for _, id := range ids {
		o := e.orders[id]
		limit := o.open.Price
		if (o.open.Side == models.Buy && price <= limit) || (o.open.Side == models.Sell && price >= limit) {
			e.fill(o)
		}
	}
}

// fill 处理一个已成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *SimExchange) fill(o *simOrder) {
	limit, qty := o.open.Price, o.open.Quantity
	exec := limit * (1 + e.cfg.SlippageRate)
	if o.open.Side == models.Sell {
		exec = limit * (1 - e.cfg.SlippageRate)
	}
	fee := exec * qty * e.cfg.MakerFeeRate
	e.totalFees += fee
	e.cash -= fee

	signed := qty
	if o.open.Side == models.Sell {
		signed = -qty
	}
	realized := e.applyToPosition(signed, exec)
	e.cash += realized

	o.report.Status = models.ExchangeStatusFilled
	o.report.AvgPrice = exec
	o.report.ExecutedQty = qty
	o.open.Status = models.ExchangeStatusFilled

	e.fills = append(e.fills, SimFill{
		ExchangeOrderID: o.report.ExchangeOrderID,
		Side:            o.open.Side,
		LimitPrice:      limit,
		ExecPrice:       exec,
		Quantity:        qty,
		Fee:             fee,
		RealizedPnl:     realized,
		Time:            e.currentTime,
	})
	e.logger.Debug("[回测] 订单成交",
		zap.String("order_id", o.report.ExchangeOrderID),
		zap.String("side", string(o.open.Side)),
		zap.Float64("price", exec),
		zap.Float64("quantity", qty),
		zap.Float64("position", e.position),
		zap.Float64("cash", e.cash))
}

// applyToPosition 按均价法更新净持仓, 返回本次平仓的已实现盈亏。
func (e *SimExchange) applyToPosition(signedQty, price float64) float64 {
	const eps = 1e-12
	var realized float64
	if e.position*signedQty < 0 {
		closing := signedQty
		if abs(closing) > abs(e.position) {
			closing = -e.position
		}
		// 平多: (price-avg)*qty; 平空: (avg-price)*qty
		realized = (price - e.avgEntry) * -closing
		e.position += closing
		signedQty -= closing
		if abs(e.position) < eps {
			e.position, e.avgEntry = 0, 0
		}
	}
	if abs(signedQty) > eps {
		total := e.position + signedQty
		e.avgEntry = (e.avgEntry*abs(e.position) + price*abs(signedQty)) / abs(total)
		e.position = total
	}
	return realized
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// recordEquity 计算并记录当前权益。必须在持有锁的情况下调用。
func (e *SimExchange) recordEquity() {
	equity := e.equityLocked()
	e.equityCurve = append(e.equityCurve, equity)
	e.dailyEquity[e.currentTime.Format("2006-01-02")] = equity
}

func (e *SimExchange) equityLocked() float64 {
	return e.cash + e.position*(e.currentPrice-e.avgEntry)
}

// --- Exchange 接口实现 ---

func (e *SimExchange) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	if err := e.checkSymbol("get ticker", symbol); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.Ticker{Symbol: symbol, Last: e.currentPrice, Bid: e.currentPrice, Ask: e.currentPrice}, nil
}

// GetSymbolInfo 为回测提供模拟的交易规则, 避免网络调用
func (e *SimExchange) GetSymbolInfo(_ context.Context, symbol string) (*models.SymbolInfo, error) {
	if err := e.checkSymbol("get symbol info", symbol); err != nil {
		return nil, err
	}
	return &models.SymbolInfo{
		Symbol: symbol,
		Filters: []models.Filter{
			{FilterType: "PRICE_FILTER", TickSize: e.cfg.TickSize, MinPrice: e.cfg.TickSize},
			{FilterType: "LOT_SIZE", StepSize: e.cfg.StepSize, MinQty: e.cfg.StepSize},
			{FilterType: "MIN_NOTIONAL", MinNotional: strconv.FormatFloat(e.cfg.MinNotional, 'f', -1, 64)},
		},
	}, nil
}

func (e *SimExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if err := e.checkSymbol("set leverage", symbol); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage = leverage
	return nil
}

func (e *SimExchange) PlaceOrder(_ context.Context, symbol string, side models.Side, quantity, price float64, clientOrderID string) (*models.OrderAck, error) {
	if err := e.checkSymbol("place order", symbol); err != nil {
		return nil, err
	}
	if quantity <= 0 || price <= 0 {
		return nil, &RejectedError{Op: "place order", Code: -1013, Reason: "invalid quantity or price"}
	}
	if e.cfg.MinNotional > 0 && quantity*price < e.cfg.MinNotional {
		return nil, &RejectedError{Op: "place order", Code: -4164,
			Reason: fmt.Sprintf("order notional %.4f below %.4f", quantity*price, e.cfg.MinNotional)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := strconv.FormatInt(e.nextOrderID, 10)
	o := &simOrder{
		seq: e.nextOrderID,
		open: models.OpenOrder{
			ExchangeOrderID: id,
			ClientOrderID:   clientOrderID,
			Side:            side,
			Quantity:        quantity,
			Price:           price,
			Status:          models.ExchangeStatusNew,
		},
		report: models.OrderReport{ExchangeOrderID: id, Status: models.ExchangeStatusNew},
	}
	e.orders[id] = o
	e.nextOrderID++
	return &models.OrderAck{ExchangeOrderID: id, ClientOrderID: clientOrderID, Status: models.ExchangeStatusNew}, nil
}

func (e *SimExchange) CancelOrder(_ context.Context, symbol, exchangeOrderID string) error {
	if err := e.checkSymbol("cancel order", symbol); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.report.Status != models.ExchangeStatusNew {
		return &RejectedError{Op: "cancel order", Code: codeNoSuchOrder, Reason: "unknown order", Err: ErrOrderNotFound}
	}
	o.report.Status = models.ExchangeStatusCanceled
	o.open.Status = models.ExchangeStatusCanceled
	return nil
}

func (e *SimExchange) CancelAllOpenOrders(_ context.Context, symbol string) error {
	if err := e.checkSymbol("cancel all orders", symbol); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.report.Status == models.ExchangeStatusNew {
			o.report.Status = models.ExchangeStatusCanceled
			o.open.Status = models.ExchangeStatusCanceled
		}
	}
	return nil
}

func (e *SimExchange) GetOpenOrders(_ context.Context, symbol string) ([]models.OpenOrder, error) {
	if err := e.checkSymbol("get open orders", symbol); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	open := make([]models.OpenOrder, 0)
	for _, o := range e.orders {
		if o.report.Status == models.ExchangeStatusNew {
			open = append(open, o.open)
		}
	}
	sort.Slice(open, func(i, j int) bool { return e.orders[open[i].ExchangeOrderID].seq < e.orders[open[j].ExchangeOrderID].seq })
	return open, nil
}

func (e *SimExchange) GetOrderStatus(_ context.Context, symbol, exchangeOrderID string) (*models.OrderReport, error) {
	if err := e.checkSymbol("get order status", symbol); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, &RejectedError{Op: "get order status", Code: codeNoSuchOrder, Reason: "unknown order", Err: ErrOrderNotFound}
	}
	report := o.report
	return &report, nil
}

func (e *SimExchange) GetPositions(_ context.Context, symbol string) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == 0 {
		return nil, nil
	}
	side := "LONG"
	if e.position < 0 {
		side = "SHORT"
	}
	return []models.Position{{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Size:          abs(e.position),
		EntryPrice:    e.avgEntry,
		UnrealizedPnl: e.position * (e.currentPrice - e.avgEntry),
	}}, nil
}

func (e *SimExchange) checkSymbol(op, symbol string) error {
	if symbol != e.cfg.Symbol {
		return &RejectedError{Op: op, Code: codeInvalidSymbol, Reason: "Invalid symbol " + symbol, Err: ErrSymbolNotFound}
	}
	return nil
}

// --- 回测统计 ---

// Equity 返回当前账户权益 (现金 + 未实现盈亏)。
func (e *SimExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

func (e *SimExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

func (e *SimExchange) Fills() []SimFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SimFill(nil), e.fills...)
}

func (e *SimExchange) EquityCurve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.equityCurve...)
}

// DailyEquity 返回每日权益的只读副本
func (e *SimExchange) DailyEquity() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make(map[string]float64, len(e.dailyEquity))
	for k, v := range e.dailyEquity {
		cpy[k] = v
	}
	return cpy
}

func (e *SimExchange) CurrentTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTime
}
