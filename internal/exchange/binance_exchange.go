package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gridbot/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const binanceFuturesTestnetURL = "https://testnet.binancefuture.com"

// Binance 错误码
const (
	codeUnknown           = -1000
	codeDisconnected      = -1001
	codeTooManyRequests   = -1003
	codeUnexpectedResp    = -1006
	codeTimeout           = -1007
	codeServerBusy        = -1008
	codeInvalidSymbol     = -1121
	codeCancelRejected    = -2011
	codeNoSuchOrder       = -2013
	codeLeverageUnchanged = -4028
	codeDuplicateClientID = -4116
)

// BinanceExchange 通过 go-binance 的 USDⓈ-M 合约客户端实现 Exchange 接口。
type BinanceExchange struct {
	client *futures.Client
	logger *zap.Logger

	mu      sync.Mutex
	symbols map[string]*models.SymbolInfo // exchangeInfo 缓存
}

// BinanceOption 用于定制客户端 (测试时替换 BaseURL)。
type BinanceOption func(*futures.Client)

// WithBaseURL 覆盖 REST 地址。
func WithBaseURL(url string) BinanceOption {
	return func(c *futures.Client) { c.BaseURL = url }
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
func NewBinanceExchange(apiKey, secretKey string, testnet bool, logger *zap.Logger, opts ...BinanceOption) *BinanceExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := futures.NewClient(apiKey, secretKey)
	if testnet {
		client.BaseURL = binanceFuturesTestnetURL
	}
	for _, opt := range opts {
		opt(client)
	}
	return &BinanceExchange{
		client:  client,
		logger:  logger,
		symbols: make(map[string]*models.SymbolInfo),
	}
}

// SyncTime 与币安服务器同步时间，计算时间偏移。
func (e *BinanceExchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return e.wrap("sync time", err)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// wrap 把 go-binance 的错误归类为 TransportError 或 RejectedError。
func (e *BinanceExchange) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &TransportError{Op: op, Err: err}
	}
	switch apiErr.Code {
	case codeUnknown, codeDisconnected, codeTooManyRequests, codeUnexpectedResp, codeTimeout, codeServerBusy:
		return &TransportError{Op: op, Err: err}
	case codeInvalidSymbol:
		return &RejectedError{Op: op, Code: apiErr.Code, Reason: apiErr.Message, Err: ErrSymbolNotFound}
	case codeCancelRejected, codeNoSuchOrder:
		return &RejectedError{Op: op, Code: apiErr.Code, Reason: apiErr.Message, Err: ErrOrderNotFound}
	case codeDuplicateClientID:
		return &RejectedError{Op: op, Code: apiErr.Code, Reason: apiErr.Message, Err: ErrDuplicateOrder}
	}
	return &RejectedError{Op: op, Code: apiErr.Code, Reason: apiErr.Message}
}

// GetTicker 获取最新价与盘口买一卖一。
func (e *BinanceExchange) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, e.wrap("get ticker", err)
	}
	if len(prices) == 0 {
		return nil, &RejectedError{Op: "get ticker", Code: codeInvalidSymbol, Reason: "empty price list", Err: ErrSymbolNotFound}
	}
	last, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	ticker := &models.Ticker{Symbol: symbol, Last: last, Bid: last, Ask: last}

	books, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		// 盘口只是补充信息, 拿不到就用最新价
		e.logger.Debug("获取盘口失败, 使用最新价代替", zap.String("symbol", symbol), zap.Error(err))
		return ticker, nil
	}
	if len(books) > 0 {
		if bid, err := strconv.ParseFloat(books[0].BidPrice, 64); err == nil {
			ticker.Bid = bid
		}
		if ask, err := strconv.ParseFloat(books[0].AskPrice, 64); err == nil {
			ticker.Ask = ask
		}
	}
	return ticker, nil
}

// GetSymbolInfo 获取交易对的交易规则
func (e *BinanceExchange) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	e.mu.Lock()
	if info, ok := e.symbols[symbol]; ok {
		e.mu.Unlock()
		return info, nil
	}
	e.mu.Unlock()

	exchangeInfo, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, e.wrap("get symbol info", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range exchangeInfo.Symbols {
		info := &models.SymbolInfo{Symbol: s.Symbol}
		for _, raw := range s.Filters {
			info.Filters = append(info.Filters, models.Filter{
				FilterType:  filterField(raw, "filterType"),
				TickSize:    filterField(raw, "tickSize"),
				MinPrice:    filterField(raw, "minPrice"),
				StepSize:    filterField(raw, "stepSize"),
				MinQty:      filterField(raw, "minQty"),
				MaxQty:      filterField(raw, "maxQty"),
				MinNotional: firstNonEmpty(filterField(raw, "notional"), filterField(raw, "minNotional")),
			})
		}
		e.symbols[s.Symbol] = info
	}
	if info, ok := e.symbols[symbol]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("未找到交易对 %s 的信息: %w", symbol, ErrSymbolNotFound)
}

func filterField(raw map[string]interface{}, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SetLeverage 设置杠杆。
func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeLeverageUnchanged {
			e.logger.Info("杠杆无需更改，已是目标值。", zap.String("symbol", symbol), zap.Int("leverage", leverage))
			return nil
		}
		return e.wrap("set leverage", err)
	}
	return nil
}

// PlaceOrder 下 GTC 限价单。价格和数量应已按交易规则取整。
func (e *BinanceExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, quantity, price float64, clientOrderID string) (*models.OrderAck, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		Price(strconv.FormatFloat(price, 'f', -1, 64))
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		err = e.wrap("place order", err)
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Float64("price", price),
			zap.Float64("quantity", quantity),
			zap.Error(err))
		return nil, err
	}
	return &models.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Status:          string(resp.Status),
	}, nil
}

// CancelOrder 取消订单。
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", exchangeOrderID, ErrOrderNotFound)
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return e.wrap("cancel order", err)
}

// CancelAllOpenOrders 取消所有挂单。
func (e *BinanceExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return e.wrap("cancel all orders", e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

// GetOpenOrders 获取所有挂单
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, e.wrap("get open orders", err)
	}
	open := make([]models.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		open = append(open, models.OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientOrderID:   o.ClientOrderID,
			Side:            models.Side(o.Side),
			Quantity:        qty,
			Price:           price,
			Status:          string(o.Status),
		})
	}
	return open, nil
}

// GetOrderStatus 获取订单状态。
func (e *BinanceExchange) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*models.OrderReport, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", exchangeOrderID, ErrOrderNotFound)
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, e.wrap("get order status", err)
	}
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	return &models.OrderReport{
		ExchangeOrderID: exchangeOrderID,
		Status:          string(o.Status),
		AvgPrice:        avg,
		ExecutedQty:     executed,
	}, nil
}

// GetPositions 获取指定交易对的持仓信息, 过滤掉没有持仓的条目。
func (e *BinanceExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	svc := e.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, e.wrap("get positions", err)
	}

	var positions []models.Position
	for _, p := range risks {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		side := p.PositionSide
		if side == "" || side == "BOTH" {
			side = "LONG"
			if amt < 0 {
				side = "SHORT"
			}
		}
		if amt < 0 {
			amt = -amt
		}
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    entry,
			UnrealizedPnl: pnl,
		})
	}
	return positions, nil
}
