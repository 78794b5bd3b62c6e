package exchange

import (
	"context"

	"gridbot/internal/models"
)

// Exchange 定义了网格引擎需要的交易所操作。
// 实盘 (Binance) 与回测 (SimExchange) 都实现此接口, 所有调用都接受 ctx 以便设置超时。
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, symbol string, side models.Side, quantity, price float64, clientOrderID string) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
}

// OrderStatusQuerier 是可选能力: 能按订单ID查询最终状态的交易所,
// 对账时可以区分"成交"与"被外部撤单"。
type OrderStatusQuerier interface {
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*models.OrderReport, error)
}
