package models

import "time"

// EngineState 是网格引擎的生命周期状态
type EngineState string

const (
	EngineCreated      EngineState = "CREATED"
	EngineInitializing EngineState = "INITIALIZING"
	EngineRunning      EngineState = "RUNNING"
	EngineStopping     EngineState = "STOPPING"
	EngineStopped      EngineState = "STOPPED"
	EngineFailed       EngineState = "FAILED"
)

// BotState 定义了需要持久化的所有关键数据
type BotState struct {
	BotID          string         `json:"bot_id"`           // Bot的唯一标识符
	RunID          string         `json:"run_id"`           // 本次启动的ID
	Symbol         string         `json:"symbol"`           // 交易对, e.g., "BNBUSDT"
	Version        int            `json:"version"`          // 状态模型的版本号，用于未来迁移
	Spec           GridSpec       `json:"spec"`             // 启动时的网格参数 (生命周期内不变)
	Levels         []PriceLevel   `json:"levels"`           // 网格价格档位
	State          EngineState    `json:"state"`            // 引擎状态
	ActiveOrders   []TrackedOrder `json:"active_orders"`    // 活动订单, 按 slot 升序
	Fills          []FillRecord   `json:"fills"`            // 成交记录 (只追加)
	AllocatedSlot  float64        `json:"allocated_slot"`   // 每个网格分配的资金
	RealizedProfit float64        `json:"realized_profit"`  // 已实现利润
	LastError      string         `json:"last_error,omitempty"`
	Positions      []Position     `json:"positions,omitempty"` // 停止撤单后留下的持仓
	LastUpdateTime time.Time      `json:"last_update_time"`    // 状态最后更新的时间戳
}

// StateVersion is the current BotState schema version.
const StateVersion = 1

// BotStatus is the read model returned to callers of the bot service.
type BotStatus struct {
	BotID            string      `json:"bot_id"`
	Symbol           string      `json:"symbol"`
	State            EngineState `json:"state"`
	ActiveOrderCount int         `json:"active_order_count"`
	Capital          float64     `json:"capital"`
	RealizedProfit   float64     `json:"realized_profit"`
	FillCount        int         `json:"fill_count"`
	PositionSize     float64     `json:"position_size,omitempty"` // 净持仓, 空头为负
	LastError        string      `json:"last_error,omitempty"`
}
