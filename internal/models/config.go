package models

import (
	"fmt"
	"time"
)

// AppConfig 定义了整个进程的配置
type AppConfig struct {
	IsTestnet       bool           `json:"is_testnet"`       // 是否使用测试网
	DBPath          string         `json:"db_path"`          // BadgerDB 目录
	MetricsAddr     string         `json:"metrics_addr"`     // Prometheus 监听地址, 为空则不启动
	PriceStream     bool           `json:"price_stream"`     // 行情走 aggTrade websocket 而不是 REST 轮询
	TickIntervalSec int            `json:"tick_interval_sec"` // 对账周期(秒)
	FeedIntervalSec int            `json:"feed_interval_sec"` // 行情轮询周期(秒)
	CallTimeoutSec  int            `json:"call_timeout_sec"`  // 单次交易所调用超时(秒)
	StatusEverySec  int            `json:"status_every_sec"`  // 状态表打印间隔(秒)
	LogConfig       LogConfig      `json:"log"`
	Bots            []BotConfig    `json:"bots"`
	Backtest        BacktestConfig `json:"backtest"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// BacktestConfig 回测引擎特定配置
type BacktestConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	MakerFeeRate   float64 `json:"maker_fee_rate"`
	SlippageRate   float64 `json:"slippage_rate"`
	TickSize       string  `json:"tick_size"`
	StepSize       string  `json:"step_size"`
	MinNotional    float64 `json:"min_notional"`
}

// BotConfig is the persisted definition of one bot.
type BotConfig struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	LowerPrice   float64   `json:"lower_price,omitempty"`
	UpperPrice   float64   `json:"upper_price,omitempty"`
	RangePct     float64   `json:"range_pct,omitempty"`
	GridCount    int       `json:"grid_count"`
	Capital      float64   `json:"capital"`
	Leverage     int       `json:"leverage"`
	Direction    Direction `json:"direction,omitempty"`
	Spacing      string    `json:"spacing,omitempty"`     // symmetric | directional
	Bias         float64   `json:"bias,omitempty"`        // share of a derived range on the favoured side
	Replacement  string    `json:"replacement,omitempty"` // mirror | offset
	TakeProfit   float64   `json:"take_profit_pct,omitempty"`
	Reentry      float64   `json:"reentry_pct,omitempty"`
	SkipEpsilon  *float64  `json:"skip_epsilon,omitempty"`
	APIKeyEnv    string    `json:"api_key_env,omitempty"`
	SecretKeyEnv string    `json:"secret_key_env,omitempty"`

	// Filled from the environment, never from the config file.
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`
}

const (
	SpacingSymmetric   = "symmetric"
	SpacingDirectional = "directional"

	ReplacementMirror = "mirror"
	ReplacementOffset = "offset"
)

// GridSpec derives the immutable grid plan.
func (c BotConfig) GridSpec() GridSpec {
	leverage := c.Leverage
	if leverage == 0 {
		leverage = 1
	}
	return GridSpec{
		Symbol:       c.Symbol,
		LowerPrice:   c.LowerPrice,
		UpperPrice:   c.UpperPrice,
		RangePct:     c.RangePct,
		LevelCount:   c.GridCount,
		TotalCapital: c.Capital,
		Leverage:     leverage,
		Direction:    c.Direction,
	}
}

// Validate rejects configurations no engine could run.
func (c BotConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("bot id is required")
	}
	if err := c.GridSpec().Validate(); err != nil {
		return fmt.Errorf("bot %s: %w", c.ID, err)
	}
	switch c.Spacing {
	case "", SpacingSymmetric:
	case SpacingDirectional:
		if c.Direction == Neutral {
			return fmt.Errorf("bot %s: directional spacing needs a direction", c.ID)
		}
	default:
		return fmt.Errorf("bot %s: unknown spacing %q", c.ID, c.Spacing)
	}
	switch c.Replacement {
	case "", ReplacementMirror:
	case ReplacementOffset:
		if c.Direction == Neutral {
			return fmt.Errorf("bot %s: offset replacement needs a direction", c.ID)
		}
		if c.TakeProfit < 0 || c.Reentry < 0 {
			return fmt.Errorf("bot %s: offsets must not be negative", c.ID)
		}
	default:
		return fmt.Errorf("bot %s: unknown replacement policy %q", c.ID, c.Replacement)
	}
	return nil
}

// ApplyDefaults fills unset intervals.
func (c *AppConfig) ApplyDefaults() {
	if c.TickIntervalSec <= 0 {
		c.TickIntervalSec = 10
	}
	if c.FeedIntervalSec <= 0 {
		c.FeedIntervalSec = 5
	}
	if c.CallTimeoutSec <= 0 {
		c.CallTimeoutSec = 10
	}
	if c.StatusEverySec <= 0 {
		c.StatusEverySec = 60
	}
	if c.DBPath == "" {
		c.DBPath = "data/state"
	}
}

// Validate checks every bot and rejects duplicate ids.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate bot id %s", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

func (c *AppConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

func (c *AppConfig) FeedInterval() time.Duration {
	return time.Duration(c.FeedIntervalSec) * time.Second
}

func (c *AppConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

func (c *AppConfig) StatusEvery() time.Duration {
	return time.Duration(c.StatusEverySec) * time.Second
}
