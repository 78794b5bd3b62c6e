// Package engine runs one grid bot: it plans the grid, keeps it armed through
// the reconciler and accounts for realised profit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/metrics"
	"gridbot/internal/models"
	"gridbot/internal/planner"
	"gridbot/internal/precision"
	"gridbot/internal/reconciler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrGridPlacementFailed = errors.New("no grid order could be placed")
	ErrNotRunning          = errors.New("engine is not running")
	ErrInvalidState        = errors.New("invalid engine state for this operation")
	ErrExchangeUnreachable = errors.New("exchange unreachable")
)

// Config holds everything an Engine needs besides the exchange.
type Config struct {
	BotID       string
	Spec        models.GridSpec
	Spacing     planner.SpacingPolicy        // nil means symmetric
	SkipEpsilon *float64                     // nil means planner.DefaultSkipEpsilon
	Replacement reconciler.ReplacementPolicy // nil means mirror
	FillPolicy  reconciler.FillPolicy        // nil lets the reconciler choose
	CallTimeout time.Duration
	Now         func() time.Time
	OnEvent     func(reconciler.Event) // optional observer, called from the operating goroutine
}

// ConfigFromBot maps a persisted bot definition onto engine policies.
func ConfigFromBot(bc models.BotConfig, callTimeout time.Duration) Config {
	cfg := Config{
		BotID:       bc.ID,
		Spec:        bc.GridSpec(),
		SkipEpsilon: bc.SkipEpsilon,
		CallTimeout: callTimeout,
	}
	if bc.Spacing == models.SpacingDirectional {
		cfg.Spacing = planner.DirectionalSpacing{Direction: bc.Direction, Bias: bc.Bias}
	}
	if bc.Replacement == models.ReplacementOffset {
		cfg.Replacement = reconciler.OffsetPolicy{Direction: bc.Direction, TakeProfitPct: bc.TakeProfit, ReentryPct: bc.Reentry}
	}
	return cfg
}

// StartResult summarises a successful start.
type StartResult struct {
	RunID        string
	OrdersPlaced int
	OrdersFailed int
	OrdersQueued int // transport failures retried on the following ticks
}

// Engine is the lifecycle state machine of one bot.
//
// Start, Tick and Stop are serialised by opMu. Status, Snapshot and
// CalculateProfit read a view published at the end of each operation and
// never wait for one in flight.
type Engine struct {
	cfg      Config
	ex       exchange.Exchange
	logger   *zap.Logger
	resolver *precision.Resolver
	planner  *planner.Planner
	replace  reconciler.ReplacementPolicy
	now      func() time.Time

	halted atomic.Bool
	opMu   sync.Mutex

	// guarded by opMu
	runID  string
	rec    *reconciler.Reconciler
	rules  models.PrecisionRules
	levels []models.PriceLevel
	ledger *Ledger
	fills  []models.FillRecord
	retry  map[int]models.OrderIntent

	// 停止后查询到的残留持仓, 由 opMu 保护
	positions []models.Position

	mu        sync.RWMutex
	state     models.EngineState
	lastErr   error
	published models.BotState
}

func New(ex exchange.Exchange, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logger.With(zap.String("bot_id", cfg.BotID), zap.String("symbol", cfg.Spec.Symbol))

	var opts []planner.Option
	if cfg.Spacing != nil {
		opts = append(opts, planner.WithSpacing(cfg.Spacing))
	}
	if cfg.SkipEpsilon != nil {
		opts = append(opts, planner.WithSkipEpsilon(*cfg.SkipEpsilon))
	}
	replace := cfg.Replacement
	if replace == nil {
		replace = reconciler.MirrorPolicy{}
	}

	e := &Engine{
		cfg:      cfg,
		ex:       ex,
		logger:   logger,
		resolver: precision.NewResolver(logger),
		planner:  planner.New(logger, opts...),
		replace:  replace,
		now:      cfg.Now,
		ledger:   NewLedger(0),
		retry:    make(map[int]models.OrderIntent),
		state:    models.EngineCreated,
	}
	e.published = e.buildState()
	return e
}

func (e *Engine) BotID() string { return e.cfg.BotID }

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// Start plans the grid and places its initial orders. It succeeds when at
// least one order is live.
func (e *Engine) Start(ctx context.Context) (*StartResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if s := e.State(); s != models.EngineCreated {
		return nil, fmt.Errorf("start from %s: %w", s, ErrInvalidState)
	}
	e.runID = uuid.NewString()
	e.logger = e.logger.With(zap.String("run_id", e.runID))
	e.setState(models.EngineInitializing, nil)
	e.logger.Info("网格引擎启动中", zap.Any("spec", e.cfg.Spec))

	symbol := e.cfg.Spec.Symbol
	callCtx, cancel := e.callCtx(ctx)
	ticker, err := e.ex.GetTicker(callCtx, symbol)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrSymbolNotFound):
			return nil, e.fail(fmt.Errorf("get ticker for %s: %w", symbol, err))
		case exchange.IsTransport(err):
			return nil, e.fail(fmt.Errorf("%w: %w", ErrExchangeUnreachable, err))
		}
		return nil, e.fail(fmt.Errorf("get ticker for %s: %w", symbol, err))
	}

	callCtx, cancel = e.callCtx(ctx)
	info, err := e.ex.GetSymbolInfo(callCtx, symbol)
	cancel()
	if err != nil {
		if errors.Is(err, exchange.ErrSymbolNotFound) {
			return nil, e.fail(fmt.Errorf("get symbol info for %s: %w", symbol, err))
		}
		e.logger.Warn("获取交易规则失败, 使用默认精度", zap.Error(err))
		info = nil
	}
	e.rules = e.resolver.Resolve(symbol, info)

	if e.cfg.Spec.Leverage > 1 {
		callCtx, cancel = e.callCtx(ctx)
		if err := e.ex.SetLeverage(callCtx, symbol, e.cfg.Spec.Leverage); err != nil {
			e.logger.Warn("设置杠杆失败, 继续使用账户当前杠杆", zap.Int("leverage", e.cfg.Spec.Leverage), zap.Error(err))
		}
		cancel()
	}

	plan, err := e.planner.Plan(e.cfg.Spec, ticker.Last, e.rules)
	if err != nil {
		return nil, e.fail(fmt.Errorf("plan grid: %w", err))
	}
	e.levels = plan.Levels
	e.ledger = NewLedger(plan.AllocatedPerSlot)
	e.rec = reconciler.New(e.ex, reconciler.Config{
		BotID:       e.cfg.BotID,
		Symbol:      symbol,
		CallTimeout: e.cfg.CallTimeout,
		FillPolicy:  e.cfg.FillPolicy,
		Now:         e.now,
	}, e.logger)

	res := &StartResult{RunID: e.runID}
	var lastErr error
	for _, intent := range plan.Intents {
		if e.halted.Load() {
			break
		}
		ev, err := e.rec.Submit(ctx, intent)
		e.observe(ev)
		if err != nil {
			res.OrdersFailed++
			lastErr = err
			if retryable(err) {
				e.retry[intent.Slot] = intent
				res.OrdersQueued++
			}
			continue
		}
		res.OrdersPlaced++
	}

	if res.OrdersPlaced == 0 {
		if res.OrdersQueued > 0 {
			e.abandonQueued(ctx)
		}
		if lastErr == nil {
			lastErr = errors.New("plan produced no orders")
		}
		return nil, e.fail(fmt.Errorf("%w: %w", ErrGridPlacementFailed, lastErr))
	}

	e.logger.Info("网格初始化完成",
		zap.Float64("price", ticker.Last),
		zap.Int("placed", res.OrdersPlaced),
		zap.Int("failed", res.OrdersFailed),
		zap.Int("queued", res.OrdersQueued),
		zap.String("fill_policy", e.rec.FillPolicyName()),
		zap.String("replacement", e.replace.Name()))
	e.setState(models.EngineRunning, nil)
	return res, nil
}

// Tick runs one reconciliation pass. A failed pass leaves the engine
// Running; the caller retries on its next scheduled tick.
func (e *Engine) Tick(ctx context.Context) error {
	if e.halted.Load() {
		return ErrNotRunning
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.State() != models.EngineRunning || e.halted.Load() {
		return ErrNotRunning
	}

	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(e.cfg.BotID).Observe(time.Since(start).Seconds())
	}()

	// 先对账再重试, 结果未知的订单若已挂出会先被接管
	queued := e.queuedSlots()

	events, err := e.rec.Poll(ctx)
	if err != nil {
		kind := exchange.Classify(err)
		metrics.TickErrors.WithLabelValues(e.cfg.BotID, kind.String()).Inc()
		if errors.Is(err, exchange.ErrSymbolNotFound) {
			return e.fail(err)
		}
		e.logger.Warn("对账失败, 下次重试", zap.String("kind", kind.String()), zap.Error(err))
		e.setState(models.EngineRunning, err)
		return err
	}

	for _, ev := range events {
		e.observe(ev)
		if ev.Kind == reconciler.FillDetected {
			e.onFill(ctx, *ev.Fill)
		}
	}
	e.retrySlots(ctx, queued)
	e.setState(models.EngineRunning, nil)
	return nil
}

func (e *Engine) onFill(ctx context.Context, fill models.FillRecord) {
	e.fills = append(e.fills, fill)
	for _, m := range e.ledger.Record(fill) {
		e.logger.Info("网格配对完成",
			zap.Float64("buy", m.BuyPrice),
			zap.Float64("sell", m.SellPrice),
			zap.Float64("quantity", m.Quantity),
			zap.Float64("profit", m.Profit))
	}
	metrics.RealizedProfit.WithLabelValues(e.cfg.BotID).Set(e.ledger.RealizedProfit())

	next := e.replace.Next(fill)
	next.Price = precision.RoundPrice(next.Price, e.rules)
	next.Quantity = precision.FitQuantity(next.Quantity, next.Price, e.rules)
	e.submitReplacement(ctx, next)
}

func (e *Engine) submitReplacement(ctx context.Context, intent models.OrderIntent) {
	if e.halted.Load() {
		return
	}
	ev, err := e.rec.Submit(ctx, intent)
	e.observe(ev)
	switch {
	case err == nil:
		delete(e.retry, intent.Slot)
	case errors.Is(err, reconciler.ErrSlotOccupied):
		delete(e.retry, intent.Slot)
	case retryable(err):
		e.retry[intent.Slot] = intent
		e.logger.Warn("补单暂时失败, 下个周期重试", zap.Int("slot", intent.Slot), zap.Error(err))
	default:
		delete(e.retry, intent.Slot)
		e.logger.Error("补单被拒绝, 该网格位置留空",
			zap.Int("slot", intent.Slot),
			zap.String("side", string(intent.Side)),
			zap.Float64("price", intent.Price),
			zap.Error(err))
	}
}

// abandonQueued 在启动失败时撤掉可能已到达交易所的订单, 失败只记录日志
func (e *Engine) abandonQueued(ctx context.Context) {
	e.retry = make(map[int]models.OrderIntent)
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.ex.CancelAllOpenOrders(callCtx, e.cfg.Spec.Symbol); err != nil {
		e.logger.Error("启动失败后撤单失败, 请检查交易所挂单", zap.Error(err))
		return
	}
	e.rec.Clear()
}

// retryable reports whether a failed submit may have left the order unplaced
// for a reason a later attempt can fix. A duplicate client id means the
// earlier attempt landed and the next poll adopts it.
func retryable(err error) bool {
	return exchange.IsTransport(err) || errors.Is(err, exchange.ErrDuplicateOrder)
}

func (e *Engine) queuedSlots() []int {
	slots := make([]int, 0, len(e.retry))
	for s := range e.retry {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

// retrySlots resubmits the queued intents of slots. Slots whose order was
// adopted by this pass's poll are dropped from the queue.
func (e *Engine) retrySlots(ctx context.Context, slots []int) {
	for _, s := range slots {
		intent, ok := e.retry[s]
		if !ok {
			continue
		}
		if e.rec.Occupied(s) && !e.rec.Pending(s) {
			delete(e.retry, s)
			continue
		}
		e.submitReplacement(ctx, intent)
	}
}

func (e *Engine) observe(ev reconciler.Event) {
	if ev.Kind == "" {
		return
	}
	id := e.cfg.BotID
	switch ev.Kind {
	case reconciler.OrderPlaced:
		metrics.OrdersSubmitted.WithLabelValues(id, "placed").Inc()
	case reconciler.OrderFailed:
		metrics.OrdersSubmitted.WithLabelValues(id, exchange.Classify(ev.Err).String()).Inc()
	case reconciler.FillDetected:
		metrics.Fills.WithLabelValues(id, string(ev.Fill.Side)).Inc()
	case reconciler.AmbiguousFill:
		metrics.AmbiguousFills.WithLabelValues(id).Inc()
	case reconciler.OrderCancelled:
		metrics.ExternalCancels.WithLabelValues(id).Inc()
	}
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}

// Stop halts the engine and cancels its orders. Each call issues at most one
// cancel-all request. On failure the engine stays Stopping and Stop may be
// called again; once Stopped further calls are no-ops.
func (e *Engine) Stop(ctx context.Context) error {
	e.halted.Store(true)
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.State() {
	case models.EngineStopped:
		return nil
	case models.EngineCreated:
		e.setState(models.EngineStopped, nil)
		return nil
	}
	e.setState(models.EngineStopping, nil)

	callCtx, cancel := e.callCtx(ctx)
	err := e.ex.CancelAllOpenOrders(callCtx, e.cfg.Spec.Symbol)
	cancel()
	if err != nil {
		err = fmt.Errorf("cancel all orders: %w", err)
		e.logger.Error("撤销全部挂单失败, 引擎保持 STOPPING", zap.Error(err))
		e.setState(models.EngineStopping, err)
		return err
	}

	if e.rec != nil {
		retired := e.rec.Clear()
		e.logger.Info("已撤销全部挂单", zap.Int("orders", len(retired)))
	}
	e.retry = make(map[int]models.OrderIntent)
	e.positions = e.residualPositions(ctx)
	e.setState(models.EngineStopped, nil)
	metrics.Forget(e.cfg.BotID)
	return nil
}

// residualPositions 查询撤单后留下的持仓. 网格不自动平仓, 只记录并告警.
func (e *Engine) residualPositions(ctx context.Context) []models.Position {
	callCtx, cancel := e.callCtx(ctx)
	positions, err := e.ex.GetPositions(callCtx, e.cfg.Spec.Symbol)
	cancel()
	if err != nil {
		e.logger.Warn("查询持仓失败", zap.Error(err))
		return nil
	}
	for _, p := range positions {
		e.logger.Warn("撤单后仍有持仓, 需要手动处理",
			zap.String("side", p.Side),
			zap.Float64("size", p.Size),
			zap.Float64("entry_price", p.EntryPrice),
			zap.Float64("unrealized_pnl", p.UnrealizedPnl))
	}
	return positions
}

// CalculateProfit returns the realised profit so far. Safe in any state.
func (e *Engine) CalculateProfit() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published.RealizedProfit
}

func (e *Engine) State() models.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err is the error of the last failed operation, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) Status() models.BotStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.BotStatus{
		BotID:            e.cfg.BotID,
		Symbol:           e.cfg.Spec.Symbol,
		State:            e.state,
		ActiveOrderCount: len(e.published.ActiveOrders),
		Capital:          e.cfg.Spec.TotalCapital,
		RealizedProfit:   e.published.RealizedProfit,
		FillCount:        len(e.published.Fills),
		PositionSize:     netPosition(e.published.Positions),
		LastError:        e.published.LastError,
	}
}

func netPosition(positions []models.Position) float64 {
	var net float64
	for _, p := range positions {
		if p.Side == "SHORT" {
			net -= p.Size
		} else {
			net += p.Size
		}
	}
	return net
}

// Snapshot returns the last published state. The returned slices must not
// be modified.
func (e *Engine) Snapshot() models.BotState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published
}

func (e *Engine) fail(err error) error {
	e.logger.Error("网格引擎失败", zap.Error(err))
	e.setState(models.EngineFailed, err)
	return err
}

// setState publishes a new view. Callers hold opMu.
func (e *Engine) setState(s models.EngineState, err error) {
	e.mu.Lock()
	e.state = s
	e.lastErr = err
	e.mu.Unlock()

	view := e.buildState()
	e.mu.Lock()
	e.published = view
	e.mu.Unlock()

	if e.rec != nil {
		metrics.ActiveOrders.WithLabelValues(e.cfg.BotID).Set(float64(len(view.ActiveOrders)))
	}
}

func (e *Engine) buildState() models.BotState {
	e.mu.RLock()
	state, lastErr := e.state, e.lastErr
	e.mu.RUnlock()

	st := models.BotState{
		BotID:          e.cfg.BotID,
		RunID:          e.runID,
		Symbol:         e.cfg.Spec.Symbol,
		Version:        models.StateVersion,
		Spec:           e.cfg.Spec,
		Levels:         e.levels,
		State:          state,
		Fills:          e.fills[:len(e.fills):len(e.fills)],
		AllocatedSlot:  e.ledger.AllocatedPerSlot(),
		RealizedProfit: e.ledger.RealizedProfit(),
		Positions:      e.positions,
		LastUpdateTime: e.now(),
	}
	if e.rec != nil {
		st.ActiveOrders = e.rec.Active()
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}
