// Package service is the process-wide registry of running grid bots.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/metrics"
	"gridbot/internal/models"
	"gridbot/internal/scheduler"
	"gridbot/internal/statemanager"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBotExists   = errors.New("bot already registered")
	ErrBotNotFound = errors.New("bot not found")
	ErrBotStarting = errors.New("bot is still starting")
	ErrClosed      = errors.New("service is shutting down")
)

// ExchangeFactory builds the exchange a bot trades on.
type ExchangeFactory func(cfg models.BotConfig) (exchange.Exchange, error)

// Options tune a Service. Zero values get defaults.
type Options struct {
	TickInterval time.Duration
	CallTimeout  time.Duration
	Scheduler    scheduler.Scheduler
	States       *statemanager.StateManager // optional snapshot journal
	Now          func() time.Time
	// StopConcurrency bounds parallel stops in StopAll.
	StopConcurrency int
}

// Handle describes a started bot.
type Handle struct {
	BotID        string
	Symbol       string
	RunID        string
	OrdersPlaced int
	OrdersFailed int
}

type entry struct {
	cfg    models.BotConfig
	engine *engine.Engine // nil while starting
	job    scheduler.Job
	failed bool
	ready  chan struct{} // closed once StartBot returns
}

// Service starts, ticks and stops bots. The registry is the only state shared
// between bots and is guarded by mu.
type Service struct {
	factory ExchangeFactory
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	bots   map[string]*entry
	closed bool // set by StopAll, refuses new bots
}

func New(factory ExchangeFactory, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.NewTicker(context.Background())
	}
	if opts.StopConcurrency <= 0 {
		opts.StopConcurrency = 8
	}
	return &Service{
		factory: factory,
		opts:    opts,
		logger:  logger,
		bots:    make(map[string]*entry),
	}
}

// StartBot builds and starts an engine for cfg and schedules its ticks. A
// bot id can be registered only once. After StopAll no bot can be started.
func (s *Service) StartBot(ctx context.Context, cfg models.BotConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cfg.ID, ErrClosed)
	}
	if _, ok := s.bots[cfg.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cfg.ID, ErrBotExists)
	}
	e := &entry{cfg: cfg, ready: make(chan struct{})}
	s.bots[cfg.ID] = e
	s.mu.Unlock()
	defer close(e.ready)

	log := s.logger.With(zap.String("bot_id", cfg.ID), zap.String("symbol", cfg.Symbol))
	s.warnAboutPreviousRun(log, cfg.ID)

	ex, err := s.factory(cfg)
	if err != nil {
		s.unregister(cfg.ID, e)
		return nil, fmt.Errorf("create exchange for %s: %w", cfg.ID, err)
	}

	ecfg := engine.ConfigFromBot(cfg, s.opts.CallTimeout)
	ecfg.Now = s.opts.Now
	eng := engine.New(ex, ecfg, log)
	res, err := eng.Start(ctx)
	s.publish(eng)
	if err != nil {
		s.unregister(cfg.ID, e)
		return nil, fmt.Errorf("start bot %s: %w", cfg.ID, err)
	}

	s.mu.Lock()
	e.engine = eng
	e.job = s.opts.Scheduler.Schedule(s.opts.TickInterval, s.tickTask(eng, log))
	s.mu.Unlock()
	metrics.ActiveBots.Inc()

	log.Info("bot started",
		zap.String("run_id", res.RunID),
		zap.Int("placed", res.OrdersPlaced),
		zap.Int("failed", res.OrdersFailed))
	return &Handle{
		BotID:        cfg.ID,
		Symbol:       cfg.Symbol,
		RunID:        res.RunID,
		OrdersPlaced: res.OrdersPlaced,
		OrdersFailed: res.OrdersFailed,
	}, nil
}

func (s *Service) tickTask(eng *engine.Engine, log *zap.Logger) scheduler.Task {
	return func(ctx context.Context) {
		err := eng.Tick(ctx)
		if errors.Is(err, engine.ErrNotRunning) {
			return
		}
		s.publish(eng)
		if eng.State() == models.EngineFailed {
			log.Error("bot failed during tick", zap.Error(err))
		}
	}
}

func (s *Service) warnAboutPreviousRun(log *zap.Logger, botID string) {
	if s.opts.States == nil {
		return
	}
	prev := s.opts.States.GetStateSnapshot(botID)
	if prev == nil || prev.State == models.EngineStopped || len(prev.ActiveOrders) == 0 {
		return
	}
	log.Warn("previous run ended without stopping; its orders are not adopted",
		zap.String("previous_run_id", prev.RunID),
		zap.String("previous_state", string(prev.State)),
		zap.Int("orders", len(prev.ActiveOrders)))
}

func (s *Service) publish(eng *engine.Engine) {
	if s.opts.States != nil {
		s.opts.States.Publish(eng.Snapshot())
	}
}

func (s *Service) unregister(id string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bots[id] == e {
		delete(s.bots, id)
	}
}

// StopBot stops a bot's ticks, cancels its orders and deregisters it. When
// cancellation fails the bot stays registered and flagged failed, and
// StopBot may be called again.
func (s *Service) StopBot(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.bots[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	if e.engine == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrBotStarting)
	}
	eng, job := e.engine, e.job
	s.mu.Unlock()

	// 先停止调度, 避免撤单期间还有 tick 下新单
	job.Stop()
	err := eng.Stop(ctx)
	s.publish(eng)
	if err != nil {
		s.mu.Lock()
		e.failed = true
		s.mu.Unlock()
		s.logger.Error("bot stop failed, still registered", zap.String("bot_id", id), zap.Error(err))
		return fmt.Errorf("stop bot %s: %w", id, err)
	}

	s.mu.Lock()
	removed := s.bots[id] == e
	if removed {
		delete(s.bots, id)
	}
	s.mu.Unlock()
	if removed {
		metrics.ActiveBots.Dec()
		if s.opts.States != nil {
			s.opts.States.Forget(id)
		}
	}
	s.logger.Info("bot stopped", zap.String("bot_id", id), zap.Float64("realized_profit", eng.CalculateProfit()))
	return nil
}

// GetStatus reports a registered bot.
func (s *Service) GetStatus(id string) (models.BotStatus, error) {
	s.mu.Lock()
	e, ok := s.bots[id]
	s.mu.Unlock()
	if !ok {
		return models.BotStatus{}, fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	return s.status(e), nil
}

func (s *Service) status(e *entry) models.BotStatus {
	s.mu.Lock()
	eng, failed := e.engine, e.failed
	s.mu.Unlock()
	if eng == nil {
		return models.BotStatus{
			BotID:   e.cfg.ID,
			Symbol:  e.cfg.Symbol,
			State:   models.EngineInitializing,
			Capital: e.cfg.Capital,
		}
	}
	st := eng.Status()
	if failed && st.State == models.EngineStopping && st.LastError == "" {
		st.LastError = "stop failed"
	}
	return st
}

// List reports every registered bot ordered by id.
func (s *Service) List() []models.BotStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.bots))
	for _, e := range s.bots {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]models.BotStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.status(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// StopAll stops every registered bot concurrently and joins their errors.
// Bots still starting are stopped once their start returns, and no new bot
// is accepted afterwards.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make(map[string]*entry, len(s.bots))
	ids := make([]string, 0, len(s.bots))
	for id, e := range s.bots {
		entries[id] = e
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.opts.StopConcurrency)
	for _, id := range ids {
		e := entries[id]
		g.Go(func() error {
			err := s.stopWhenStarted(ctx, id, e)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Service) stopWhenStarted(ctx context.Context, id string, e *entry) error {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return fmt.Errorf("wait for bot %s to start: %w", id, ctx.Err())
	}
	s.mu.Lock()
	registered := s.bots[id] == e
	s.mu.Unlock()
	if !registered {
		// 启动失败, 已经注销
		return nil
	}
	return s.StopBot(ctx, id)
}
