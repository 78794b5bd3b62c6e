// Package pricefeed polls last prices for a set of symbols and notifies
// subscribers when a price changes.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridbot/internal/metrics"
	"gridbot/internal/models"

	"go.uber.org/zap"
)

// TickerSource is the part of an exchange the feed needs.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
}

// Callback receives a symbol's new price.
type Callback func(symbol string, price float64)

type entry struct {
	last      float64
	seen      bool
	callbacks []Callback
}

// Feed is a background price poller. Symbols may be added and removed from
// any goroutine; Poll and Run must not be called concurrently.
type Feed struct {
	source      TickerSource
	logger      *zap.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	symbols map[string]*entry
}

type Option func(*Feed)

// WithCallTimeout bounds every ticker fetch.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Feed) { f.callTimeout = d }
}

func New(source TickerSource, logger *zap.Logger, opts ...Option) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		source:      source,
		logger:      logger,
		callTimeout: 10 * time.Second,
		symbols:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddSymbol starts watching symbol. Adding a symbol twice keeps its last
// price and appends the callbacks.
func (f *Feed) AddSymbol(symbol string, callbacks ...Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.symbols[symbol]
	if !ok {
		e = &entry{}
		f.symbols[symbol] = e
	}
	e.callbacks = append(e.callbacks, callbacks...)
}

func (f *Feed) RemoveSymbol(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.symbols, symbol)
	metrics.LastPrice.DeleteLabelValues(symbol)
}

// Snapshot returns the last observed price of every symbol that has one.
func (f *Feed) Snapshot() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.symbols))
	for s, e := range f.symbols {
		if e.seen {
			out[s] = e.last
		}
	}
	return out
}

type notification struct {
	symbol    string
	price     float64
	callbacks []Callback
}

// Poll runs one cycle over all symbols in name order. A failing symbol is
// logged and skipped; the returned error joins every failure of the cycle.
func (f *Feed) Poll(ctx context.Context) error {
	f.mu.Lock()
	symbols := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()
	sort.Strings(symbols)

	var errs []error
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		price, err := f.fetch(ctx, symbol)
		if err != nil {
			metrics.FeedErrors.WithLabelValues(symbol).Inc()
			f.logger.Warn("price fetch failed", zap.String("symbol", symbol), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		if n, changed := f.record(symbol, price); changed {
			f.notify(n)
		}
	}
	return errors.Join(errs...)
}

func (f *Feed) fetch(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	t, err := f.source.GetTicker(callCtx, symbol)
	if err != nil {
		return 0, err
	}
	if t == nil || t.Last <= 0 {
		return 0, errors.New("empty ticker")
	}
	return t.Last, nil
}

// record stores price and reports whether subscribers must be told.
func (f *Feed) record(symbol string, price float64) (notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.symbols[symbol]
	if !ok {
		// removed while fetching
		return notification{}, false
	}
	if e.seen && e.last == price {
		return notification{}, false
	}
	e.last, e.seen = price, true
	metrics.LastPrice.WithLabelValues(symbol).Set(price)
	return notification{symbol: symbol, price: price, callbacks: append([]Callback(nil), e.callbacks...)}, true
}

func (f *Feed) notify(n notification) {
	for _, cb := range n.callbacks {
		f.safeCall(cb, n)
	}
}

func (f *Feed) safeCall(cb Callback, n notification) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("price callback panicked", zap.String("symbol", n.symbol), zap.Any("panic", r))
		}
	}()
	cb(n.symbol, n.price)
}

// Run polls every interval until ctx is cancelled.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = f.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = f.Poll(ctx)
		}
	}
}
