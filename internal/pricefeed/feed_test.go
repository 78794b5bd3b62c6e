package pricefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedSource struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{prices: map[string]float64{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *scriptedSource) set(symbol string, price float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.errs[symbol] = err
}

func (s *scriptedSource) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if err := s.errs[symbol]; err != nil {
		return nil, err
	}
	return &models.Ticker{Symbol: symbol, Last: s.prices[symbol]}, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []float64
}

func (r *recorder) cb(_ string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, price)
}

func (r *recorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.seen...)
}

func TestPoll_NotifiesOnlyOnChange(t *testing.T) {
	src := newScriptedSource()
	src.set("BTCUSDT", 100, nil)
	f := New(src, zap.NewNop())
	rec := &recorder{}
	f.AddSymbol("BTCUSDT", rec.cb)

	require.NoError(t, f.Poll(context.Background()))
	require.NoError(t, f.Poll(context.Background()))
	src.set("BTCUSDT", 101, nil)
	require.NoError(t, f.Poll(context.Background()))

	assert.Equal(t, []float64{100, 101}, rec.values())
	assert.Equal(t, map[string]float64{"BTCUSDT": 101}, f.Snapshot())
}

func TestPoll_IsolatesFailingSymbol(t *testing.T) {
	src := newScriptedSource()
	src.set("AAAUSDT", 0, errors.New("boom"))
	src.set("BBBUSDT", 5, nil)
	f := New(src, zap.NewNop())
	a, b := &recorder{}, &recorder{}
	f.AddSymbol("AAAUSDT", a.cb)
	f.AddSymbol("BBBUSDT", b.cb)

	err := f.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AAAUSDT")
	assert.Empty(t, a.values())
	assert.Equal(t, []float64{5}, b.values())
}

func TestPoll_RecoversPanickingCallback(t *testing.T) {
	src := newScriptedSource()
	src.set("BTCUSDT", 100, nil)
	f := New(src, zap.NewNop())
	rec := &recorder{}
	f.AddSymbol("BTCUSDT", func(string, float64) { panic("bad subscriber") }, rec.cb)

	require.NotPanics(t, func() { _ = f.Poll(context.Background()) })
	assert.Equal(t, []float64{100}, rec.values())
}

func TestRemoveSymbol(t *testing.T) {
	src := newScriptedSource()
	src.set("BTCUSDT", 100, nil)
	f := New(src, zap.NewNop())
	f.AddSymbol("BTCUSDT")
	require.NoError(t, f.Poll(context.Background()))
	f.RemoveSymbol("BTCUSDT")
	require.NoError(t, f.Poll(context.Background()))

	assert.Empty(t, f.Snapshot())
	assert.Equal(t, 1, src.calls["BTCUSDT"])
}

func TestPoll_EmptyTickerIsAnError(t *testing.T) {
	src := newScriptedSource()
	src.set("BTCUSDT", 0, nil)
	f := New(src, zap.NewNop())
	f.AddSymbol("BTCUSDT")
	assert.Error(t, f.Poll(context.Background()))
	assert.Empty(t, f.Snapshot())
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := newScriptedSource()
	src.set("BTCUSDT", 100, nil)
	f := New(src, zap.NewNop(), WithCallTimeout(time.Second))
	rec := &recorder{}
	f.AddSymbol("BTCUSDT", rec.cb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	src.set("BTCUSDT", 102, nil)
	require.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
