package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicker_RunsDoNotOverlap(t *testing.T) {
	var running, maxRunning, runs atomic.Int32
	job := NewTicker(context.Background()).Schedule(time.Millisecond, func(ctx context.Context) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	job.Stop()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestTicker_StopWaitsAndCancels(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	job := NewTicker(context.Background()).Schedule(time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	})

	<-started
	job.Stop()
	assert.True(t, cancelled.Load(), "Stop returns only after the run saw cancellation")
	job.Stop()
}

func TestTicker_ParentCancelStopsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	job := NewTicker(ctx).Schedule(time.Millisecond, func(context.Context) { runs.Add(1) })
	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	job.Stop()
	n := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestManual(t *testing.T) {
	m := NewManual()
	var a, b int
	ja := m.Schedule(time.Second, func(context.Context) { a++ })
	m.Schedule(time.Second, func(context.Context) { b++ })

	assert.Equal(t, 2, m.Fire())
	assert.Equal(t, 2, m.Jobs())
	ja.Stop()
	assert.Equal(t, 1, m.Fire())
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, m.Jobs())
	assert.Equal(t, 1, ja.(*ManualJob).Runs())
}
