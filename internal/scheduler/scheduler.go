// Package scheduler runs periodic jobs. Runs of one job never overlap;
// different jobs are independent.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is one run of a job. ctx is cancelled when the job is stopped.
type Task func(ctx context.Context)

// Job is a scheduled task.
type Job interface {
	// Stop prevents future runs, cancels a run in flight and waits for it.
	// It is safe to call more than once.
	Stop()
}

// Scheduler creates jobs.
type Scheduler interface {
	Schedule(interval time.Duration, task Task) Job
}

// Ticker schedules jobs on a time.Ticker, one goroutine per job.
type Ticker struct {
	ctx context.Context
}

// NewTicker returns a scheduler whose jobs also stop when parent is done.
func NewTicker(parent context.Context) *Ticker {
	if parent == nil {
		parent = context.Background()
	}
	return &Ticker{ctx: parent}
}

func (s *Ticker) Schedule(interval time.Duration, task Task) Job {
	ctx, cancel := context.WithCancel(s.ctx)
	j := &tickerJob{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// a stop that raced with the tick wins
				if ctx.Err() != nil {
					return
				}
				task(ctx)
			}
		}
	}()
	return j
}

type tickerJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *tickerJob) Stop() {
	j.cancel()
	<-j.done
}

// Manual is a Scheduler for tests: jobs run only when Fire is called.
type Manual struct {
	mu   sync.Mutex
	jobs []*ManualJob
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Schedule(interval time.Duration, task Task) Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &ManualJob{Interval: interval, task: task, ctx: ctx, cancel: cancel}
	m.mu.Lock()
	m.jobs = append(m.jobs, j)
	m.mu.Unlock()
	return j
}

// Fire runs every live job once, in scheduling order, and returns how many ran.
func (m *Manual) Fire() int {
	m.mu.Lock()
	jobs := append([]*ManualJob(nil), m.jobs...)
	m.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if j.Run() {
			n++
		}
	}
	return n
}

// Jobs returns the number of jobs that have not been stopped.
func (m *Manual) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.Stopped() {
			n++
		}
	}
	return n
}

// ManualJob is a job driven by Manual.
type ManualJob struct {
	Interval time.Duration

	mu      sync.Mutex
	task    Task
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	runs    int
}

// Run executes the task once unless the job is stopped.
func (j *ManualJob) Run() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return false
	}
	j.runs++
	j.task(j.ctx)
	return true
}

func (j *ManualJob) Stop() {
	j.cancel()
	j.mu.Lock()
	j.stopped = true
	j.mu.Unlock()
}

func (j *ManualJob) Stopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped
}

func (j *ManualJob) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}
