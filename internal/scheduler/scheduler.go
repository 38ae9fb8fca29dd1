// Package scheduler abstracts the at-least-once, delay-capable job runner
// that drives the delivery executor. The pipeline never assumes the runner
// dedupes invocations, correctness lives in the store's claim guard.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

// Runner performs one delivery attempt for a log entry id.
type Runner func(ctx context.Context, id string)

type Scheduler interface {
	// RunAsync hands off an immediate job. At-least-once, may be invoked
	// multiple times for the same id.
	RunAsync(id string)
	// RunAt hands off a job due at the given time.
	RunAt(id string, at time.Time)
	// CancelAllFor drops not-yet-due jobs for the id. Best effort, a job
	// already handed to a worker is not recalled.
	CancelAllFor(id string)
	IsAvailable() bool
}

// Memory is an in-process Scheduler built on timers and a worker pool.
type Memory struct {
	ctx    context.Context
	cancel func()

	log  *logrus.Logger
	pool *pond.WorkerPool

	mu     sync.Mutex
	run    Runner
	timers map[string][]*time.Timer

	ostart sync.Once
	ostop  sync.Once
}

func NewMemory(lc *tools.Logger, workers int) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	if workers <= 0 {
		workers = 5
	}
	return &Memory{
		ctx:    ctx,
		cancel: cancel,
		log:    lc.New("scheduler"),
		pool:   pond.New(workers, 0, pond.MinWorkers(1)),
		timers: map[string][]*time.Timer{},
	}
}

// Start binds the runner. Wired after construction since the executor that
// provides the runner needs the scheduler for rescheduling retries.
func (m *Memory) Start(run Runner) {
	m.ostart.Do(func() {
		m.mu.Lock()
		m.run = run
		m.mu.Unlock()
		m.log.Infof("scheduler started")
	})
}

func (m *Memory) runner() Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

func (m *Memory) RunAsync(id string) {
	run := m.runner()
	if run == nil || m.ctx.Err() != nil || m.pool.Stopped() {
		m.log.WithField("id", id).Warn("scheduler unavailable, dropping job")
		return
	}
	m.pool.Submit(func() {
		run(m.ctx, id)
	})
}

func (m *Memory) RunAt(id string, at time.Time) {
	delay := time.Until(at)
	if delay <= 0 {
		m.RunAsync(id)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.forget(id, timer)
		m.RunAsync(id)
	})
	m.timers[id] = append(m.timers[id], timer)
}

func (m *Memory) CancelAllFor(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers[id] {
		t.Stop()
	}
	delete(m.timers, id)
}

func (m *Memory) forget(id string, timer *time.Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rest []*time.Timer
	for _, t := range m.timers[id] {
		if t == timer {
			continue
		}
		rest = append(rest, t)
	}
	if len(rest) == 0 {
		delete(m.timers, id)
		return
	}
	m.timers[id] = rest
}

func (m *Memory) IsAvailable() bool {
	return m.runner() != nil && m.ctx.Err() == nil && !m.pool.Stopped()
}

func (m *Memory) Stop(ctx context.Context) error {
	var err error
	m.ostop.Do(func() {
		m.cancel()

		m.mu.Lock()
		for id, timers := range m.timers {
			for _, t := range timers {
				t.Stop()
			}
			delete(m.timers, id)
		}
		m.mu.Unlock()

		select {
		case <-m.pool.Stop().Done():
			m.log.Info("scheduler has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
