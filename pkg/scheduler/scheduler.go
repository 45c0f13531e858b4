/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package scheduler triggers activity cycles, either once on demand or on a
// cron cadence. It owns the single-flight guard: a trigger that arrives while
// a cycle is still in flight is skipped and recorded, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/chainguard-dev/activity-bot/pkg/orchestrator"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_bot_runs_total",
		Help: "Completed activity cycles by terminal state.",
	}, []string{"outcome"})

	triggersSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activity_bot_triggers_skipped_total",
		Help: "Cron triggers skipped because a cycle was still in flight.",
	})
)

// Executor runs a single activity cycle to a terminal state.
type Executor interface {
	Execute(ctx context.Context) *orchestrator.Run
}

// Scheduler serializes cycle execution. The mutex is the process-wide
// single-flight guard; overlapping cycles would race on the working copy.
type Scheduler struct {
	exec  Executor
	clock clockwork.Clock

	mu      sync.Mutex
	skipped atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock driving cron triggers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New returns a Scheduler driving the given executor.
func New(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:  exec,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Skipped returns how many triggers have been skipped so far.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// RunOnce executes exactly one cycle synchronously and returns its Run.
func (s *Scheduler) RunOnce(ctx context.Context) *orchestrator.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.exec.Execute(ctx)
	record(run)
	return run
}

// RunForever computes successive trigger times from the cron expression and
// fires a cycle at each, skipping triggers that overlap an in-flight cycle.
// On context cancellation it stops triggering, waits for any in-flight cycle
// to finish, and returns nil.
func (s *Scheduler) RunForever(ctx context.Context, cronExpr string) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	log := clog.FromContext(ctx)
	log.Infof("scheduling cycles on %q", cronExpr)

	for {
		now := s.clock.Now()
		next := schedule.Next(now)
		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Infof("shutting down, waiting for any in-flight cycle")
			s.mu.Lock()
			s.mu.Unlock() //nolint:staticcheck // lock only to drain the in-flight cycle
			return nil
		case <-timer.Chan():
			s.trigger(ctx)
		}
	}
}

// trigger starts one cycle if none is in flight. The cycle runs with a
// context detached from cancellation so shutdown lets it finish.
func (s *Scheduler) trigger(ctx context.Context) {
	log := clog.FromContext(ctx)
	if !s.mu.TryLock() {
		s.skipped.Add(1)
		triggersSkipped.Inc()
		log.Warnf("previous cycle still in flight, skipping trigger")
		return
	}
	go func() {
		defer s.mu.Unlock()
		run := s.exec.Execute(context.WithoutCancel(ctx))
		record(run)
		if run.State == orchestrator.StateFailed {
			log.Errorf("cycle failed in %s: %v", run.FailedFrom, run.Err)
		}
	}()
}

func record(run *orchestrator.Run) {
	outcome := "completed"
	if run.State != orchestrator.StateCompleted {
		outcome = "failed"
	}
	runsTotal.WithLabelValues(outcome).Inc()
}
