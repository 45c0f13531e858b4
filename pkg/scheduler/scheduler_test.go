/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainguard-dev/clog/slogtest"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/activity-bot/pkg/orchestrator"
)

// blockingExecutor runs until released, so tests can hold a cycle in flight.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
	state   orchestrator.State
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		state:   orchestrator.StateCompleted,
	}
}

func (b *blockingExecutor) Execute(context.Context) *orchestrator.Run {
	b.calls.Add(1)
	b.started <- struct{}{}
	<-b.release
	return &orchestrator.Run{State: b.state}
}

// immediateExecutor completes instantly.
type immediateExecutor struct {
	calls atomic.Int64
	state orchestrator.State
	from  orchestrator.State
}

func (e *immediateExecutor) Execute(context.Context) *orchestrator.Run {
	e.calls.Add(1)
	return &orchestrator.Run{State: e.state, FailedFrom: e.from}
}

func TestRunOnce(t *testing.T) {
	exec := &immediateExecutor{state: orchestrator.StateCompleted}
	s := New(exec)

	run := s.RunOnce(slogtest.Context(t))

	if run.State != orchestrator.StateCompleted {
		t.Errorf("run.State = %s, want Completed", run.State)
	}
	if exec.calls.Load() != 1 {
		t.Errorf("executor ran %d times, want 1", exec.calls.Load())
	}
	if s.Skipped() != 0 {
		t.Errorf("Skipped() = %d, want 0", s.Skipped())
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	exec := &immediateExecutor{state: orchestrator.StateFailed, from: orchestrator.StatePushing}
	s := New(exec)

	run := s.RunOnce(slogtest.Context(t))

	if run.State != orchestrator.StateFailed || run.FailedFrom != orchestrator.StatePushing {
		t.Errorf("run = %s from %s, want Failed from Pushing", run.State, run.FailedFrom)
	}
}

func TestRunForeverRejectsBadCron(t *testing.T) {
	s := New(&immediateExecutor{state: orchestrator.StateCompleted})

	if err := s.RunForever(slogtest.Context(t), "not a cron line"); err == nil {
		t.Error("RunForever() accepted a malformed cron expression")
	}
}

func TestRunForeverSkipsOverlappingTriggers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	exec := newBlockingExecutor()
	s := New(exec, WithClock(clock))

	ctx, cancel := context.WithCancel(slogtest.Context(t))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.RunForever(ctx, "* * * * *") }()

	// First trigger starts a cycle and holds it in flight.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	<-exec.started

	// Second trigger arrives while the first cycle is still running; it
	// must be skipped, not queued.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	// Third trigger, same story.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	waitFor(t, func() bool { return s.Skipped() == 2 }, "two skipped triggers")
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor ran %d times with a cycle in flight, want 1", got)
	}

	// Release the cycle; the next trigger runs again.
	close(exec.release)
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	waitFor(t, func() bool { return exec.calls.Load() == 2 }, "second cycle to start")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("RunForever() = %v", err)
	}
	if s.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", s.Skipped())
	}
}

func TestRunForeverWaitsForInflightOnShutdown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	exec := newBlockingExecutor()
	s := New(exec, WithClock(clock))

	ctx, cancel := context.WithCancel(slogtest.Context(t))

	done := make(chan error, 1)
	go func() { done <- s.RunForever(ctx, "* * * * *") }()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	<-exec.started

	cancel()
	select {
	case <-done:
		t.Fatal("RunForever() returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	if err := <-done; err != nil {
		t.Errorf("RunForever() = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
