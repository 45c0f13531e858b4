/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator sequences one activity cycle: generate edits, commit
// them on a fresh branch, push, open a pull request, approve it, and merge.
// The state machine is strictly linear; any failure lands in Failed with the
// originating state recorded, and no compensating remote cleanup is
// attempted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-billy/v5"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/activity-bot/pkg/changegen"
	"github.com/chainguard-dev/activity-bot/pkg/config"
	"github.com/chainguard-dev/activity-bot/pkg/gitrepo"
	"github.com/chainguard-dev/activity-bot/pkg/prclient"
)

// State is a stage in the lifecycle of a Run.
type State string

const (
	StateIdle       State = "Idle"
	StateGenerating State = "Generating"
	StateCommitting State = "Committing"
	StatePushing    State = "Pushing"
	StateOpeningPR  State = "OpeningPR"
	StateApproving  State = "Approving"
	StateMerging    State = "Merging"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Terminal reports whether no further transitions occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Run is one activity cycle. It is created fresh per trigger, owned
// exclusively by the orchestrator until it reaches a terminal state, and not
// persisted afterwards; the remote repository is the durable record.
type Run struct {
	// Branch is the generated cycle branch name.
	Branch string

	// Edits is the generated edit set.
	Edits []changegen.Edit

	// CommitSHA is set once the edits are committed.
	CommitSHA string

	// PRNumber and PRURL are set once the pull request is open.
	PRNumber int
	PRURL    string

	// MergeSHA is the merge commit, set on completion.
	MergeSHA string

	// State is the current lifecycle state.
	State State

	// History records every state entered, in order.
	History []State

	// FailedFrom and Err attribute a failure to the state it occurred in.
	FailedFrom State
	Err        error

	// BranchPushed and PROpen report which remote artifacts a failed run
	// may have left behind for manual cleanup.
	BranchPushed bool
	PROpen       bool
}

// TouchedFiles returns the number of distinct files in the edit set.
func (r *Run) TouchedFiles() int {
	seen := map[string]struct{}{}
	for _, e := range r.Edits {
		seen[e.Path] = struct{}{}
	}
	return len(seen)
}

// Git is the version-control surface the orchestrator drives.
type Git interface {
	Filesystem() billy.Filesystem
	SyncBase(ctx context.Context, base string) error
	CreateBranch(ctx context.Context, name string) error
	ApplyEdits(ctx context.Context, edits []changegen.Edit) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, branch string) error
	CleanupBranch(ctx context.Context, branch, base string) error
}

// Forge is the pull-request surface the orchestrator drives.
type Forge interface {
	Create(ctx context.Context, head, base, title, body string) (*prclient.PR, error)
	Approve(ctx context.Context, pr *prclient.PR) error
	Merge(ctx context.Context, pr *prclient.PR) (string, error)
}

// Orchestrator executes activity cycles. It holds no per-cycle state; each
// Execute call produces a brand-new Run.
type Orchestrator struct {
	cfg   *config.Config
	gen   *changegen.Generator
	git   Git
	forge Forge
	clock clockwork.Clock
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for branch names and pacing.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New builds an Orchestrator. An invalid configuration is rejected here,
// before any cycle can start.
func New(cfg *config.Config, gen *changegen.Generator, git Git, forge Forge, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &Orchestrator{
		cfg:   cfg,
		gen:   gen,
		git:   git,
		forge: forge,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs one complete cycle and returns its Run in a terminal state.
func (o *Orchestrator) Execute(ctx context.Context) *Run {
	log := clog.FromContext(ctx)
	run := &Run{State: StateIdle, Branch: o.branchName(false)}
	ctx = clog.WithLogger(ctx, log.With("branch", run.Branch))

	// Generating
	o.enter(ctx, run, StateGenerating)
	if err := o.git.SyncBase(ctx, o.cfg.BaseBranch); err != nil {
		return o.fail(ctx, run, err)
	}
	files, err := changegen.ListEligible(o.git.Filesystem())
	if err != nil {
		return o.fail(ctx, run, err)
	}
	edits, err := o.gen.Generate(changegen.Ranges{
		MinFiles: o.cfg.MinFiles,
		MaxFiles: o.cfg.MaxFiles,
		MinLines: o.cfg.MinLines,
		MaxLines: o.cfg.MaxLines,
	}, files)
	if err != nil {
		return o.fail(ctx, run, err)
	}
	run.Edits = edits

	// Committing
	o.enter(ctx, run, StateCommitting)
	if err := o.git.CreateBranch(ctx, run.Branch); err != nil {
		if !errors.Is(err, gitrepo.ErrBranchExists) {
			return o.fail(ctx, run, err)
		}
		// Timestamp collision. Regenerate the name once, then give up.
		run.Branch = o.branchName(true)
		clog.FromContext(ctx).Warnf("branch name collision, retrying as %q", run.Branch)
		if err := o.git.CreateBranch(ctx, run.Branch); err != nil {
			return o.fail(ctx, run, err)
		}
	}
	if err := o.git.ApplyEdits(ctx, run.Edits); err != nil {
		return o.fail(ctx, run, err)
	}
	sha, err := o.git.Commit(ctx, commitMessage(run))
	if err != nil {
		return o.fail(ctx, run, err)
	}
	run.CommitSHA = sha

	// Pushing, with a bounded number of attempts on remote rejection.
	o.enter(ctx, run, StatePushing)
	if err := o.push(ctx, run.Branch); err != nil {
		return o.fail(ctx, run, err)
	}
	run.BranchPushed = true

	// OpeningPR
	o.enter(ctx, run, StateOpeningPR)
	now := o.clock.Now().UTC()
	pr, err := o.forge.Create(ctx, run.Branch, o.cfg.BaseBranch,
		fmt.Sprintf("Automated update %s", now.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("Automated activity cycle touching %d files.\n\nTimestamp: %s", run.TouchedFiles(), now.Format(time.RFC3339)))
	if err != nil {
		return o.fail(ctx, run, err)
	}
	run.PRNumber = pr.Number
	run.PRURL = pr.URL
	run.PROpen = true

	// Approving
	o.enter(ctx, run, StateApproving)
	if err := o.pace(ctx, o.cfg.ApproveDelay.Std()); err != nil {
		return o.fail(ctx, run, err)
	}
	if err := o.forge.Approve(ctx, pr); err != nil {
		if !errors.Is(err, prclient.ErrApprovalForbidden) {
			return o.fail(ctx, run, err)
		}
		clog.FromContext(ctx).Infof("cannot approve PR #%d, merging without review: %v", pr.Number, err)
	}

	// Merging
	o.enter(ctx, run, StateMerging)
	if err := o.pace(ctx, o.cfg.MergeDelay.Std()); err != nil {
		return o.fail(ctx, run, err)
	}
	mergeSHA, err := o.forge.Merge(ctx, pr)
	if err != nil {
		return o.fail(ctx, run, err)
	}
	run.MergeSHA = mergeSHA
	run.PROpen = false

	// The merged branch is no longer interesting; failure here does not
	// fail the cycle.
	if err := o.git.CleanupBranch(ctx, run.Branch, o.cfg.BaseBranch); err != nil {
		clog.FromContext(ctx).Warnf("cleaning up merged branch: %v", err)
	}

	o.enter(ctx, run, StateCompleted)
	clog.FromContext(ctx).Infof("cycle completed: %s merged as %s", run.PRURL, run.MergeSHA)
	return run
}

// push retries rejected pushes up to the configured attempt ceiling, backing
// off linearly between attempts.
func (o *Orchestrator) push(ctx context.Context, branch string) error {
	var err error
	for attempt := 1; attempt <= o.cfg.PushAttempts; attempt++ {
		err = o.git.Push(ctx, branch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gitrepo.ErrPushRejected) || attempt == o.cfg.PushAttempts {
			break
		}
		clog.FromContext(ctx).Warnf("push attempt %d/%d failed: %v", attempt, o.cfg.PushAttempts, err)
		if perr := o.pace(ctx, o.cfg.RetryBaseDelay.Std()*time.Duration(attempt)); perr != nil {
			return perr
		}
	}
	return err
}

func (o *Orchestrator) enter(ctx context.Context, run *Run, s State) {
	run.State = s
	run.History = append(run.History, s)
	clog.FromContext(ctx).Debugf("entering state %s", s)
}

// fail records the failing state and the leftover remote artifacts, then
// parks the run in Failed. No remote cleanup happens here; stale branches
// and PRs are for operators to collect.
func (o *Orchestrator) fail(ctx context.Context, run *Run, err error) *Run {
	run.FailedFrom = run.State
	run.Err = err
	run.State = StateFailed
	run.History = append(run.History, StateFailed)
	clog.FromContext(ctx).With(
		"failed_from", string(run.FailedFrom),
		"branch_pushed", run.BranchPushed,
		"pr_open", run.PROpen,
	).Errorf("cycle failed: %v", err)
	return run
}

// pace sleeps for d, honoring cancellation.
func (o *Orchestrator) pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// branchName derives a unique branch name from the current time. The retry
// form adds nanosecond precision so a second-level collision cannot recur.
func (o *Orchestrator) branchName(retry bool) string {
	now := o.clock.Now()
	if retry {
		return fmt.Sprintf("bot-update-%d", now.UnixNano())
	}
	return fmt.Sprintf("bot-update-%d", now.Unix())
}

func commitMessage(run *Run) string {
	return fmt.Sprintf("Update %d files", run.TouchedFiles())
}
