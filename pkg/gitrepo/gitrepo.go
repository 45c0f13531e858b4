/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitrepo adapts a local git working copy for the activity bot. It
// covers the version-control half of a cycle: syncing the base branch,
// creating the cycle branch, applying edits, committing, and pushing.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/activity-bot/pkg/changegen"
)

var (
	// ErrBranchExists is returned when the cycle branch name collides with
	// an existing local branch.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNothingToCommit is returned when the worktree is clean at commit
	// time.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrPushRejected is returned when the remote rejects a push.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrWrite is returned when an edit cannot be written to the worktree.
	ErrWrite = errors.New("worktree write failed")
)

const remoteName = "origin"

// Identity is the author recorded on commits.
type Identity struct {
	Name  string
	Email string
}

// Repo is a Version Control Adapter over a single working copy. It is not
// safe for concurrent use; the orchestrator's single-flight guarantee is
// what keeps the working copy consistent.
type Repo struct {
	repo  *git.Repository
	wt    *git.Worktree
	auth  transport.AuthMethod
	ident Identity
	clock clockwork.Clock
}

// Option configures a Repo.
type Option func(*Repo)

// WithClock overrides the clock used for commit timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Repo) { r.clock = clock }
}

// Open opens the working copy at path, authenticating remote operations with
// the given token.
func Open(path string, ident Identity, token string, opts ...Option) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository %q: %w", path, err)
	}
	auth := &githttp.BasicAuth{Username: ident.Name, Password: token}
	return New(repo, ident, auth, opts...)
}

// New wraps an already-opened repository. Tests use this with in-memory
// repositories.
func New(repo *git.Repository, ident Identity, auth transport.AuthMethod, opts ...Option) (*Repo, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	r := &Repo{
		repo:  repo,
		wt:    wt,
		auth:  auth,
		ident: ident,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Filesystem exposes the worktree filesystem, used to enumerate eligible
// files and to apply edits.
func (r *Repo) Filesystem() billy.Filesystem {
	return r.wt.Filesystem
}

// SyncBase checks out the base branch and pulls the latest state from the
// remote, so the cycle branches from current history.
func (r *Repo) SyncBase(ctx context.Context, base string) error {
	ref := plumbing.NewBranchReferenceName(base)
	if err := r.wt.Checkout(&git.CheckoutOptions{Branch: ref}); err != nil {
		return fmt.Errorf("checking out %q: %w", base, err)
	}
	err := r.wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: ref,
		SingleBranch:  true,
		Auth:          r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pulling %q: %w", base, err)
	}
	return nil
}

// CreateBranch creates and checks out a new branch at HEAD. A name collision
// is ErrBranchExists; the orchestrator regenerates the name once.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(ref, false); err == nil {
		return fmt.Errorf("%w: %q", ErrBranchExists, name)
	}
	if err := r.wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true}); err != nil {
		return fmt.Errorf("creating branch %q: %w", name, err)
	}
	clog.FromContext(ctx).Debugf("created branch %q", name)
	return nil
}

// ApplyEdits writes the edit set to the worktree. Filesystem failures are
// ErrWrite.
func (r *Repo) ApplyEdits(ctx context.Context, edits []changegen.Edit) error {
	fsys := r.wt.Filesystem
	for _, e := range edits {
		var err error
		switch e.Op {
		case changegen.OpInsert:
			err = appendLine(fsys, e.Path, e.Line)
		case changegen.OpModify:
			err = replaceFirstLine(fsys, e.Path, e.Line)
		default:
			return fmt.Errorf("unknown edit op %q for %q", e.Op, e.Path)
		}
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrWrite, e.Op, e.Path, err)
		}
	}
	clog.FromContext(ctx).Debugf("applied %d edits", len(edits))
	return nil
}

func appendLine(fsys billy.Filesystem, path, line string) error {
	content, err := util.ReadFile(fsys, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(content) > 0 && content[len(content)-1] != '\n' {
		content = append(content, '\n')
	}
	content = append(content, line+"\n"...)
	return util.WriteFile(fsys, path, content, 0o644)
}

func replaceFirstLine(fsys billy.Filesystem, path, line string) error {
	content, err := util.ReadFile(fsys, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	rest := ""
	if i := strings.IndexByte(string(content), '\n'); i >= 0 {
		rest = string(content[i:])
	}
	return util.WriteFile(fsys, path, []byte(line+rest), 0o644)
}

// Commit stages everything and commits with the configured identity. A clean
// worktree is ErrNothingToCommit. Returns the commit hash.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	status, err := r.wt.Status()
	if err != nil {
		return "", fmt.Errorf("checking worktree status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}
	if err := r.wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	hash, err := r.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.ident.Name,
			Email: r.ident.Email,
			When:  r.clock.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	clog.FromContext(ctx).Debugf("committed %s", hash)
	return hash.String(), nil
}

// Push publishes the branch to the remote. Remote rejections are
// ErrPushRejected, which the orchestrator retries a bounded number of times.
func (r *Repo) Push(ctx context.Context, branch string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	return nil
}

// CleanupBranch returns the worktree to base and deletes the merged cycle
// branch locally and on the remote. Called only after a completed merge;
// failed cycles deliberately leave their artifacts behind.
func (r *Repo) CleanupBranch(ctx context.Context, branch, base string) error {
	if err := r.wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(base)}); err != nil {
		return fmt.Errorf("checking out %q: %w", base, err)
	}
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)); err != nil {
		return fmt.Errorf("deleting local branch %q: %w", branch, err)
	}
	spec := gitconfig.RefSpec(":refs/heads/" + branch)
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("deleting remote branch %q: %w", branch, err)
	}
	clog.FromContext(ctx).Debugf("cleaned up branch %q", branch)
	return nil
}
