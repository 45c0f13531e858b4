/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prclient wraps the forge API for the pull-request half of an
// activity cycle: create, approve, and merge. Transient failures are retried
// with bounded exponential backoff; everything else maps to a typed error the
// orchestrator can attribute to its state machine.
package prclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

var (
	// ErrPRCreate is a remote rejection of the pull request creation.
	ErrPRCreate = errors.New("pull request creation rejected")

	// ErrApprovalForbidden means the acting identity may not approve this
	// pull request (typically self-approval). The orchestrator proceeds to
	// merge without a review.
	ErrApprovalForbidden = errors.New("approval forbidden")

	// ErrApproval is any other approval failure. Terminal for the cycle.
	ErrApproval = errors.New("approval failed")

	// ErrMergeConflict means the pull request cannot be merged
	// automatically. Terminal for the cycle.
	ErrMergeConflict = errors.New("pull request not mergeable")

	// ErrMergeRejected is a policy failure (required checks, branch
	// protection, stale head). Terminal for the cycle.
	ErrMergeRejected = errors.New("merge rejected")

	// ErrTransient marks failures worth retrying: network errors, 5xx
	// responses, rate limits.
	ErrTransient = errors.New("transient forge error")
)

// PR identifies a pull request created by a cycle.
type PR struct {
	Number int
	URL    string
	Branch string
}

// Client talks to the forge API for a single repository.
type Client struct {
	gh        *github.Client
	owner     string
	repo      string
	attempts  uint
	baseDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAttempts bounds how often a transient failure is retried.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = uint(n)
		}
	}
}

// WithBaseDelay sets the initial backoff delay between retries.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client. Tests use this to
// stub the API.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.gh = github.NewClient(hc) }
}

// New returns a Client for owner/repo authenticating with token.
func New(ctx context.Context, owner, repo, token string, opts ...Option) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := &Client{
		gh:        github.NewClient(oauth2.NewClient(ctx, ts)),
		owner:     owner,
		repo:      repo,
		attempts:  4,
		baseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create opens a pull request from head into base.
func (c *Client) Create(ctx context.Context, head, base, title, body string) (*PR, error) {
	return retry(ctx, c, func() (*PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.Ptr(title),
			Body:  github.Ptr(body),
			Head:  github.Ptr(head),
			Base:  github.Ptr(base),
		})
		if err != nil {
			return nil, classify(err, ErrPRCreate)
		}
		clog.FromContext(ctx).Infof("created PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL())
		return &PR{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Branch: head}, nil
	})
}

// Approve submits an approving review on the pull request. Forges that
// forbid self-approval answer 403/422, surfaced as ErrApprovalForbidden.
func (c *Client) Approve(ctx context.Context, pr *PR) error {
	_, err := retry(ctx, c, func() (struct{}, error) {
		_, _, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, pr.Number, &github.PullRequestReviewRequest{
			Event: github.Ptr("APPROVE"),
		})
		if err != nil {
			if code := statusCode(err); code == http.StatusForbidden || code == http.StatusUnprocessableEntity {
				return struct{}{}, fmt.Errorf("%w: %v", ErrApprovalForbidden, err)
			}
			return struct{}{}, classify(err, ErrApproval)
		}
		clog.FromContext(ctx).Infof("approved PR #%d", pr.Number)
		return struct{}{}, nil
	})
	return err
}

// Merge squash-merges the pull request and returns the merge commit SHA.
func (c *Client) Merge(ctx context.Context, pr *PR) (string, error) {
	return retry(ctx, c, func() (string, error) {
		res, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, pr.Number, "", &github.PullRequestOptions{
			MergeMethod: "squash",
		})
		if err != nil {
			switch statusCode(err) {
			case http.StatusMethodNotAllowed:
				return "", fmt.Errorf("%w: %v", ErrMergeConflict, err)
			case http.StatusConflict, http.StatusUnprocessableEntity:
				return "", fmt.Errorf("%w: %v", ErrMergeRejected, err)
			}
			return "", classify(err, ErrMergeRejected)
		}
		if !res.GetMerged() {
			return "", fmt.Errorf("%w: %s", ErrMergeRejected, res.GetMessage())
		}
		clog.FromContext(ctx).Infof("merged PR #%d as %s", pr.Number, res.GetSHA())
		return res.GetSHA(), nil
	})
}

// retry runs op, retrying while it fails with ErrTransient, up to the
// client's attempt ceiling. Exhaustion surfaces the last transient error.
func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.attempts))
}

// classify maps an API error either to ErrTransient or to the given
// terminal kind.
func classify(err error, kind error) error {
	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if code := statusCode(err); code >= 500 || code == 0 {
		// 5xx, or no HTTP response at all (connection failure).
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

func statusCode(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}
