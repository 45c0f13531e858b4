/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads and validates the process-wide settings for the
// activity bot. Settings come from a TOML file, with credentials overlaid
// from the environment. The resulting Config is immutable for the lifetime
// of the process.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
)

// Defaults applied by Load for fields left unset in the file.
const (
	DefaultBaseBranch     = "main"
	DefaultPushAttempts   = 3
	DefaultAPIAttempts    = 4
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// Duration is a time.Duration that decodes from TOML strings like "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the settings for the activity bot.
type Config struct {
	// Username is the account the synthetic activity is attributed to.
	Username string `toml:"username"`

	// Repo is the target repository in "owner/repo" form.
	Repo string `toml:"repo"`

	// RepoPath is the local working copy of Repo.
	RepoPath string `toml:"repo_path"`

	// BaseBranch is the branch pull requests are opened against, and the
	// branch the working copy is synced to before each cycle.
	BaseBranch string `toml:"base_branch"`

	// CronSchedule is a standard 5-field cron expression.
	CronSchedule string `toml:"cron_schedule"`

	// MinFiles and MaxFiles bound how many files a cycle touches.
	MinFiles int `toml:"min_files"`
	MaxFiles int `toml:"max_files"`

	// MinLines and MaxLines bound how many edits each touched file gets.
	MinLines int `toml:"min_lines"`
	MaxLines int `toml:"max_lines"`

	// Debug enables debug-level logging.
	Debug bool `toml:"debug"`

	// PushAttempts bounds retries of a rejected push within one cycle.
	PushAttempts int `toml:"push_attempts"`

	// APIAttempts bounds retries of transient forge API failures.
	APIAttempts int `toml:"api_attempts"`

	// RetryBaseDelay is the initial delay between retries.
	RetryBaseDelay Duration `toml:"retry_base_delay"`

	// ApproveDelay and MergeDelay pace the PR lifecycle so the activity
	// does not land in a single burst. Zero disables pacing.
	ApproveDelay Duration `toml:"approve_delay"`
	MergeDelay   Duration `toml:"merge_delay"`

	// Token authenticates pushes and forge API calls. It is only ever read
	// from the environment, and must never be logged or persisted.
	Token string `toml:"-" env:"GITHUB_TOKEN"`
}

// Load reads the TOML file at path, overlays environment-provided values,
// applies defaults, and validates the result. Loading the same inputs twice
// yields identical Configs.
func Load(ctx context.Context, path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = DefaultBaseBranch
	}
	if c.PushAttempts == 0 {
		c.PushAttempts = DefaultPushAttempts
	}
	if c.APIAttempts == 0 {
		c.APIAttempts = DefaultAPIAttempts
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = Duration(DefaultRetryBaseDelay)
	}
}

// Validate reports whether the configuration is usable. Violations are fatal
// at startup; no cycle may start from an invalid Config.
func (c *Config) Validate() error {
	var errs []error
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if _, _, err := c.OwnerRepo(); err != nil {
		errs = append(errs, err)
	}
	if c.RepoPath == "" {
		errs = append(errs, errors.New("repo_path is required"))
	}
	if c.CronSchedule != "" {
		if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid cron_schedule %q: %w", c.CronSchedule, err))
		}
	}
	if c.MinFiles < 0 || c.MaxFiles < 0 || c.MinFiles > c.MaxFiles {
		errs = append(errs, fmt.Errorf("invalid file range [%d, %d]", c.MinFiles, c.MaxFiles))
	}
	if c.MinLines < 0 || c.MaxLines < 0 || c.MinLines > c.MaxLines {
		errs = append(errs, fmt.Errorf("invalid line range [%d, %d]", c.MinLines, c.MaxLines))
	}
	if c.PushAttempts < 1 {
		errs = append(errs, fmt.Errorf("push_attempts must be at least 1, got %d", c.PushAttempts))
	}
	if c.APIAttempts < 1 {
		errs = append(errs, fmt.Errorf("api_attempts must be at least 1, got %d", c.APIAttempts))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("GITHUB_TOKEN is not set"))
	}
	return errors.Join(errs...)
}

// OwnerRepo splits Repo into its owner and name components.
func (c *Config) OwnerRepo() (owner, name string, err error) {
	owner, name, ok := strings.Cut(c.Repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("repo must be in \"owner/repo\" form, got %q", c.Repo)
	}
	return owner, name, nil
}
