/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
username = "activity-bot"
repo = "acme/widgets"
repo_path = "/srv/widgets"
base_branch = "main"
cron_schedule = "0 */8 * * *"
min_files = 1
max_files = 3
min_lines = 2
max_lines = 5
debug = true
push_attempts = 5
api_attempts = 6
retry_base_delay = "250ms"
approve_delay = "90s"
merge_delay = "30s"
`

func TestLoad(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "secret")
	path := writeConfig(t, validConfig)

	got, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	want := &Config{
		Username:       "activity-bot",
		Repo:           "acme/widgets",
		RepoPath:       "/srv/widgets",
		BaseBranch:     "main",
		CronSchedule:   "0 */8 * * *",
		MinFiles:       1,
		MaxFiles:       3,
		MinLines:       2,
		MaxLines:       5,
		Debug:          true,
		PushAttempts:   5,
		APIAttempts:    6,
		RetryBaseDelay: Duration(250 * time.Millisecond),
		ApproveDelay:   Duration(90 * time.Second),
		MergeDelay:     Duration(30 * time.Second),
		Token:          "secret",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "secret")
	path := writeConfig(t, validConfig)

	first, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("first Load() = %v", err)
	}
	second, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("second Load() = %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("loads differ (-first +second):\n%s", diff)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "secret")
	path := writeConfig(t, `
username = "activity-bot"
repo = "acme/widgets"
repo_path = "/srv/widgets"
cron_schedule = "@hourly"
min_files = 1
max_files = 1
min_lines = 1
max_lines = 1
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.BaseBranch != DefaultBaseBranch {
		t.Errorf("BaseBranch = %q, want %q", cfg.BaseBranch, DefaultBaseBranch)
	}
	if cfg.PushAttempts != DefaultPushAttempts {
		t.Errorf("PushAttempts = %d, want %d", cfg.PushAttempts, DefaultPushAttempts)
	}
	if cfg.APIAttempts != DefaultAPIAttempts {
		t.Errorf("APIAttempts = %d, want %d", cfg.APIAttempts, DefaultAPIAttempts)
	}
	if cfg.RetryBaseDelay.Std() != DefaultRetryBaseDelay {
		t.Errorf("RetryBaseDelay = %v, want %v", cfg.RetryBaseDelay.Std(), DefaultRetryBaseDelay)
	}
	if cfg.ApproveDelay != 0 || cfg.MergeDelay != 0 {
		t.Errorf("pacing delays should default to zero, got %v and %v", cfg.ApproveDelay, cfg.MergeDelay)
	}
}

func TestLoadMissingToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	path := writeConfig(t, validConfig)

	if _, err := Load(context.Background(), path); err == nil {
		t.Error("Load() succeeded without GITHUB_TOKEN")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Username:     "activity-bot",
		Repo:         "acme/widgets",
		RepoPath:     "/srv/widgets",
		BaseBranch:   "main",
		CronSchedule: "0 */8 * * *",
		MinFiles:     1,
		MaxFiles:     3,
		MinLines:     2,
		MaxLines:     5,
		PushAttempts: 3,
		APIAttempts:  4,
		Token:        "secret",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{{
		name:   "valid",
		mutate: func(*Config) {},
	}, {
		name:    "min files above max",
		mutate:  func(c *Config) { c.MinFiles = 4 },
		wantErr: true,
	}, {
		name:    "negative file bound",
		mutate:  func(c *Config) { c.MinFiles = -1 },
		wantErr: true,
	}, {
		name:    "min lines above max",
		mutate:  func(c *Config) { c.MinLines = 9 },
		wantErr: true,
	}, {
		name:    "negative line bound",
		mutate:  func(c *Config) { c.MaxLines = -2; c.MinLines = -2 },
		wantErr: true,
	}, {
		name:   "zero bounds allowed",
		mutate: func(c *Config) { c.MinFiles, c.MaxFiles, c.MinLines, c.MaxLines = 0, 0, 0, 0 },
	}, {
		name:    "missing username",
		mutate:  func(c *Config) { c.Username = "" },
		wantErr: true,
	}, {
		name:    "malformed repo",
		mutate:  func(c *Config) { c.Repo = "widgets" },
		wantErr: true,
	}, {
		name:    "missing repo path",
		mutate:  func(c *Config) { c.RepoPath = "" },
		wantErr: true,
	}, {
		name:    "bad cron expression",
		mutate:  func(c *Config) { c.CronSchedule = "not-cron" },
		wantErr: true,
	}, {
		name:    "missing token",
		mutate:  func(c *Config) { c.Token = "" },
		wantErr: true,
	}, {
		name:    "zero push attempts",
		mutate:  func(c *Config) { c.PushAttempts = 0 },
		wantErr: true,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}

func TestOwnerRepo(t *testing.T) {
	tests := []struct {
		repo    string
		owner   string
		name    string
		wantErr bool
	}{
		{repo: "acme/widgets", owner: "acme", name: "widgets"},
		{repo: "widgets", wantErr: true},
		{repo: "/widgets", wantErr: true},
		{repo: "acme/", wantErr: true},
		{repo: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.repo, func(t *testing.T) {
			cfg := Config{Repo: tc.repo}
			owner, name, err := cfg.OwnerRepo()
			if (err != nil) != tc.wantErr {
				t.Fatalf("OwnerRepo() error = %v, wantErr %t", err, tc.wantErr)
			}
			if owner != tc.owner || name != tc.name {
				t.Errorf("OwnerRepo() = %q, %q, want %q, %q", owner, name, tc.owner, tc.name)
			}
		})
	}
}
