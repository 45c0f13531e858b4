/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// The activity-bot command manufactures synthetic repository activity: on a
// cron cadence (or once, with --run-now) it edits files in a working copy,
// commits them on a fresh branch, pushes, and opens, approves, and merges a
// pull request.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/activity-bot/pkg/changegen"
	"github.com/chainguard-dev/activity-bot/pkg/config"
	"github.com/chainguard-dev/activity-bot/pkg/gitrepo"
	"github.com/chainguard-dev/activity-bot/pkg/orchestrator"
	"github.com/chainguard-dev/activity-bot/pkg/prclient"
	"github.com/chainguard-dev/activity-bot/pkg/scheduler"
)

func main() {
	var (
		configPath = flag.String("config", "config.toml", "path to the TOML config file")
		runNow     = flag.Bool("run-now", false, "execute one cycle immediately and exit")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := clog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	ctx = clog.WithLogger(ctx, logger)

	owner, name, err := cfg.OwnerRepo()
	if err != nil {
		log.Fatalf("invalid repo: %v", err)
	}

	repo, err := gitrepo.Open(cfg.RepoPath, gitrepo.Identity{
		Name:  cfg.Username,
		Email: cfg.Username + "@users.noreply.github.com",
	}, cfg.Token)
	if err != nil {
		log.Fatalf("opening working copy: %v", err)
	}

	forge := prclient.New(ctx, owner, name, cfg.Token,
		prclient.WithAttempts(cfg.APIAttempts),
		prclient.WithBaseDelay(cfg.RetryBaseDelay.Std()))

	gen := changegen.New(clockwork.NewRealClock(), rand.New(rand.NewSource(time.Now().UnixNano())))

	orch, err := orchestrator.New(cfg, gen, repo, forge)
	if err != nil {
		log.Fatalf("building orchestrator: %v", err)
	}
	sched := scheduler.New(orch)

	if *runNow {
		run := sched.RunOnce(ctx)
		if run.State != orchestrator.StateCompleted {
			logger.Errorf("run failed in %s: %v", run.FailedFrom, run.Err)
			os.Exit(1)
		}
		logger.Infof("run completed: %s merged as %s", run.PRURL, run.MergeSHA)
		return
	}

	go serveMetrics(ctx)

	if err := sched.RunForever(ctx, cfg.CronSchedule); err != nil {
		logger.Errorf("scheduler stopped: %v", err)
		os.Exit(1)
	}
}

// serveMetrics exposes prometheus metrics while running in continuous mode.
func serveMetrics(ctx context.Context) {
	var env struct {
		MetricsPort int `env:"METRICS_PORT, default=2112"`
	}
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FromContext(ctx).Errorf("processing metrics environment: %v", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		clog.FromContext(ctx).Errorf("metrics server: %v", err)
	}
}
