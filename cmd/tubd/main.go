// SPDX-License-Identifier: MIT

// tubd is the hot-tub controller daemon: it serves the HTTP API, hot-reloads
// its configuration, and owns all persistent state under the data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poolhouse/tubd/internal/api"
	"github.com/poolhouse/tubd/internal/config"
	"github.com/poolhouse/tubd/internal/controller"
	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/equipment"
	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/healthcheck"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/planner"
	"github.com/poolhouse/tubd/internal/scheduler"
	"github.com/poolhouse/tubd/internal/sensor"
	"github.com/poolhouse/tubd/internal/thermal"
	"github.com/poolhouse/tubd/internal/webhook"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tubd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	xlog.Configure(xlog.Config{Level: "info", Service: "tubd", Version: version})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectivePath := *configPath
	if effectivePath == "" {
		if _, err := os.Stat("/etc/tubd/config.yaml"); err == nil {
			effectivePath = "/etc/tubd/config.yaml"
		}
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		logger.Fatal().Err(err).
			Str(xlog.FieldEvent, "config.load_failed").
			Str(xlog.FieldPath, effectivePath).
			Msg("failed to load configuration")
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "tubd", Version: version})

	for _, dir := range []string{cfg.StateDir(), cfg.JobsDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).
				Str(xlog.FieldPath, dir).
				Msg("failed to create data directory")
		}
	}

	manager := config.NewManager(cfg, effectivePath)
	if err := run(ctx, manager); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Str(xlog.FieldEvent, "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, manager *config.Manager) error {
	cfg := manager.Snapshot()
	logger := xlog.WithComponent("daemon")

	loc := crontab.HostLocation()
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = parsed
	}

	cron := crontab.NewScheduler(crontab.NewTable(crontab.NewSystemRunner()), loc)

	tempLog := eventlog.NewTemperatureLog(cfg.LogsDir())
	eventLog := eventlog.NewEquipmentLog(filepath.Join(cfg.LogsDir(), "equipment-events.log"))
	store := sensor.NewStore(filepath.Join(cfg.StateDir(), "esp32-temperature.json"))
	tracker := equipment.NewTracker(filepath.Join(cfg.StateDir(), "equipment-status.json"), eventLog, store)
	outlet := webhook.New(cfg.Webhook.BaseURL, cfg.Webhook.Key, cfg.Webhook.Timeout)

	var monitor healthcheck.Monitor
	if cfg.Healthchecks.APIKey != "" {
		monitor = healthcheck.New(cfg.Healthchecks.APIURL, cfg.Healthchecks.APIKey, cfg.Healthchecks.Channels)
	}

	jobs := scheduler.New(cfg.JobsDir(), cron, monitor,
		cfg.Scheduler.Command, cfg.Scheduler.APIBaseURL, cfg.Healthchecks.Grace)

	charsPath := filepath.Join(cfg.StateDir(), "heating-characteristics.json")
	ctl := controller.New(filepath.Join(cfg.StateDir(), "target-temperature.json"), cfg.JobsDir(),
		store, tracker, outlet, cron, tickCommand(cfg))
	plan := planner.New(charsPath, store, ctl, jobs, loc)
	est := thermal.New(tempLog, eventLog, charsPath)

	srv := api.New(api.Deps{
		Config:     manager.Snapshot,
		Sensors:    store,
		Equipment:  tracker,
		Controller: ctl,
		Planner:    plan,
		Jobs:       jobs,
		Estimator:  est,
		CharsPath:  charsPath,
		Outlet:     outlet,
		TempLog:    tempLog,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str(xlog.FieldEvent, "daemon.listening").
			Str("addr", cfg.Listen).
			Str("timezone", loc.String()).
			Msg("serving API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return manager.Watch(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// tickCommand is the crontab command column for controller self-ticks. The
// run-job command and the tick command ship in the same binary, so the tick
// variant is derived from the configured prefix.
func tickCommand(cfg config.Config) string {
	dir := filepath.Dir(firstField(cfg.Scheduler.Command))
	if dir == "." {
		return "tubctl tick"
	}
	return filepath.Join(dir, "tubctl") + " tick"
}

func firstField(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}
