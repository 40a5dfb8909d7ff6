// SPDX-License-Identifier: MIT

// tubctl is the cron-facing companion of tubd. Crontab entries invoke it to
// fire scheduled jobs and controller ticks; operators use it for one-shot
// wake-up evaluations and characteristics runs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/poolhouse/tubd/internal/config"
	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/healthcheck"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/scheduler"
)

var version = "dev"

const requestTimeout = 60 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	xlog.Configure(xlog.Config{Level: "info", Service: "tubctl", Version: version, Output: os.Stderr})
	logger := xlog.WithComponent("tubctl")

	if len(args) == 0 {
		usage()
		return 2
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch args[0] {
	case "tick":
		return post(ctx, cfg, "/api/target/check", nil)
	case "run-job":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: tubctl run-job <jobID>")
			return 2
		}
		return runJob(ctx, cfg, args[1])
	case "wakeup":
		return wakeup(ctx, cfg, args[1:])
	case "estimate":
		return post(ctx, cfg, "/api/characteristics/refresh", map[string]any{})
	case "version":
		fmt.Println("tubctl " + version)
		return 0
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tubctl <command>

commands:
  tick                         run one controller tick
  run-job <jobID>              fire a scheduled job
  wakeup -ready-by T -target F evaluate a ready-by deadline now
  estimate                     refresh heating characteristics from the logs
  version                      print version`)
}

func configPath() string {
	if p := os.Getenv("TUBD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("/etc/tubd/config.yaml"); err == nil {
		return "/etc/tubd/config.yaml"
	}
	return ""
}

// runJob executes the record through the same scheduler plumbing the daemon
// uses, so one-off cleanup and health-check pings behave identically.
func runJob(ctx context.Context, cfg config.Config, jobID string) int {
	logger := xlog.WithComponent("tubctl")

	var monitor healthcheck.Monitor
	if cfg.Healthchecks.APIKey != "" {
		monitor = healthcheck.New(cfg.Healthchecks.APIURL, cfg.Healthchecks.APIKey, cfg.Healthchecks.Channels)
	}
	cron := crontab.NewScheduler(crontab.NewTable(crontab.NewSystemRunner()), hostLocation(cfg))
	jobs := scheduler.New(cfg.JobsDir(), cron, monitor,
		cfg.Scheduler.Command, cfg.Scheduler.APIBaseURL, cfg.Healthchecks.Grace)

	if err := scheduler.NewRunner(jobs, monitor).Run(ctx, jobID); err != nil {
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "job.run_failed").
			Str(xlog.FieldJobID, jobID).
			Msg("job execution failed")
		return 1
	}
	return 0
}

func wakeup(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("wakeup", flag.ContinueOnError)
	readyBy := fs.String("ready-by", "", "deadline clock time, HH:MM or HH:MM±HH:MM")
	target := fs.Float64("target", 0, "target water temperature in Fahrenheit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *readyBy == "" || *target == 0 {
		fmt.Fprintln(os.Stderr, "usage: tubctl wakeup -ready-by 06:30 -target 103")
		return 2
	}
	return post(ctx, cfg, "/api/ready-by/wake", map[string]any{
		"ready_by_time": *readyBy,
		"target_temp_f": *target,
	})
}

func hostLocation(cfg config.Config) *time.Location {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			return loc
		}
	}
	return crontab.HostLocation()
}

// post calls the daemon API and relays the JSON response to stdout.
func post(ctx context.Context, cfg config.Config, path string, body any) int {
	logger := xlog.WithComponent("tubctl")

	payload := []byte("{}")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			logger.Error().Err(err).Msg("encode request")
			return 1
		}
	}
	url := cfg.Scheduler.APIBaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Error().Err(err).Msg("build request")
		return 1
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := (&http.Client{Timeout: requestTimeout}).Do(req)
	if err != nil {
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "api.unreachable").
			Str(xlog.FieldBaseURL, cfg.Scheduler.APIBaseURL).
			Msg("daemon not reachable")
		return 1
	}
	defer res.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	_, _ = os.Stdout.Write(out)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		logger.Error().
			Int("status", res.StatusCode).
			Str(xlog.FieldPath, path).
			Msg("daemon returned an error")
		return 1
	}
	return 0
}
