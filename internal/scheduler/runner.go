// SPDX-License-Identifier: MIT

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poolhouse/tubd/internal/healthcheck"
	xlog "github.com/poolhouse/tubd/internal/log"
)

// Runner executes a fired job record: it calls the job's endpoint, pings the
// health check, and self-deletes completed one-off jobs. Invoked by tubctl
// from the installed crontab line.
type Runner struct {
	scheduler *Scheduler
	monitor   healthcheck.Monitor
	http      *http.Client
}

// NewRunner returns a runner. monitor may be nil.
func NewRunner(scheduler *Scheduler, monitor healthcheck.Monitor) *Runner {
	return &Runner{
		scheduler: scheduler,
		monitor:   monitor,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Run executes the job with the given ID.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	ctx = xlog.ContextWithJobID(ctx, jobID)
	logger := xlog.WithComponentFromContext(ctx, "job-runner")

	job, err := r.scheduler.Get(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	body := []byte("{}")
	if len(job.Params) > 0 {
		body, err = json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", job.URL(), err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("call %s: unexpected status %d", job.URL(), res.StatusCode)
	}

	if r.monitor != nil && r.monitor.Enabled() && job.HealthcheckPingURL != "" {
		if err := r.monitor.Ping(ctx, job.HealthcheckPingURL); err != nil {
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "healthcheck.ping_failed").
				Msg("run completed but not reported to monitor")
		}
	}

	if !job.Recurring {
		// One-off jobs self-delete; the fired crontab entry goes with them.
		if _, err := r.scheduler.cron.Table().RemoveByPattern(ctx, job.JobID); err != nil {
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "job.entry_cleanup_failed").
				Msg("fired one-off entry left in crontab, reconciler will remove it")
		}
		if r.monitor != nil && r.monitor.Enabled() && job.HealthcheckUUID != "" {
			if err := r.monitor.Delete(ctx, job.HealthcheckUUID); err != nil {
				logger.Warn().Err(err).
					Str(xlog.FieldEvent, "healthcheck.delete_failed").
					Str(xlog.FieldCheckUUID, job.HealthcheckUUID).
					Msg("healthcheck left behind")
			}
		}
		if err := r.scheduler.Delete(job.JobID); err != nil {
			return fmt.Errorf("self-delete: %w", err)
		}
	}

	logger.Info().
		Str(xlog.FieldEvent, "job.ran").
		Str(xlog.FieldAction, job.Action).
		Bool("recurring", job.Recurring).
		Msg("job executed")
	return nil
}
