// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/fsutil"
	"github.com/poolhouse/tubd/internal/healthcheck"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/metrics"
)

// Temperature bounds accepted on schedule entries. The controller enforces
// its own tighter [80,110] bound when a job actually starts heating.
const (
	MinScheduleTempF = 50.0
	MaxScheduleTempF = 110.0
)

// Scheduler persists job records and binds them to crontab entries.
type Scheduler struct {
	mu      sync.Mutex
	dir     string
	cron    *crontab.Scheduler
	monitor healthcheck.Monitor
	// command is the executable prefix in the crontab command column.
	command      string
	apiBaseURL   string
	graceSeconds int
	clock        func() time.Time
}

// New returns a scheduler. monitor may be nil (monitoring disabled).
func New(dir string, cron *crontab.Scheduler, monitor healthcheck.Monitor, command, apiBaseURL string, graceSeconds int) *Scheduler {
	return &Scheduler{
		dir:          dir,
		cron:         cron,
		monitor:      monitor,
		command:      command,
		apiBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		graceSeconds: graceSeconds,
		clock:        time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) recordPath(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

func newJobID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Schedule validates the request, persists the record, installs the crontab
// entry, and attaches a health check when monitoring is configured.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateAction(req.Action); err != nil {
		return Job{}, err
	}
	if err := validateParams(req.Params); err != nil {
		return Job{}, err
	}

	prefix := req.IDPrefix
	if prefix == "" {
		prefix = PrefixOneOff
		if req.Recurring {
			prefix = PrefixRecurring
		}
	}
	job := Job{
		JobID:         newJobID(prefix),
		Action:        req.Action,
		Endpoint:      actionEndpoints[req.Action],
		APIBaseURL:    s.apiBaseURL,
		Recurring:     req.Recurring,
		ScheduledTime: req.When,
		CreatedAt:     s.clock().UTC(),
		Params:        req.Params,
	}

	scope := crontab.ScopeOnce
	var fireAt time.Time
	if req.Recurring {
		scope = crontab.ScopeDaily
		next, err := s.cron.NextDaily(req.When)
		if err != nil {
			return Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		fireAt = next
	} else {
		at, err := time.Parse(time.RFC3339, req.When)
		if err != nil {
			return Job{}, fmt.Errorf("%w: invalid scheduled time %q: %v", ErrInvalidRequest, req.When, err)
		}
		if !at.After(s.clock()) {
			return Job{}, fmt.Errorf("%w: scheduled time %s is in the past", ErrInvalidRequest, req.When)
		}
		fireAt = at
	}

	if err := fsutil.WriteJSONAtomic(s.recordPath(job.JobID), job); err != nil {
		return Job{}, fmt.Errorf("write job record: %w", err)
	}

	marker := crontab.Marker{JobID: job.JobID, Label: actionLabels[req.Action], Scope: scope}
	command := fmt.Sprintf("%s '%s'", s.command, job.JobID)

	var expr string
	var err error
	if req.Recurring {
		expr, err = s.cron.ScheduleDaily(ctx, req.When, command, marker.String())
	} else {
		expr, err = s.cron.ScheduleAt(ctx, fireAt.Unix(), command, marker.String())
	}
	if err != nil {
		// Roll the record back so no record exists without a chance of an
		// entry; the reconciler only cleans the other direction.
		_ = os.Remove(s.recordPath(job.JobID))
		return Job{}, fmt.Errorf("install crontab entry: %w", err)
	}

	s.attachHealthcheck(ctx, &job, expr)
	metrics.RecordJobScheduled(req.Action)

	logger := xlog.WithComponentFromContext(ctx, "scheduler")
	logger.Info().
		Str(xlog.FieldEvent, "job.scheduled").
		Str(xlog.FieldJobID, job.JobID).
		Str(xlog.FieldAction, job.Action).
		Str("cron_expr", expr).
		Bool("recurring", job.Recurring).
		Msg("job scheduled")
	return job, nil
}

// attachHealthcheck creates and arms a schedule-bound check. Any failure is
// logged and swallowed: monitoring never fails scheduling.
func (s *Scheduler) attachHealthcheck(ctx context.Context, job *Job, cronExpr string) {
	if s.monitor == nil || !s.monitor.Enabled() {
		return
	}
	logger := xlog.WithComponentFromContext(ctx, "scheduler")

	check, err := s.monitor.CreateCheck(ctx, job.JobID, cronExpr, s.cron.Location().String(), s.graceSeconds)
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "healthcheck.create_failed").
			Str(xlog.FieldJobID, job.JobID).
			Msg("scheduling proceeds without monitoring")
		return
	}
	if check == nil {
		return
	}
	job.HealthcheckUUID = check.UUID
	job.HealthcheckPingURL = check.PingURL
	if err := fsutil.WriteJSONAtomic(s.recordPath(job.JobID), *job); err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "healthcheck.record_update_failed").
			Str(xlog.FieldJobID, job.JobID).
			Msg("job record missing healthcheck binding")
		return
	}
	// One immediate ping arms the check so the schedule window starts now.
	if err := s.monitor.Ping(ctx, check.PingURL); err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "healthcheck.arm_failed").
			Str(xlog.FieldJobID, job.JobID).
			Msg("healthcheck not armed")
	}
}

// List returns all job records sorted by next fire time, reconciling the two
// sides: owned crontab entries with a job-/rec- jobId but no record file are
// orphans and get removed. Records without an entry are returned as-is.
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, byID, err := s.readRecords()
	if err != nil {
		return nil, err
	}

	owned, err := s.cron.Table().OwnedEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("read crontab: %w", err)
	}
	for _, line := range owned {
		marker, ok := crontab.ParseMarker(line)
		if !ok {
			continue
		}
		if !reconcilable(marker.JobID) {
			continue
		}
		if _, exists := byID[marker.JobID]; exists {
			continue
		}
		removed, err := s.cron.Table().RemoveByPattern(ctx, marker.JobID)
		if err != nil {
			return nil, fmt.Errorf("remove orphan %s: %w", marker.JobID, err)
		}
		if removed > 0 {
			metrics.OrphansRemovedTotal.Add(float64(removed))
			logger := xlog.WithComponentFromContext(ctx, "scheduler")
			logger.Warn().
				Str(xlog.FieldEvent, "job.orphan_removed").
				Str(xlog.FieldJobID, marker.JobID).
				Msg("removed crontab entry without a job record")
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return s.sortKey(jobs[i]).Before(s.sortKey(jobs[j]))
	})
	return jobs, nil
}

func (s *Scheduler) readRecords() ([]Job, map[string]Job, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("glob job records: %w", err)
	}
	sort.Strings(files)

	var jobs []Job
	byID := make(map[string]Job)
	for _, file := range files {
		var job Job
		if err := fsutil.ReadJSON(file, &job); err != nil {
			logger := xlog.WithComponent("scheduler")
			logger.Warn().Err(err).
				Str(xlog.FieldPath, file).
				Str(xlog.FieldEvent, "job.record_unreadable").
				Msg("skipping unreadable job record")
			continue
		}
		jobs = append(jobs, job)
		byID[job.JobID] = job
	}
	return jobs, byID, nil
}

func (s *Scheduler) sortKey(job Job) time.Time {
	if job.Recurring {
		if next, err := s.cron.NextDaily(job.ScheduledTime); err == nil {
			return next
		}
		return s.clock().Add(24 * time.Hour)
	}
	if at, err := time.Parse(time.RFC3339, job.ScheduledTime); err == nil {
		return at
	}
	return s.clock().Add(24 * time.Hour)
}

// Get returns one job record.
func (s *Scheduler) Get(jobID string) (Job, error) {
	var job Job
	if err := fsutil.ReadJSON(s.recordPath(jobID), &job); err != nil {
		return Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	return job, nil
}

// Cancel removes the crontab entries for jobID, deletes the record, and
// deletes the associated health check. It is an error when neither a record
// nor an entry exists.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.cron.Table().RemoveByPattern(ctx, jobID)
	if err != nil {
		return fmt.Errorf("remove crontab entries: %w", err)
	}

	job, readErr := s.Get(jobID)
	hadRecord := readErr == nil
	if hadRecord {
		if err := os.Remove(s.recordPath(jobID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete job record: %w", err)
		}
		if s.monitor != nil && s.monitor.Enabled() && job.HealthcheckUUID != "" {
			if err := s.monitor.Delete(ctx, job.HealthcheckUUID); err != nil {
				logger := xlog.WithComponentFromContext(ctx, "scheduler")
				logger.Warn().Err(err).
					Str(xlog.FieldEvent, "healthcheck.delete_failed").
					Str(xlog.FieldCheckUUID, job.HealthcheckUUID).
					Msg("healthcheck left behind")
			}
		}
	}

	if !hadRecord && removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	logger := xlog.WithComponentFromContext(ctx, "scheduler")
	logger.Info().
		Str(xlog.FieldEvent, "job.cancelled").
		Str(xlog.FieldJobID, jobID).
		Int("entries_removed", removed).
		Msg("job cancelled")
	return nil
}

// Delete removes only the record file, used by the runner after a one-off
// job completed.
func (s *Scheduler) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.recordPath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job record: %w", err)
	}
	return nil
}

func validateParams(params map[string]any) error {
	raw, ok := params["target_temp_f"]
	if !ok {
		return nil
	}
	target, ok := raw.(float64)
	if !ok {
		return fmt.Errorf("%w: target_temp_f must be a number", ErrInvalidRequest)
	}
	if target < MinScheduleTempF || target > MaxScheduleTempF {
		return fmt.Errorf("%w: target_temp_f %.1f out of range [%.0f,%.0f]", ErrInvalidRequest, target, MinScheduleTempF, MaxScheduleTempF)
	}
	return nil
}
