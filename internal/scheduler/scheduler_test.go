// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/fsutil"
	"github.com/poolhouse/tubd/internal/healthcheck"
)

var foreignSeed = []string{
	`SHELL="/bin/bash"`,
	"30 1 * * 0 acme.sh --cron",
	"30 2 * 1,7 * trim_logs.sh",
}

type fixture struct {
	sched  *Scheduler
	runner *crontab.MemoryRunner
	dir    string
	now    time.Time
}

func newFixture(t *testing.T, monitor healthcheck.Monitor, seed ...string) *fixture {
	t.Helper()
	runner := crontab.NewMemoryRunner(seed...)
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cron := crontab.NewScheduler(crontab.NewTable(runner), la).
		WithClock(func() time.Time { return now })

	dir := t.TempDir()
	sched := New(dir, cron, monitor, "/usr/local/bin/tubctl run-job", "http://127.0.0.1:8080/", 300).
		WithClock(func() time.Time { return now })
	return &fixture{sched: sched, runner: runner, dir: dir, now: now}
}

func TestScheduleOneOffPreservesForeignEntries(t *testing.T) {
	fx := newFixture(t, nil, foreignSeed...)

	job, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   "2030-12-11T06:30:00-08:00",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.JobID, PrefixOneOff))
	assert.Len(t, strings.TrimPrefix(job.JobID, PrefixOneOff), 8)
	assert.Equal(t, "http://127.0.0.1:8080", job.APIBaseURL)
	assert.False(t, strings.HasSuffix(job.APIBaseURL, "/"))
	assert.NotContains(t, job.URL(), "//api")

	lines := fx.runner.Lines()
	require.Len(t, lines, 4)
	if diff := cmp.Diff(foreignSeed, lines[:3]); diff != "" {
		t.Fatalf("foreign lines changed (-want +got):\n%s", diff)
	}
	// Day-of-week must stay a wildcard or cron would also fire on every
	// matching weekday before the target date.
	assert.True(t, strings.HasPrefix(lines[3], "30 6 11 12 *  "), "line %q", lines[3])
	assert.Contains(t, lines[3], "HOTTUB:"+job.JobID+":ON:ONCE")
	assert.Contains(t, lines[3], "'"+job.JobID+"'")

	// Cancel restores the seed table byte for byte and deletes the record.
	require.NoError(t, fx.sched.Cancel(context.Background(), job.JobID))
	if diff := cmp.Diff(foreignSeed, fx.runner.Lines()); diff != "" {
		t.Fatalf("table not restored (-want +got):\n%s", diff)
	}
	_, err = os.Stat(filepath.Join(fx.dir, job.JobID+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestScheduleRejectsPastTime(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   fx.now.Add(-time.Minute).Format(time.RFC3339),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past")
	assert.Empty(t, fx.runner.Lines(), "no side effects on validation failure")
}

func TestScheduleRejectsUnknownAction(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.sched.Schedule(context.Background(), Request{Action: "blow-bubbles", When: "2030-01-01T00:00:00Z"})
	assert.Error(t, err)
}

func TestScheduleRejectsOutOfRangeTarget(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.sched.Schedule(context.Background(), Request{
		Action:    ActionWakeUp,
		When:      "06:30-08:00",
		Params:    map[string]any{"target_temp_f": 140.0},
		Recurring: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestScheduleRecurringInstallsDailyEntry(t *testing.T) {
	fx := newFixture(t, nil)

	job, err := fx.sched.Schedule(context.Background(), Request{
		Action:    ActionWakeUp,
		When:      "06:30-08:00",
		Recurring: true,
		Params:    map[string]any{"target_temp_f": 103.0, "ready_by_time": "07:30-08:00"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.JobID, PrefixRecurring))
	assert.Equal(t, "06:30-08:00", job.ScheduledTime)

	lines := fx.runner.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "* * *")
	assert.Contains(t, lines[0], "HOTTUB:"+job.JobID+":WAKE-UP:DAILY")
}

func TestListReconcilesOrphans(t *testing.T) {
	seed := append(append([]string{}, foreignSeed...),
		"30 6 11 12 * runner.sh 'job-deadbeef' # HOTTUB:job-deadbeef:ON:ONCE")
	fx := newFixture(t, nil, seed...)

	job, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   "2030-12-11T06:30:00-08:00",
	})
	require.NoError(t, err)

	jobs, err := fx.sched.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.JobID, jobs[0].JobID)

	lines := fx.runner.Lines()
	require.Len(t, lines, 4)
	if diff := cmp.Diff(foreignSeed, lines[:3]); diff != "" {
		t.Fatalf("foreign lines changed (-want +got):\n%s", diff)
	}
	assert.Contains(t, lines[3], job.JobID)
	for _, line := range lines {
		assert.NotContains(t, line, "job-deadbeef")
	}
}

func TestListLeavesHeatTargetEntriesAlone(t *testing.T) {
	seed := []string{
		"0 13 24 8 * tubctl tick # HOTTUB:heat-target-a1b2c3d4:HEAT-TARGET:ONCE",
	}
	fx := newFixture(t, nil, seed...)

	jobs, err := fx.sched.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	lines := fx.runner.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "heat-target-a1b2c3d4")
}

func TestListSortsByScheduledTime(t *testing.T) {
	fx := newFixture(t, nil)

	late, err := fx.sched.Schedule(context.Background(), Request{Action: ActionHeaterOff, When: "2030-12-12T08:00:00Z"})
	require.NoError(t, err)
	early, err := fx.sched.Schedule(context.Background(), Request{Action: ActionHeaterOn, When: "2030-12-11T06:30:00Z"})
	require.NoError(t, err)

	jobs, err := fx.sched.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early.JobID, jobs[0].JobID)
	assert.Equal(t, late.JobID, jobs[1].JobID)
}

func TestScheduleSurvivesTransientEmptyRead(t *testing.T) {
	fx := newFixture(t, nil, foreignSeed...)
	fx.runner.FailLists = 1

	_, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   "2030-12-11T06:30:00-08:00",
	})
	require.NoError(t, err)
	assert.Len(t, fx.runner.Lines(), 4, "transient read must not wipe the table")
}

func TestCancelUnknownJobErrors(t *testing.T) {
	fx := newFixture(t, nil)
	assert.Error(t, fx.sched.Cancel(context.Background(), "job-missing1"))
}

func TestCancelRemovesEntryEvenWithoutRecord(t *testing.T) {
	seed := []string{"30 6 11 12 * runner.sh 'job-deadbeef' # HOTTUB:job-deadbeef:ON:ONCE"}
	fx := newFixture(t, nil, seed...)

	require.NoError(t, fx.sched.Cancel(context.Background(), "job-deadbeef"))
	assert.Empty(t, fx.runner.Lines())
}

type fakeMonitor struct {
	enabled   bool
	created   []string
	pinged    []string
	deleted   []string
	createErr error
}

func (m *fakeMonitor) Enabled() bool { return m.enabled }

func (m *fakeMonitor) CreateCheck(ctx context.Context, name, cronSchedule, timezone string, grace int) (*healthcheck.Check, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, name)
	return &healthcheck.Check{UUID: "uuid-" + name, PingURL: "https://hc-ping.example/" + name}, nil
}

func (m *fakeMonitor) Ping(ctx context.Context, pingURL string) error {
	m.pinged = append(m.pinged, pingURL)
	return nil
}

func (m *fakeMonitor) Delete(ctx context.Context, uuid string) error {
	m.deleted = append(m.deleted, uuid)
	return nil
}

func TestScheduleAttachesAndArmsHealthcheck(t *testing.T) {
	monitor := &fakeMonitor{enabled: true}
	fx := newFixture(t, monitor)

	job, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   "2030-12-11T06:30:00-08:00",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{job.JobID}, monitor.created)
	require.Len(t, monitor.pinged, 1)

	// The binding is persisted in the record.
	var onDisk Job
	require.NoError(t, fsutil.ReadJSON(filepath.Join(fx.dir, job.JobID+".json"), &onDisk))
	assert.Equal(t, "uuid-"+job.JobID, onDisk.HealthcheckUUID)
	assert.NotEmpty(t, onDisk.HealthcheckPingURL)

	// Cancel deletes the check.
	require.NoError(t, fx.sched.Cancel(context.Background(), job.JobID))
	assert.Equal(t, []string{"uuid-" + job.JobID}, monitor.deleted)
}

func TestScheduleSwallowsHealthcheckFailure(t *testing.T) {
	monitor := &fakeMonitor{enabled: true, createErr: assert.AnError}
	fx := newFixture(t, monitor)

	job, err := fx.sched.Schedule(context.Background(), Request{
		Action: ActionHeaterOn,
		When:   "2030-12-11T06:30:00-08:00",
	})
	require.NoError(t, err)
	assert.Empty(t, job.HealthcheckUUID)
}
