// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/equipment"
	"github.com/poolhouse/tubd/internal/fsutil"
	"github.com/poolhouse/tubd/internal/sensor"
)

type fakeReadings struct {
	waterF *float64
	err    error
}

func (f *fakeReadings) Latest() (*sensor.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.waterF == nil {
		return nil, nil
	}
	return &sensor.Reading{WaterTempF: f.waterF}, nil
}

type fakeOutlet struct {
	events []string
	failOn map[string]error
}

func (f *fakeOutlet) Trigger(ctx context.Context, event string) error {
	if err := f.failOn[event]; err != nil {
		return err
	}
	f.events = append(f.events, event)
	return nil
}

type fixture struct {
	ctl       *Controller
	runner    *crontab.MemoryRunner
	tracker   *equipment.Tracker
	readings  *fakeReadings
	outlet    *fakeOutlet
	jobsDir   string
	statePath string
	now       time.Time
}

func newFixture(t *testing.T, waterF float64, seed ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 8, 24, 12, 0, 3, 0, time.UTC)
	clock := func() time.Time { return now }

	runner := crontab.NewMemoryRunner(seed...)
	cron := crontab.NewScheduler(crontab.NewTable(runner), time.UTC).WithClock(clock)
	tracker := equipment.NewTracker(filepath.Join(dir, "equipment-status.json"), nil, nil).WithClock(clock)
	readings := &fakeReadings{waterF: &waterF}
	outlet := &fakeOutlet{failOn: map[string]error{}}
	jobsDir := filepath.Join(dir, "scheduled-jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0o755))

	statePath := filepath.Join(dir, "target-temperature.json")
	ctl := New(statePath, jobsDir,
		readings, tracker, outlet, cron, "/usr/local/bin/tubctl tick").
		WithClock(clock)
	return &fixture{ctl: ctl, runner: runner, tracker: tracker, readings: readings, outlet: outlet, jobsDir: jobsDir, statePath: statePath, now: now}
}

func tickEntries(lines []string) []string {
	var out []string
	for _, line := range lines {
		if strings.Contains(line, "HEAT-TARGET") {
			out = append(out, line)
		}
	}
	return out
}

func TestStartRejectsOutOfRangeTarget(t *testing.T) {
	fx := newFixture(t, 82)
	for _, target := range []float64{79.9, 110.1, -5} {
		_, err := fx.ctl.Start(context.Background(), target)
		assert.Error(t, err, "target %v", target)
	}
	assert.Empty(t, fx.runner.Lines())
}

func TestStartColdTurnsHeaterOnAndSchedulesTick(t *testing.T) {
	fx := newFixture(t, 82.0)

	d, err := fx.ctl.Start(context.Background(), 103.5)
	require.NoError(t, err)

	assert.True(t, d.Active)
	assert.True(t, d.Heating)
	assert.True(t, d.CronScheduled)
	assert.Equal(t, 103.5, d.TargetTempF)
	require.NotNil(t, d.NextCheckAt)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC), d.NextCheckAt.UTC())

	assert.Equal(t, []string{"hot-tub-heat-on"}, fx.outlet.events)
	eq, err := fx.tracker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, eq.Heater.On)

	entries := tickEntries(fx.runner.Lines())
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "HOTTUB:heat-target-")
	assert.Contains(t, entries[0], ":HEAT-TARGET:ONCE")
	assert.Contains(t, entries[0], "tubctl tick")

	st, err := fx.ctl.State()
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 103.5, st.TargetTempF)
}

func TestTickTargetReachedShutsDown(t *testing.T) {
	seed := []string{
		"30 1 * * 0 acme.sh --cron",
		"1 12 24 8 *  /usr/local/bin/tubctl tick # HOTTUB:heat-target-aa11bb22:HEAT-TARGET:ONCE",
	}
	fx := newFixture(t, 103.5, seed...)
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(fx.jobsDir, "heat-target-aa11bb22.json"), map[string]string{"jobId": "heat-target-aa11bb22"}))
	require.NoError(t, fx.tracker.SetHeater(context.Background(), true))
	require.NoError(t, fsutil.WriteJSONAtomic(fx.statePath, TargetState{Active: true, TargetTempF: 103.5, StartedAt: fx.now}))

	d, err := fx.ctl.CheckAndAdjust(context.Background())
	require.NoError(t, err)
	assert.True(t, d.TargetReached)
	assert.True(t, d.HeaterTurnedOff)

	assert.Contains(t, fx.outlet.events, "hot-tub-heat-off")
	eq, err := fx.tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, eq.Heater.On)

	st, err := fx.ctl.State()
	require.NoError(t, err)
	assert.False(t, st.Active)

	lines := fx.runner.Lines()
	assert.Empty(t, tickEntries(lines))
	assert.Contains(t, lines, "30 1 * * 0 acme.sh --cron")

	_, statErr := os.Stat(filepath.Join(fx.jobsDir, "heat-target-aa11bb22.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartTwiceAboveTargetIsIdempotent(t *testing.T) {
	fx := newFixture(t, 104.0)

	for i := 0; i < 2; i++ {
		d, err := fx.ctl.Start(context.Background(), 103.5)
		require.NoError(t, err, "call %d", i)
		assert.True(t, d.TargetReached, "call %d", i)
		assert.False(t, d.HeaterTurnedOff, "call %d", i)
	}
	st, err := fx.ctl.State()
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Empty(t, tickEntries(fx.runner.Lines()))
}

func TestTickInactiveDoesNothing(t *testing.T) {
	fx := newFixture(t, 82)
	d, err := fx.ctl.CheckAndAdjust(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Active)
	assert.Empty(t, fx.outlet.events)
	assert.Empty(t, fx.runner.Lines())
}

func TestHeatOnWebhookFailureLeavesTrackerUntouched(t *testing.T) {
	fx := newFixture(t, 82)
	fx.outlet.failOn["hot-tub-heat-on"] = assert.AnError

	_, err := fx.ctl.Start(context.Background(), 103.5)
	require.Error(t, err)

	eq, eqErr := fx.tracker.Status(context.Background())
	require.NoError(t, eqErr)
	assert.False(t, eq.Heater.On, "failed heat-on must not record the heater as on")
	assert.Empty(t, tickEntries(fx.runner.Lines()), "scheduling is left to the next tick")

	// The loop stays armed: the next tick retries.
	st, stErr := fx.ctl.State()
	require.NoError(t, stErr)
	assert.True(t, st.Active)
}

func TestTickWithoutReadingErrors(t *testing.T) {
	fx := newFixture(t, 82)
	fx.readings.waterF = nil
	_, err := fx.ctl.Start(context.Background(), 103.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no water temperature")
}

func TestStopTurnsHeaterOffAndCleans(t *testing.T) {
	seed := []string{"5 12 24 8 *  /usr/local/bin/tubctl tick # HOTTUB:heat-target-cc33dd44:HEAT-TARGET:ONCE"}
	fx := newFixture(t, 90, seed...)
	require.NoError(t, fx.tracker.SetHeater(context.Background(), true))
	_, err := fx.ctl.Start(context.Background(), 103.5)
	require.NoError(t, err)

	require.NoError(t, fx.ctl.Stop(context.Background()))

	eq, err := fx.tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, eq.Heater.On)
	assert.Contains(t, fx.outlet.events, "hot-tub-heat-off")
	assert.Empty(t, tickEntries(fx.runner.Lines()))

	st, err := fx.ctl.State()
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestStopSwallowsWebhookFailure(t *testing.T) {
	fx := newFixture(t, 90)
	require.NoError(t, fx.tracker.SetHeater(context.Background(), true))
	fx.outlet.failOn["hot-tub-heat-off"] = assert.AnError

	require.NoError(t, fx.ctl.Stop(context.Background()))

	eq, err := fx.tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, eq.Heater.On, "cleanup completes despite the webhook failure")
}

func TestNextCheckTimeProperties(t *testing.T) {
	fx := newFixture(t, 82)
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"mid minute", time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC), time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC)},
		{"exact boundary", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC)},
		{"inside margin", time.Date(2026, 8, 24, 12, 0, 58, 0, time.UTC), time.Date(2026, 8, 24, 12, 2, 0, 0, time.UTC)},
		{"margin edge", time.Date(2026, 8, 24, 12, 0, 55, 0, time.UTC), time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC)},
		{"nanos shave the margin", time.Date(2026, 8, 24, 12, 0, 55, 1, time.UTC), time.Date(2026, 8, 24, 12, 2, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fx.ctl.NextCheckTime(tc.now)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
			assert.Zero(t, got.Second())
			assert.Zero(t, got.Nanosecond())
			assert.True(t, got.After(tc.now))
			assert.GreaterOrEqual(t, got.Sub(tc.now), 5*time.Second)
		})
	}
}
