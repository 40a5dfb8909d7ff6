// SPDX-License-Identifier: MIT

package equipment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/sensor"
)

type fakeReadings struct {
	reading *sensor.Reading
	err     error
}

func (f *fakeReadings) Latest() (*sensor.Reading, error) { return f.reading, f.err }

func newTracker(t *testing.T, now time.Time, readings ReadingSource) (*Tracker, *eventlog.EquipmentLog) {
	t.Helper()
	dir := t.TempDir()
	events := eventlog.NewEquipmentLog(filepath.Join(dir, "equipment-events.log"))
	tracker := NewTracker(filepath.Join(dir, "equipment-status.json"), events, readings).
		WithClock(func() time.Time { return now })
	return tracker, events
}

func TestStatusDefaultsWhenFileAbsent(t *testing.T) {
	tracker, _ := newTracker(t, time.Now(), nil)

	st, err := tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Heater.On)
	assert.False(t, st.Pump.On)
	assert.Nil(t, st.Heater.LastChangedAt)
}

func TestSetHeaterEmitsEventWithWaterTemp(t *testing.T) {
	now := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	water := 84.2
	tracker, events := newTracker(t, now, &fakeReadings{reading: &sensor.Reading{WaterTempF: &water}})

	require.NoError(t, tracker.SetHeater(context.Background(), true))

	st, err := tracker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Heater.On)
	require.NotNil(t, st.Heater.LastChangedAt)
	assert.True(t, st.Heater.LastChangedAt.Equal(now))

	recorded, err := events.ReadAll()
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, eventlog.EquipmentHeater, recorded[0].Equipment)
	assert.Equal(t, eventlog.ActionOn, recorded[0].Action)
	require.NotNil(t, recorded[0].WaterTempF)
	assert.InDelta(t, 84.2, *recorded[0].WaterTempF, 1e-9)
}

func TestSetHeaterNilWaterTempWhenSensorEmpty(t *testing.T) {
	tracker, events := newTracker(t, time.Now(), &fakeReadings{})

	require.NoError(t, tracker.SetHeater(context.Background(), false))

	recorded, err := events.ReadAll()
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Nil(t, recorded[0].WaterTempF)
}

func TestRepeatSetRewritesTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	tracker, _ := newTracker(t, now, nil)

	require.NoError(t, tracker.SetPump(context.Background(), true))

	later := now.Add(30 * time.Minute)
	tracker.WithClock(func() time.Time { return later })
	require.NoError(t, tracker.SetPump(context.Background(), true))

	st, err := tracker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Pump.On)
	assert.True(t, st.Pump.LastChangedAt.Equal(later))
}

func TestPumpAutoOffPersisted(t *testing.T) {
	start := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	tracker, _ := newTracker(t, start, nil)
	require.NoError(t, tracker.SetPump(context.Background(), true))

	// Just inside the window: still on.
	tracker.WithClock(func() time.Time { return start.Add(PumpAutoOff) })
	st, err := tracker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Pump.On)

	// Past the window: reported off, lastChangedAt advanced by exactly the
	// auto-off duration, and the transition survives a re-read.
	tracker.WithClock(func() time.Time { return start.Add(PumpAutoOff + time.Minute) })
	st, err = tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Pump.On)
	require.NotNil(t, st.Pump.LastChangedAt)
	assert.True(t, st.Pump.LastChangedAt.Equal(start.Add(PumpAutoOff)))

	tracker.WithClock(func() time.Time { return start.Add(PumpAutoOff + 2*time.Minute) })
	st, err = tracker.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Pump.On)
	assert.True(t, st.Pump.LastChangedAt.Equal(start.Add(PumpAutoOff)))
}

func TestHeaterHasNoAutoOff(t *testing.T) {
	start := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	tracker, _ := newTracker(t, start, nil)
	require.NoError(t, tracker.SetHeater(context.Background(), true))

	tracker.WithClock(func() time.Time { return start.Add(6 * time.Hour) })
	st, err := tracker.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Heater.On)
}
