// SPDX-License-Identifier: MIT

// Package equipment tracks durable heater/pump on-off state, applies the pump
// auto-off policy, and emits equipment events to the event log.
package equipment

import (
	"context"
	"fmt"
	"time"

	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/fsutil"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/metrics"
	"github.com/poolhouse/tubd/internal/sensor"
)

// PumpAutoOff is how long the pump may run before reads report it off.
const PumpAutoOff = 2 * time.Hour

// State is the persisted on/off state of one piece of equipment.
type State struct {
	On            bool       `json:"on"`
	LastChangedAt *time.Time `json:"lastChangedAt"`
}

// Status is the full persisted equipment status.
type Status struct {
	Heater State `json:"heater"`
	Pump   State `json:"pump"`
}

// ReadingSource supplies the latest water temperature for event annotation.
type ReadingSource interface {
	Latest() (*sensor.Reading, error)
}

// Tracker owns the equipment-status singleton.
type Tracker struct {
	path    string
	events  *eventlog.EquipmentLog
	sensors ReadingSource
	clock   func() time.Time
}

// NewTracker returns a tracker backed by the given status file. events and
// sensors may be nil in tests that do not exercise event emission.
func NewTracker(path string, events *eventlog.EquipmentLog, sensors ReadingSource) *Tracker {
	return &Tracker{path: path, events: events, sensors: sensors, clock: time.Now}
}

// WithClock overrides the clock, for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Status reads the persisted state, applying the pump auto-off rule. When the
// rule fires the transition is persisted before returning.
func (t *Tracker) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := fsutil.ReadJSONOrDefault(t.path, &st); err != nil {
		return Status{}, fmt.Errorf("read equipment status: %w", err)
	}

	if st.Pump.On && st.Pump.LastChangedAt != nil {
		deadline := st.Pump.LastChangedAt.Add(PumpAutoOff)
		if t.clock().After(deadline) {
			st.Pump.On = false
			st.Pump.LastChangedAt = &deadline
			if err := fsutil.WriteJSONAtomic(t.path, st); err != nil {
				return Status{}, fmt.Errorf("persist pump auto-off: %w", err)
			}
			metrics.SetEquipment(eventlog.EquipmentPump, false)
			logger := xlog.WithComponentFromContext(ctx, "equipment")
			logger.Info().
				Str(xlog.FieldEvent, "pump.auto_off").
				Time("cutoff", deadline).
				Msg("pump exceeded runtime limit, reported off")
		}
	}
	return st, nil
}

// SetHeater writes the heater state with a fresh timestamp and emits an event.
func (t *Tracker) SetHeater(ctx context.Context, on bool) error {
	return t.set(ctx, eventlog.EquipmentHeater, on)
}

// SetPump writes the pump state with a fresh timestamp and emits an event.
func (t *Tracker) SetPump(ctx context.Context, on bool) error {
	return t.set(ctx, eventlog.EquipmentPump, on)
}

func (t *Tracker) set(ctx context.Context, equipment string, on bool) error {
	st, err := t.Status(ctx)
	if err != nil {
		return err
	}

	now := t.clock().UTC()
	next := State{On: on, LastChangedAt: &now}
	switch equipment {
	case eventlog.EquipmentHeater:
		st.Heater = next
	case eventlog.EquipmentPump:
		st.Pump = next
	default:
		return fmt.Errorf("unknown equipment %q", equipment)
	}

	if err := fsutil.WriteJSONAtomic(t.path, st); err != nil {
		return fmt.Errorf("persist %s state: %w", equipment, err)
	}
	metrics.SetEquipment(equipment, on)

	t.emitEvent(ctx, equipment, on, now)
	return nil
}

// emitEvent appends the state change to the equipment log, annotated with the
// latest water temperature. Best-effort: failures are logged, never returned.
func (t *Tracker) emitEvent(ctx context.Context, equipment string, on bool, at time.Time) {
	if t.events == nil {
		return
	}
	logger := xlog.WithComponentFromContext(ctx, "equipment")

	var waterF *float64
	if t.sensors != nil {
		reading, err := t.sensors.Latest()
		if err != nil {
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "event.sensor_unavailable").
				Msg("annotating equipment event without water temperature")
		} else if reading != nil {
			waterF = reading.WaterTempF
		}
	}

	action := eventlog.ActionOff
	if on {
		action = eventlog.ActionOn
	}
	err := t.events.Append(eventlog.EquipmentEvent{
		Timestamp:  at,
		Equipment:  equipment,
		Action:     action,
		WaterTempF: waterF,
	})
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "event.append_failed").
			Str(xlog.FieldEquipment, equipment).
			Str(xlog.FieldAction, action).
			Msg("equipment event not recorded")
	}
}
