// SPDX-License-Identifier: MIT

// Package controller runs the closed heating loop as a one-shot reactor: each
// tick reads the sensors, actuates the heater through the webhook outlet, and
// schedules its own next tick as a crontab entry. Liveness lives in the
// external cron daemon, not in a long-running goroutine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poolhouse/tubd/internal/crontab"
	"github.com/poolhouse/tubd/internal/equipment"
	"github.com/poolhouse/tubd/internal/fsutil"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/metrics"
	"github.com/poolhouse/tubd/internal/scheduler"
	"github.com/poolhouse/tubd/internal/sensor"
	"github.com/poolhouse/tubd/internal/webhook"
)

// Targets the controller will actively heat toward. Tighter than the
// scheduler's bounds: a scheduled entry may carry a lower value, but heating
// only engages inside this band.
const (
	MinTargetTempF = 80.0
	MaxTargetTempF = 110.0
)

// tickMargin is the minimum lead time between installing the next-tick entry
// and the minute it fires. Less than this and the cron daemon may scan the
// table before the write lands.
const tickMargin = 5 * time.Second

// ErrTargetOutOfRange marks a Start target outside the allowed band.
var ErrTargetOutOfRange = errors.New("target out of range")

// TargetState is the persisted heating-target singleton.
type TargetState struct {
	Active      bool      `json:"active"`
	TargetTempF float64   `json:"target_temp_f,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
}

// Decision is the outcome of one tick.
type Decision struct {
	Active          bool       `json:"active"`
	Heating         bool       `json:"heating,omitempty"`
	TargetReached   bool       `json:"target_reached,omitempty"`
	HeaterTurnedOff bool       `json:"heater_turned_off,omitempty"`
	CronScheduled   bool       `json:"cron_scheduled,omitempty"`
	TargetTempF     float64    `json:"target_temp_f,omitempty"`
	CurrentTempF    *float64   `json:"current_temp_f,omitempty"`
	NextCheckAt     *time.Time `json:"next_check_at,omitempty"`
}

// ReadingSource supplies the latest calibrated reading.
type ReadingSource interface {
	Latest() (*sensor.Reading, error)
}

// Controller owns the heating-target state file and the heat-target crontab
// entries.
type Controller struct {
	statePath string
	jobsDir   string
	sensors   ReadingSource
	equipment *equipment.Tracker
	outlet    webhook.Trigger
	cron      *crontab.Scheduler
	// command is the crontab command column for self-scheduled ticks.
	command string
	clock   func() time.Time
}

// New wires a controller. command is the executable invoked by the
// self-scheduled tick entries.
func New(statePath, jobsDir string, sensors ReadingSource, tracker *equipment.Tracker, outlet webhook.Trigger, cron *crontab.Scheduler, command string) *Controller {
	return &Controller{
		statePath: statePath,
		jobsDir:   jobsDir,
		sensors:   sensors,
		equipment: tracker,
		outlet:    outlet,
		cron:      cron,
		command:   command,
		clock:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// State reads the persisted heating-target state.
func (c *Controller) State() (TargetState, error) {
	var st TargetState
	if err := fsutil.ReadJSONOrDefault(c.statePath, &st); err != nil {
		return TargetState{}, fmt.Errorf("read heating target: %w", err)
	}
	return st, nil
}

// Start validates the target, activates the loop, and runs the first tick
// inline so that a target already reached resolves immediately.
func (c *Controller) Start(ctx context.Context, targetF float64) (Decision, error) {
	if targetF < MinTargetTempF || targetF > MaxTargetTempF {
		return Decision{}, fmt.Errorf("%w: %.1f not in [%.0f,%.0f]", ErrTargetOutOfRange, targetF, MinTargetTempF, MaxTargetTempF)
	}
	st := TargetState{Active: true, TargetTempF: targetF, StartedAt: c.clock().UTC()}
	if err := fsutil.WriteJSONAtomic(c.statePath, st); err != nil {
		return Decision{}, fmt.Errorf("persist heating target: %w", err)
	}
	metrics.HeatingTargetF.Set(targetF)
	logger := xlog.WithComponentFromContext(ctx, "controller")
	logger.Info().
		Str(xlog.FieldEvent, "controller.start").
		Float64(xlog.FieldTargetF, targetF).
		Msg("heating target set")
	return c.CheckAndAdjust(ctx)
}

// Stop deactivates the loop, turns the heater off when it is running, and
// removes every heat-target crontab entry and record. A webhook failure after
// cleanup is logged, not returned.
func (c *Controller) Stop(ctx context.Context) error {
	logger := xlog.WithComponentFromContext(ctx, "controller")

	if err := fsutil.WriteJSONAtomic(c.statePath, TargetState{}); err != nil {
		return fmt.Errorf("clear heating target: %w", err)
	}
	metrics.HeatingTargetF.Set(0)

	st, err := c.equipment.Status(ctx)
	if err != nil {
		return err
	}
	heaterWasOn := st.Heater.On
	if heaterWasOn {
		if err := c.equipment.SetHeater(ctx, false); err != nil {
			return err
		}
	}

	if err := c.removeTickEntries(ctx); err != nil {
		return err
	}
	c.removeRecords(logger)

	if heaterWasOn {
		if err := c.outlet.Trigger(ctx, webhook.EventHeatOff); err != nil {
			metrics.RecordWebhookFailure(webhook.EventHeatOff)
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "webhook.failed").
				Msg("heat-off webhook failed after stop cleanup")
		}
	}

	// Second pass closes the window where a wake-up installed an entry
	// between the first removal and the cleanup above.
	if err := c.removeTickEntries(ctx); err != nil {
		return err
	}

	logger.Info().
		Str(xlog.FieldEvent, "controller.stop").
		Bool("heater_was_on", heaterWasOn).
		Msg("heating target cleared")
	return nil
}

// CheckAndAdjust runs one tick of the loop.
func (c *Controller) CheckAndAdjust(ctx context.Context) (Decision, error) {
	logger := xlog.WithComponentFromContext(ctx, "controller")

	st, err := c.State()
	if err != nil {
		return Decision{}, err
	}
	if !st.Active {
		metrics.RecordTick("inactive")
		return Decision{Active: false}, nil
	}

	reading, err := c.sensors.Latest()
	if err != nil {
		metrics.RecordTick("no_reading")
		return Decision{}, err
	}
	if reading == nil || reading.WaterTempF == nil {
		metrics.RecordTick("no_reading")
		return Decision{}, fmt.Errorf("no water temperature reading available")
	}
	current := *reading.WaterTempF

	eq, err := c.equipment.Status(ctx)
	if err != nil {
		return Decision{}, err
	}

	if current >= st.TargetTempF {
		return c.targetReached(ctx, st, current, eq.Heater.On)
	}
	return c.continueHeating(ctx, st, current, eq.Heater.On, logger)
}

// targetReached clears state and shuts the heater down. State is written
// before the webhook fires so a webhook failure cannot leave the loop armed.
func (c *Controller) targetReached(ctx context.Context, st TargetState, current float64, heaterOn bool) (Decision, error) {
	logger := xlog.WithComponentFromContext(ctx, "controller")

	if err := fsutil.WriteJSONAtomic(c.statePath, TargetState{}); err != nil {
		return Decision{}, fmt.Errorf("clear heating target: %w", err)
	}
	metrics.HeatingTargetF.Set(0)
	if err := c.removeTickEntries(ctx); err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Active:          true,
		TargetReached:   true,
		HeaterTurnedOff: heaterOn,
		TargetTempF:     st.TargetTempF,
		CurrentTempF:    &current,
	}

	if heaterOn {
		if err := c.equipment.SetHeater(ctx, false); err != nil {
			return Decision{}, err
		}
		if err := c.outlet.Trigger(ctx, webhook.EventHeatOff); err != nil {
			metrics.RecordWebhookFailure(webhook.EventHeatOff)
			return Decision{}, fmt.Errorf("heat-off webhook: %w", err)
		}
	}

	// Second removal pass, closing the decide/actuate/schedule race.
	if err := c.removeTickEntries(ctx); err != nil {
		return Decision{}, err
	}
	c.removeRecords(logger)

	metrics.RecordTick("target_reached")
	logger.Info().
		Str(xlog.FieldEvent, "controller.target_reached").
		Float64(xlog.FieldWaterTempF, current).
		Float64(xlog.FieldTargetF, st.TargetTempF).
		Bool("heater_turned_off", heaterOn).
		Msg("target reached, loop cleared")
	return decision, nil
}

// continueHeating turns the heater on when needed and installs the next tick.
// The webhook fires before any state is written: a failed heat-on leaves the
// tracker untouched and leaves scheduling to the next tick.
func (c *Controller) continueHeating(ctx context.Context, st TargetState, current float64, heaterOn bool, logger zerolog.Logger) (Decision, error) {
	if !heaterOn {
		if err := c.outlet.Trigger(ctx, webhook.EventHeatOn); err != nil {
			metrics.RecordWebhookFailure(webhook.EventHeatOn)
			metrics.RecordTick("webhook_failed")
			return Decision{}, fmt.Errorf("heat-on webhook: %w", err)
		}
		if err := c.equipment.SetHeater(ctx, true); err != nil {
			return Decision{}, err
		}
	}

	next := c.NextCheckTime(c.clock())
	marker := crontab.Marker{JobID: newTickID(), Label: crontab.LabelHeatTarget, Scope: crontab.ScopeOnce}
	if _, err := c.cron.ScheduleAt(ctx, next.Unix(), c.command, marker.String()); err != nil {
		return Decision{}, fmt.Errorf("schedule next tick: %w", err)
	}

	metrics.RecordTick("continue_heating")
	logger.Info().
		Str(xlog.FieldEvent, "controller.tick").
		Float64(xlog.FieldWaterTempF, current).
		Float64(xlog.FieldTargetF, st.TargetTempF).
		Bool("heater_was_on", heaterOn).
		Time("next_check_at", next).
		Msg("below target, heating continues")
	return Decision{
		Active:        true,
		Heating:       true,
		CronScheduled: true,
		TargetTempF:   st.TargetTempF,
		CurrentTempF:  &current,
		NextCheckAt:   &next,
	}, nil
}

// NextCheckTime returns the next tick instant: the nearest minute boundary at
// least tickMargin away. The result is always on a minute boundary and
// strictly after now.
func (c *Controller) NextCheckTime(now time.Time) time.Time {
	sec := now.Unix()
	if now.Nanosecond() > 0 {
		sec++
	}
	next := ((sec + 59) / 60) * 60
	if next-sec < int64(tickMargin/time.Second) {
		next += 60
	}
	return time.Unix(next, 0).In(now.Location())
}

func (c *Controller) removeTickEntries(ctx context.Context) error {
	if _, err := c.cron.Table().RemoveByPattern(ctx, "heat-target"); err != nil {
		return fmt.Errorf("remove heat-target entries: %w", err)
	}
	return nil
}

// removeRecords deletes any heat-target job record files left behind by the
// planner's precision jobs. Best-effort.
func (c *Controller) removeRecords(logger zerolog.Logger) {
	files, err := filepath.Glob(filepath.Join(c.jobsDir, scheduler.PrefixHeatTarget+"*.json"))
	if err != nil {
		return
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).
				Str(xlog.FieldPath, file).
				Str(xlog.FieldEvent, "controller.record_remove_failed").
				Msg("stale heat-target record left behind")
		}
	}
}

func newTickID() string {
	return scheduler.PrefixHeatTarget + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
