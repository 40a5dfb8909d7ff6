// SPDX-License-Identifier: MIT

// Package planner implements deadline-targeted heating: given a ready-by
// time and the fitted thermal characteristics, it decides when heating must
// begin so the water hits the target at the deadline, not long before it.
package planner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/poolhouse/tubd/internal/controller"
	xlog "github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/scheduler"
	"github.com/poolhouse/tubd/internal/sensor"
	"github.com/poolhouse/tubd/internal/thermal"
)

// ColdFloorF is the assumed worst-case start temperature when sizing the
// daily wake-up margin. SafetyMarginMinutes pads the estimate so the wake-up
// always fires early enough to refine.
const (
	ColdFloorF          = 58.0
	SafetyMarginMinutes = 15.0
)

// Wake-up outcomes.
const (
	StatusAlreadyAtTarget    = "already_at_target"
	StatusStaysWarm          = "stays_warm"
	StatusStartedImmediately = "started_immediately"
	StatusPrecisionScheduled = "precision_scheduled"
)

// Result is the outcome of one wake-up evaluation.
type Result struct {
	Status         string     `json:"status"`
	JobID          string     `json:"job_id,omitempty"`
	HeatMinutes    float64    `json:"heat_minutes,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ProjectedTempF *float64   `json:"projected_temp_f,omitempty"`
}

// ReadingSource supplies the latest calibrated reading.
type ReadingSource interface {
	Latest() (*sensor.Reading, error)
}

// Loop is the slice of the controller the planner drives.
type Loop interface {
	Start(ctx context.Context, targetF float64) (controller.Decision, error)
}

// Planner wires characteristics, sensors, the control loop and the job
// scheduler into the two deadline operations.
type Planner struct {
	charsPath string
	sensors   ReadingSource
	loop      Loop
	jobs      *scheduler.Scheduler
	clock     func() time.Time
	loc       *time.Location
}

// New returns a planner. loc is the timezone deadlines without an explicit
// offset are interpreted in; nil means UTC.
func New(charsPath string, sensors ReadingSource, loop Loop, jobs *scheduler.Scheduler, loc *time.Location) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{
		charsPath: charsPath,
		sensors:   sensors,
		loop:      loop,
		jobs:      jobs,
		clock:     time.Now,
		loc:       loc,
	}
}

// WithClock overrides the clock, for tests.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.clock = clock
	return p
}

// MaxHeatMinutes is the worst-case warm-up duration from the cold floor.
func MaxHeatMinutes(targetF float64, chars thermal.Characteristics) (float64, error) {
	if chars.HeatingVelocityFPerMin == nil || *chars.HeatingVelocityFPerMin <= 0 {
		return 0, fmt.Errorf("heating velocity unknown, run the estimator after a few heating sessions")
	}
	lag := 0.0
	if chars.StartupLagMinutes != nil {
		lag = *chars.StartupLagMinutes
	}
	return (targetF-ColdFloorF)/(*chars.HeatingVelocityFPerMin) + lag + SafetyMarginMinutes, nil
}

// CreateReadyBySchedule installs the recurring wake-up job for a daily
// deadline. readyBy is a "HH:MM±HH:MM" or "HH:MM" clock spec, stored verbatim
// so the wake-up handler recomputes against it on the day.
func (p *Planner) CreateReadyBySchedule(ctx context.Context, readyBy string, targetF float64) (scheduler.Job, error) {
	chars, err := thermal.Load(p.charsPath)
	if err != nil {
		return scheduler.Job{}, err
	}
	maxHeat, err := MaxHeatMinutes(targetF, chars)
	if err != nil {
		return scheduler.Job{}, err
	}

	deadline, err := p.nextDeadline(readyBy)
	if err != nil {
		return scheduler.Job{}, err
	}
	wake := deadline.Add(-minutes(maxHeat))
	wakeSpec := wake.In(p.loc).Format("15:04-07:00")

	job, err := p.jobs.Schedule(ctx, scheduler.Request{
		Action:    scheduler.ActionWakeUp,
		When:      wakeSpec,
		Recurring: true,
		Params: map[string]any{
			"target_temp_f": targetF,
			"ready_by_time": readyBy,
		},
	})
	if err != nil {
		return scheduler.Job{}, err
	}

	logger := xlog.WithComponentFromContext(ctx, "planner")
	logger.Info().
		Str(xlog.FieldEvent, "planner.ready_by_scheduled").
		Str(xlog.FieldJobID, job.JobID).
		Str("ready_by", readyBy).
		Str("wake_up", wakeSpec).
		Float64("max_heat_minutes", maxHeat).
		Msg("daily ready-by schedule installed")
	return job, nil
}

// HandleWakeUp refines the plan on the day: project the no-heating
// temperature at the deadline and either skip, start now, or schedule a
// precision start.
func (p *Planner) HandleWakeUp(ctx context.Context, readyBy string, targetF float64) (Result, error) {
	logger := xlog.WithComponentFromContext(ctx, "planner")
	now := p.clock()

	reading, err := p.sensors.Latest()
	if err != nil {
		return Result{}, err
	}
	if reading == nil || reading.WaterTempF == nil {
		return Result{}, fmt.Errorf("no water temperature reading available")
	}
	water := *reading.WaterTempF
	if water >= targetF {
		return Result{Status: StatusAlreadyAtTarget}, nil
	}

	chars, err := thermal.Load(p.charsPath)
	if err != nil {
		return Result{}, err
	}
	if chars.HeatingVelocityFPerMin == nil || *chars.HeatingVelocityFPerMin <= 0 {
		// No model yet. Starting now is the behavior that cannot strand the
		// user with a cold tub.
		logger.Warn().
			Str(xlog.FieldEvent, "planner.no_characteristics").
			Msg("characteristics missing, starting immediately")
		return p.startNow(ctx, targetF)
	}
	velocity := *chars.HeatingVelocityFPerMin
	lag := 0.0
	if chars.StartupLagMinutes != nil {
		lag = *chars.StartupLagMinutes
	}

	deadline, err := p.nextDeadline(readyBy)
	if err != nil {
		return Result{}, err
	}
	deltaMinutes := deadline.Sub(now).Minutes()

	projected := p.projectAtDeadline(water, reading, chars, deltaMinutes)
	if projected >= targetF {
		logger.Info().
			Str(xlog.FieldEvent, "planner.stays_warm").
			Float64("projected_temp_f", projected).
			Float64(xlog.FieldTargetF, targetF).
			Msg("no heating needed before the deadline")
		return Result{Status: StatusStaysWarm, ProjectedTempF: &projected}, nil
	}

	heatMinutes := (targetF-projected)/velocity + lag
	startTime := deadline.Add(-minutes(heatMinutes))
	if !startTime.After(now) {
		return p.startNow(ctx, targetF)
	}

	job, err := p.jobs.Schedule(ctx, scheduler.Request{
		Action:   scheduler.ActionHeaterOn,
		When:     startTime.UTC().Format(time.RFC3339),
		IDPrefix: scheduler.PrefixHeatTarget,
		Params:   map[string]any{"target_temp_f": targetF},
	})
	if err != nil {
		return Result{}, fmt.Errorf("schedule precision start: %w", err)
	}

	logger.Info().
		Str(xlog.FieldEvent, "planner.precision_scheduled").
		Str(xlog.FieldJobID, job.JobID).
		Float64("heat_minutes", heatMinutes).
		Time("start_time", startTime).
		Float64("projected_temp_f", projected).
		Msg("precision start scheduled")
	return Result{
		Status:         StatusPrecisionScheduled,
		JobID:          job.JobID,
		HeatMinutes:    heatMinutes,
		StartTime:      &startTime,
		ProjectedTempF: &projected,
	}, nil
}

func (p *Planner) startNow(ctx context.Context, targetF float64) (Result, error) {
	if _, err := p.loop.Start(ctx, targetF); err != nil {
		return Result{}, fmt.Errorf("start heating: %w", err)
	}
	return Result{Status: StatusStartedImmediately}, nil
}

// projectAtDeadline applies Newton cooling forward. Without a usable
// coefficient or an ambient reading the projection degrades to "no change".
func (p *Planner) projectAtDeadline(water float64, reading *sensor.Reading, chars thermal.Characteristics, deltaMinutes float64) float64 {
	k := chars.CoolingCoefficientK
	if k == nil {
		k = chars.MaxCoolingK
	}
	if k == nil || reading.AmbientTempF == nil || deltaMinutes <= 0 {
		return water
	}
	ambient := *reading.AmbientTempF
	return ambient + (water-ambient)*math.Exp(-*k*deltaMinutes)
}

// nextDeadline resolves a clock spec to the next instant it names within the
// coming 24 hours.
func (p *Planner) nextDeadline(readyBy string) (time.Time, error) {
	now := p.clock()
	if t, err := time.Parse("15:04Z07:00", readyBy); err == nil {
		ref := now.In(t.Location())
		at := time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if t, err := time.Parse("15:04", readyBy); err == nil {
		ref := now.In(p.loc)
		at := time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, p.loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	return time.Time{}, fmt.Errorf("invalid ready-by time %q, want HH:MM or HH:MM±HH:MM", readyBy)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
