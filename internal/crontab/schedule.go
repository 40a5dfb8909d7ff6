// SPDX-License-Identifier: MIT

package crontab

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// HostLocation resolves the host OS timezone. The external cron daemon
// evaluates schedules in the OS locale, so this must never observe an
// in-process override of the default timezone: the TZ environment variable
// and /etc/timezone are consulted before the process default.
func HostLocation() *time.Location {
	if tz := os.Getenv("TZ"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		if loc, err := time.LoadLocation(strings.TrimSpace(string(data))); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation("Local"); err == nil {
		return loc
	}
	return time.UTC
}

// Scheduler translates wall-clock targets into owned crontab entries. It
// isolates every other subsystem from cron-field formatting and timezone
// reasoning.
type Scheduler struct {
	table *Table
	loc   *time.Location
	clock func() time.Time
}

// NewScheduler returns a scheduler emitting fields in loc. A nil loc means
// the host OS timezone.
func NewScheduler(table *Table, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = HostLocation()
	}
	return &Scheduler{table: table, loc: loc, clock: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Table exposes the underlying adapter for callers that reconcile entries.
func (s *Scheduler) Table() *Table {
	return s.table
}

// Location returns the timezone cron fields are emitted in.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// CronExpression renders the five cron fields for an instant, without leading
// zeros, in the host timezone (or UTC when useUTC is set). Day-of-week stays
// `*`: cron fires when dom/month OR dow matches, so a concrete weekday would
// also fire on every same-weekday date before the target. Pure: the table is
// not touched.
func (s *Scheduler) CronExpression(unixTime int64, useUTC bool) string {
	loc := s.loc
	if useUTC {
		loc = time.UTC
	}
	t := time.Unix(unixTime, 0).In(loc)
	return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}

func (s *Scheduler) entryLine(expr, command, marker string) string {
	return fmt.Sprintf("%s  %s # %s", expr, command, marker)
}

// ScheduleAt installs a one-shot entry firing at the given instant. The
// command column and marker are emitted verbatim; callers supply their own
// quoting.
func (s *Scheduler) ScheduleAt(ctx context.Context, unixTime int64, command, marker string) (string, error) {
	expr := s.CronExpression(unixTime, false)
	if err := s.table.AddEntry(ctx, s.entryLine(expr, command, marker)); err != nil {
		return "", fmt.Errorf("install entry: %w", err)
	}
	return expr, nil
}

// ScheduleDaily installs a `m h * * *` entry from a clock-time spec of the
// form "HH:MM±HH:MM" (timezone-aware) or bare "HH:MM" (host timezone,
// back-compat).
func (s *Scheduler) ScheduleDaily(ctx context.Context, clockSpec, command, marker string) (string, error) {
	minute, hour, err := s.DailyFields(clockSpec)
	if err != nil {
		return "", err
	}
	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	if err := s.table.AddEntry(ctx, s.entryLine(expr, command, marker)); err != nil {
		return "", fmt.Errorf("install entry: %w", err)
	}
	return expr, nil
}

// DailyFields converts a clock-time spec into host-timezone minute and hour.
func (s *Scheduler) DailyFields(clockSpec string) (minute, hour int, err error) {
	if t, perr := time.Parse("15:04Z07:00", clockSpec); perr == nil {
		// Anchor on today's date in the spec's offset so the conversion
		// reflects the current UTC offset of the host zone.
		now := s.clock().In(t.Location())
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, t.Location()).In(s.loc)
		return at.Minute(), at.Hour(), nil
	}
	if t, perr := time.Parse("15:04", clockSpec); perr == nil {
		return t.Minute(), t.Hour(), nil
	}
	return 0, 0, fmt.Errorf("invalid clock time %q, want HH:MM or HH:MM±HH:MM", clockSpec)
}

// NextDaily returns the next instant at which a daily spec fires.
func (s *Scheduler) NextDaily(clockSpec string) (time.Time, error) {
	minute, hour, err := s.DailyFields(clockSpec)
	if err != nil {
		return time.Time{}, err
	}
	now := s.clock().In(s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// ToUTC normalizes an instant to UTC.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// ToServerTimezone renders an instant in the scheduler's timezone.
func (s *Scheduler) ToServerTimezone(t time.Time) time.Time {
	return t.In(s.loc)
}
