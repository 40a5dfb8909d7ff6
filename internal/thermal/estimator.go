// SPDX-License-Identifier: MIT

package thermal

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/fsutil"
	"github.com/poolhouse/tubd/internal/log"
	"github.com/poolhouse/tubd/internal/metrics"
)

const (
	minSessionDuration = 5 * time.Minute
	maxSessionDuration = 6 * time.Hour
	steadyStateTail    = 2 * time.Minute
	startupRiseF       = 0.5
	overshootWindow    = 10 * time.Minute

	settlePeriod      = 15 * time.Minute
	maxCoolingPairGap = 10 * time.Minute
	minTempDeltaF     = 1.0
	minCoolingSamples = 5
)

// Estimator mines the temperature and equipment logs and fits Characteristics.
type Estimator struct {
	temps  *eventlog.TemperatureLog
	events *eventlog.EquipmentLog
	path   string
	clock  func() time.Time
	logger zerolog.Logger
}

// New returns an estimator that persists its result to path.
func New(temps *eventlog.TemperatureLog, events *eventlog.EquipmentLog, path string) *Estimator {
	return &Estimator{
		temps:  temps,
		events: events,
		path:   path,
		clock:  time.Now,
		logger: log.WithComponent("thermal"),
	}
}

// WithClock overrides the time source. Intended for tests.
func (e *Estimator) WithClock(clock func() time.Time) *Estimator {
	e.clock = clock
	return e
}

// Refresh estimates over the given window and persists the result. Zero
// start/end leave that side of the window unbounded.
func (e *Estimator) Refresh(start, end time.Time) (Characteristics, error) {
	chars, err := e.Estimate(start, end)
	if err != nil {
		return Characteristics{}, err
	}
	if err := fsutil.WriteJSONAtomic(e.path, chars); err != nil {
		return Characteristics{}, fmt.Errorf("persist characteristics: %w", err)
	}
	metrics.EstimatorSessionsAnalyzed.Set(float64(chars.SessionsAnalyzed))

	e.logger.Info().
		Str(log.FieldEvent, "thermal.refresh").
		Int("sessions_analyzed", chars.SessionsAnalyzed).
		Int("cooling_data_points", chars.CoolingDataPoints).
		Msg("refreshed heating characteristics")
	return chars, nil
}

// Estimate computes Characteristics without persisting them. The result is
// deterministic for identical log contents.
func (e *Estimator) Estimate(start, end time.Time) (Characteristics, error) {
	entries, err := e.temps.ReadRange(start, end)
	if err != nil {
		return Characteristics{}, fmt.Errorf("read temperature logs: %w", err)
	}
	events, err := e.events.ReadAll()
	if err != nil {
		return Characteristics{}, fmt.Errorf("read equipment log: %w", err)
	}

	chars := Characteristics{GeneratedAt: e.clock().UTC()}

	sessions := extractSessions(events, entries, start, end)
	var velocities, lags, overshoots []float64
	for _, s := range sessions {
		m := s.metrics(entries)
		velocities = append(velocities, m.velocity)
		if m.lagKnown {
			lags = append(lags, m.lagMinutes)
		}
		overshoots = append(overshoots, m.overshoot)
	}
	chars.SessionsAnalyzed = len(sessions)
	if len(velocities) > 0 {
		chars.HeatingVelocityFPerMin = ptr(mean(velocities))
		chars.OvershootDegreesF = ptr(mean(overshoots))
	}
	if len(lags) > 0 {
		chars.StartupLagMinutes = ptr(mean(lags))
	}

	k, r2, points := fitCooling(events, entries)
	chars.CoolingDataPoints = points
	if points >= minCoolingSamples {
		chars.CoolingCoefficientK = ptr(k)
		chars.CoolingRSquared = ptr(r2)
	}
	return chars, nil
}

type session struct {
	on      time.Time
	off     time.Time
	samples []eventlog.TemperatureEntry
}

type sessionMetrics struct {
	velocity   float64
	lagMinutes float64
	lagKnown   bool
	overshoot  float64
}

// extractSessions pairs heater-on with the next heater-off and keeps the
// sessions that look like real heating runs.
func extractSessions(events []eventlog.EquipmentEvent, entries []eventlog.TemperatureEntry, start, end time.Time) []session {
	var sessions []session
	var onAt *time.Time
	for _, ev := range events {
		if ev.Equipment != eventlog.EquipmentHeater {
			continue
		}
		switch ev.Action {
		case eventlog.ActionOn:
			t := ev.Timestamp
			onAt = &t
		case eventlog.ActionOff:
			if onAt == nil {
				continue
			}
			s := session{on: *onAt, off: ev.Timestamp}
			onAt = nil
			if !start.IsZero() && s.on.Before(start) {
				continue
			}
			if !end.IsZero() && s.off.After(end) {
				continue
			}
			for _, entry := range entries {
				if entry.WaterTempF == nil {
					continue
				}
				if entry.Timestamp.Before(s.on) || entry.Timestamp.After(s.off) {
					continue
				}
				s.samples = append(s.samples, entry)
			}
			if s.valid() {
				sessions = append(sessions, s)
			}
		}
	}
	return sessions
}

func (s session) valid() bool {
	if len(s.samples) < 2 {
		return false
	}
	dur := s.off.Sub(s.on)
	if dur < minSessionDuration || dur > maxSessionDuration {
		return false
	}
	first := *s.samples[0].WaterTempF
	last := *s.samples[len(s.samples)-1].WaterTempF
	return last > first
}

func (s session) metrics(all []eventlog.TemperatureEntry) sessionMetrics {
	var m sessionMetrics

	first := *s.samples[0].WaterTempF
	for _, e := range s.samples {
		if *e.WaterTempF >= first+startupRiseF {
			m.lagMinutes = e.Timestamp.Sub(s.on).Minutes()
			m.lagKnown = true
			break
		}
	}

	m.velocity = s.steadyStateVelocity(m)

	// Overshoot: peak temperature within the window after off, relative to
	// the temperature at off.
	atOff := *s.samples[len(s.samples)-1].WaterTempF
	peak := atOff
	for _, e := range all {
		if e.WaterTempF == nil || e.Timestamp.Before(s.off) {
			continue
		}
		if e.Timestamp.After(s.off.Add(overshootWindow)) {
			break
		}
		if *e.WaterTempF > peak {
			peak = *e.WaterTempF
		}
	}
	m.overshoot = peak - atOff
	return m
}

// steadyStateVelocity fits a regression slope over the samples after the
// startup lag and before the final tail. Sessions too short for that window
// fall back to the overall rise over the overall duration.
func (s session) steadyStateVelocity(m sessionMetrics) float64 {
	windowStart := s.on
	if m.lagKnown {
		windowStart = s.on.Add(time.Duration(m.lagMinutes * float64(time.Minute)))
	}
	windowEnd := s.off.Add(-steadyStateTail)

	var xs, ys []float64
	for _, e := range s.samples {
		if e.Timestamp.Before(windowStart) || e.Timestamp.After(windowEnd) {
			continue
		}
		xs = append(xs, e.Timestamp.Sub(s.on).Minutes())
		ys = append(ys, *e.WaterTempF)
	}
	if len(xs) >= 2 {
		slope, _, _ := linearFit(xs, ys)
		return slope
	}

	first := *s.samples[0].WaterTempF
	last := *s.samples[len(s.samples)-1].WaterTempF
	return (last - first) / s.off.Sub(s.on).Minutes()
}

// fitCooling derives Newton cooling samples from heater-off stretches of the
// temperature log and returns the pruned mean coefficient, the r-squared of
// the log-linear fit and the retained sample count.
func fitCooling(events []eventlog.EquipmentEvent, entries []eventlog.TemperatureEntry) (k, r2 float64, points int) {
	var transitions []time.Time
	for _, ev := range events {
		if ev.Equipment == eventlog.EquipmentHeater {
			transitions = append(transitions, ev.Timestamp)
		}
	}
	settled := func(t time.Time) bool {
		for i := len(transitions) - 1; i >= 0; i-- {
			if !transitions[i].After(t) {
				return t.Sub(transitions[i]) >= settlePeriod
			}
		}
		return true
	}

	var ks, dts, logRatios []float64
	for i := 0; i+1 < len(entries); i++ {
		a, b := entries[i], entries[i+1]
		if a.HeaterOn || b.HeaterOn {
			continue
		}
		if a.WaterTempF == nil || b.WaterTempF == nil || a.AmbientTempF == nil {
			continue
		}
		if !settled(a.Timestamp) {
			continue
		}
		dt := b.Timestamp.Sub(a.Timestamp)
		if dt <= 0 || dt > maxCoolingPairGap {
			continue
		}
		ambient := *a.AmbientTempF
		d1 := *a.WaterTempF - ambient
		d2 := *b.WaterTempF - ambient
		if math.Abs(d1) < minTempDeltaF || math.Abs(d2) < minTempDeltaF {
			continue
		}
		ratio := d2 / d1
		if ratio <= 0 {
			continue
		}
		minutes := dt.Minutes()
		ks = append(ks, -math.Log(ratio)/minutes)
		dts = append(dts, minutes)
		logRatios = append(logRatios, math.Log(ratio))
	}

	ks, dts, logRatios = pruneOutliers(ks, dts, logRatios)
	if len(ks) == 0 {
		return 0, 0, 0
	}

	k = mean(ks)
	r2 = rSquaredAgainst(dts, logRatios, -k)
	return k, r2, len(ks)
}

// pruneOutliers drops samples more than two standard deviations above the
// mean, repeating until the set is stable. Pump-induced cooling bursts show
// up as high-k outliers.
func pruneOutliers(ks, dts, logRatios []float64) ([]float64, []float64, []float64) {
	for len(ks) > 2 {
		m := mean(ks)
		sd := stddev(ks, m)
		if sd < 1e-12 {
			break
		}
		cutoff := m + 2*sd
		var nk, nd, nl []float64
		for i, v := range ks {
			if v > cutoff {
				continue
			}
			nk = append(nk, v)
			nd = append(nd, dts[i])
			nl = append(nl, logRatios[i])
		}
		if len(nk) == len(ks) {
			break
		}
		ks, dts, logRatios = nk, nd, nl
	}
	return ks, dts, logRatios
}

func mean(vs []float64) float64 {
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddev(vs []float64, m float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)-1))
}

// linearFit returns the least-squares slope, intercept and r-squared of y
// over x.
func linearFit(xs, ys []float64) (slope, intercept, r2 float64) {
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, my, 0
	}
	slope = sxy / sxx
	intercept = my - slope*mx
	if syy == 0 {
		return slope, intercept, 1
	}
	r2 = (sxy * sxy) / (sxx * syy)
	return slope, intercept, r2
}

// rSquaredAgainst scores how well y = slope*x explains the observed ys.
func rSquaredAgainst(xs, ys []float64, slope float64) float64 {
	my := mean(ys)
	var ssRes, ssTot float64
	for i := range xs {
		pred := slope * xs[i]
		d := ys[i] - pred
		ssRes += d * d
		t := ys[i] - my
		ssTot += t * t
	}
	if ssTot == 0 {
		if ssRes < 1e-12 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func ptr(v float64) *float64 { return &v }
