// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the tubd control loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gauges

	// WaterTempF tracks the latest calibrated water temperature.
	WaterTempF = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubd_water_temp_fahrenheit",
		Help: "Latest calibrated water temperature in Fahrenheit.",
	})

	// AmbientTempF tracks the latest ambient temperature.
	AmbientTempF = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubd_ambient_temp_fahrenheit",
		Help: "Latest ambient temperature in Fahrenheit.",
	})

	// EquipmentOn tracks on/off state per equipment (1 on, 0 off).
	EquipmentOn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tubd_equipment_on",
		Help: "Equipment state, 1 when energized.",
	}, []string{"equipment"})

	// HeatingTargetF tracks the active heating target, 0 when inactive.
	HeatingTargetF = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubd_heating_target_fahrenheit",
		Help: "Active heating target in Fahrenheit, 0 when no target is set.",
	})

	// Counters

	// TicksTotal counts controller ticks by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubd_controller_ticks_total",
		Help: "Total controller ticks, by outcome (inactive/heating/target_reached).",
	}, []string{"outcome"})

	// WebhookFailuresTotal counts failed webhook triggers by event name.
	WebhookFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubd_webhook_failures_total",
		Help: "Total failed webhook triggers, by event.",
	}, []string{"event"})

	// JobsScheduledTotal counts scheduled jobs by action.
	JobsScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubd_jobs_scheduled_total",
		Help: "Total scheduled jobs, by action.",
	}, []string{"action"})

	// OrphansRemovedTotal counts crontab entries removed by reconciliation.
	OrphansRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubd_orphans_removed_total",
		Help: "Total orphaned crontab entries removed during reconciliation.",
	})

	// SensorReportsTotal counts accepted sensor reports.
	SensorReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tubd_sensor_reports_total",
		Help: "Total accepted sensor reports.",
	})

	// EstimatorSessionsAnalyzed tracks sessions retained by the last estimator run.
	EstimatorSessionsAnalyzed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubd_estimator_sessions_analyzed",
		Help: "Heating sessions retained by the most recent characteristics run.",
	})
)

// RecordTick increments the tick counter for an outcome.
func RecordTick(outcome string) {
	TicksTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookFailure increments the webhook failure counter.
func RecordWebhookFailure(event string) {
	WebhookFailuresTotal.WithLabelValues(event).Inc()
}

// RecordJobScheduled increments the scheduled-jobs counter.
func RecordJobScheduled(action string) {
	JobsScheduledTotal.WithLabelValues(action).Inc()
}

// SetEquipment sets the equipment gauge from a boolean state.
func SetEquipment(equipment string, on bool) {
	v := 0.0
	if on {
		v = 1.0
	}
	EquipmentOn.WithLabelValues(equipment).Set(v)
}
