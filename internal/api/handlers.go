// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/poolhouse/tubd/internal/controller"
	"github.com/poolhouse/tubd/internal/equipment"
	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/metrics"
	"github.com/poolhouse/tubd/internal/scheduler"
	"github.com/poolhouse/tubd/internal/sensor"
	"github.com/poolhouse/tubd/internal/thermal"
	"github.com/poolhouse/tubd/internal/webhook"
)

type statusResponse struct {
	Reading   *sensor.Reading        `json:"reading"`
	Equipment equipment.Status       `json:"equipment"`
	Target    controller.TargetState `json:"target"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reading, err := s.deps.Sensors.Latest()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	eq, err := s.deps.Equipment.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	target, err := s.deps.Controller.State()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Reading: reading, Equipment: eq, Target: target})
}

type targetRequest struct {
	TargetTempF float64 `json:"target_temp_f"`
}

func (s *Server) handleTargetStart(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := s.deps.Controller.Start(r.Context(), req.TargetTempF)
	if err != nil {
		if errors.Is(err, controller.ErrTargetOutOfRange) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleTargetStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTargetCheck(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Controller.CheckAndAdjust(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleHeaterOn turns the heater on. With a target_temp_f in the body it
// arms the closed loop instead, which is how the planner's precision jobs
// land.
func (s *Server) handleHeaterOn(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TargetTempF != 0 {
		decision, err := s.deps.Controller.Start(r.Context(), req.TargetTempF)
		if err != nil {
			if errors.Is(err, controller.ErrTargetOutOfRange) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
		return
	}

	if err := s.deps.Outlet.Trigger(r.Context(), webhook.EventHeatOn); err != nil {
		metrics.RecordWebhookFailure(webhook.EventHeatOn)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.deps.Equipment.SetHeater(r.Context(), true); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"heater_on": true})
}

// handleHeaterOff stops any active loop and shuts the heater down; both paths
// share the controller's cleanup.
func (s *Server) handleHeaterOff(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"heater_on": false})
}

func (s *Server) handlePump(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event := webhook.EventPumpOff
		if on {
			event = webhook.EventPumpOn
		}
		if err := s.deps.Outlet.Trigger(r.Context(), event); err != nil {
			metrics.RecordWebhookFailure(event)
			writeError(w, http.StatusBadGateway, err)
			return
		}
		if err := s.deps.Equipment.SetPump(r.Context(), on); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"pump_on": on})
	}
}

type jobRequest struct {
	Action        string         `json:"action"`
	ScheduledTime string         `json:"scheduled_time"`
	Recurring     bool           `json:"recurring"`
	Params        map[string]any `json:"params"`
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.deps.Jobs.Schedule(r.Context(), scheduler.Request{
		Action:    req.Action,
		When:      req.ScheduledTime,
		Recurring: req.Recurring,
		Params:    req.Params,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.deps.Jobs.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type readyByRequest struct {
	ReadyByTime string  `json:"ready_by_time"`
	TargetTempF float64 `json:"target_temp_f"`
}

func (s *Server) handleReadyByCreate(w http.ResponseWriter, r *http.Request) {
	var req readyByRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.deps.Planner.CreateReadyBySchedule(r.Context(), req.ReadyByTime, req.TargetTempF)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleWakeUp(w http.ResponseWriter, r *http.Request) {
	var req readyByRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.deps.Planner.HandleWakeUp(r.Context(), req.ReadyByTime, req.TargetTempF)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCharacteristics(w http.ResponseWriter, r *http.Request) {
	chars, err := thermal.Load(s.deps.CharsPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

type refreshRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleCharacteristicsRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var start, end time.Time
	var err error
	if req.StartDate != "" {
		if start, err = time.Parse("2006-01-02", req.StartDate); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start_date: %w", err))
			return
		}
	}
	if req.EndDate != "" {
		if end, err = time.Parse("2006-01-02", req.EndDate); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end_date: %w", err))
			return
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	chars, err := s.deps.Estimator.Refresh(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

type ingestResponse struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// handleSensorReport ingests one ESP32 report: calibrate, cache the latest
// snapshot, append a temperature log line, and tell the device how soon to
// report again.
func (s *Server) handleSensorReport(w http.ResponseWriter, r *http.Request) {
	var report sensor.Report
	if err := decodeBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(report.Sensors) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("report carries no sensors"))
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = s.deps.Clock().UTC()
	}

	reading := sensor.Resolve(report, s.deps.Config())
	if err := s.deps.Sensors.Put(reading); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	eq, err := s.deps.Equipment.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entry := eventlog.TemperatureEntry{
		Timestamp:    reading.Timestamp,
		WaterTempF:   reading.WaterTempF,
		WaterTempC:   reading.WaterTempC,
		AmbientTempF: reading.AmbientTempF,
		AmbientTempC: reading.AmbientTempC,
		HeaterOn:     eq.Heater.On,
	}
	if err := s.deps.TempLog.Append(entry); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if reading.WaterTempF != nil {
		metrics.WaterTempF.Set(*reading.WaterTempF)
	}
	if reading.AmbientTempF != nil {
		metrics.AmbientTempF.Set(*reading.AmbientTempF)
	}
	metrics.SensorReportsTotal.Inc()

	writeJSON(w, http.StatusOK, ingestResponse{IntervalSeconds: sensor.Interval(eq.Heater.On)})
}
