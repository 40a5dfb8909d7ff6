// SPDX-License-Identifier: MIT

// Package api exposes the daemon's HTTP surface: control, scheduling,
// deadline planning, sensor ingest, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolhouse/tubd/internal/config"
	"github.com/poolhouse/tubd/internal/controller"
	"github.com/poolhouse/tubd/internal/equipment"
	"github.com/poolhouse/tubd/internal/eventlog"
	"github.com/poolhouse/tubd/internal/planner"
	"github.com/poolhouse/tubd/internal/scheduler"
	"github.com/poolhouse/tubd/internal/sensor"
	"github.com/poolhouse/tubd/internal/thermal"
	"github.com/poolhouse/tubd/internal/webhook"
)

// ingestRateLimit bounds sensor reports per device IP. The tightest expected
// cadence is one report per minute.
const ingestRateLimit = 60

// Deps carries everything the handlers need. Config is a provider so hot
// reloads take effect without restarting the server.
type Deps struct {
	Config     func() config.Config
	Sensors    *sensor.Store
	Equipment  *equipment.Tracker
	Controller *controller.Controller
	Planner    *planner.Planner
	Jobs       *scheduler.Scheduler
	Estimator  *thermal.Estimator
	CharsPath  string
	Outlet     webhook.Trigger
	TempLog    *eventlog.TemperatureLog
	Clock      func() time.Time
}

// Server is the HTTP front of the daemon.
type Server struct {
	deps Deps
}

// New returns a server. A nil Clock falls back to time.Now.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Server{deps: deps}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/target", s.handleTargetStart)
		r.Delete("/target", s.handleTargetStop)
		r.Post("/target/check", s.handleTargetCheck)

		r.Post("/heater/on", s.handleHeaterOn)
		r.Post("/heater/off", s.handleHeaterOff)
		r.Post("/pump/on", s.handlePump(true))
		r.Post("/pump/off", s.handlePump(false))

		r.Post("/jobs", s.handleJobCreate)
		r.Get("/jobs", s.handleJobList)
		r.Delete("/jobs/{jobID}", s.handleJobCancel)

		r.Post("/ready-by", s.handleReadyByCreate)
		r.Post("/ready-by/wake", s.handleWakeUp)

		r.Get("/characteristics", s.handleCharacteristics)
		r.Post("/characteristics/refresh", s.handleCharacteristicsRefresh)

		r.With(httprate.LimitByIP(ingestRateLimit, time.Minute)).
			Post("/sensors/report", s.handleSensorReport)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
