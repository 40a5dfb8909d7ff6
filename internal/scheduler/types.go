// SPDX-License-Identifier: MIT

// Package scheduler persists user-initiated jobs as record files bound to
// crontab entries, and reconciles the two sides on every list.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/poolhouse/tubd/internal/crontab"
)

// Sentinel errors the API layer maps to HTTP statuses.
var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrNotFound       = errors.New("job not found")
)

// Job ID prefixes. The controller's self-scheduled entries use PrefixHeatTarget
// and are exempt from orphan reconciliation.
const (
	PrefixOneOff     = "job-"
	PrefixRecurring  = "rec-"
	PrefixHeatTarget = "heat-target-"
)

// Actions accepted by the scheduler.
const (
	ActionHeaterOn  = "heater-on"
	ActionHeaterOff = "heater-off"
	ActionPumpOn    = "pump-on"
	ActionPumpOff   = "pump-off"
	ActionWakeUp    = "wake-up"
)

// actionEndpoints maps each allowed action to the API endpoint a fired job
// calls back into. Endpoints always begin with a slash; api_base_url never
// ends with one, so the join can never produce "//".
var actionEndpoints = map[string]string{
	ActionHeaterOn:  "/api/heater/on",
	ActionHeaterOff: "/api/heater/off",
	ActionPumpOn:    "/api/pump/on",
	ActionPumpOff:   "/api/pump/off",
	ActionWakeUp:    "/api/ready-by/wake",
}

// actionLabels maps actions to crontab marker labels.
var actionLabels = map[string]string{
	ActionHeaterOn:  crontab.LabelOn,
	ActionHeaterOff: crontab.LabelOff,
	ActionPumpOn:    crontab.LabelPump,
	ActionPumpOff:   crontab.LabelPump,
	ActionWakeUp:    crontab.LabelWakeUp,
}

// Job is the persisted record for one scheduled action.
type Job struct {
	JobID      string `json:"jobId"`
	Action     string `json:"action"`
	Endpoint   string `json:"endpoint"`
	APIBaseURL string `json:"apiBaseUrl"`
	Recurring  bool   `json:"recurring"`
	// ScheduledTime is an ISO-8601 instant for one-off jobs, or a
	// "HH:MM±HH:MM" clock spec for recurring jobs, stored verbatim.
	ScheduledTime string         `json:"scheduledTime"`
	CreatedAt     time.Time      `json:"createdAt"`
	Params        map[string]any `json:"params,omitempty"`

	HealthcheckUUID    string `json:"healthcheckUuid,omitempty"`
	HealthcheckPingURL string `json:"healthcheckPingUrl,omitempty"`
}

// URL joins the stored base URL and endpoint.
func (j Job) URL() string {
	return j.APIBaseURL + j.Endpoint
}

// Request describes a job to schedule.
type Request struct {
	Action string
	// When is an ISO-8601 instant for one-off jobs, or "HH:MM±HH:MM" /
	// "HH:MM" for recurring jobs.
	When      string
	Recurring bool
	Params    map[string]any
	// IDPrefix overrides the generated prefix; the controller and planner
	// use PrefixHeatTarget for precision jobs.
	IDPrefix string
}

func validateAction(action string) error {
	if _, ok := actionEndpoints[action]; !ok {
		allowed := make([]string, 0, len(actionEndpoints))
		for a := range actionEndpoints {
			allowed = append(allowed, a)
		}
		return fmt.Errorf("%w: unknown action %q, allowed: %s", ErrInvalidRequest, action, strings.Join(allowed, ", "))
	}
	return nil
}

// reconcilable reports whether a jobId participates in orphan cleanup.
// Controller-owned heat-target entries carry no record file and are exempt.
func reconcilable(jobID string) bool {
	return strings.HasPrefix(jobID, PrefixOneOff) || strings.HasPrefix(jobID, PrefixRecurring)
}
