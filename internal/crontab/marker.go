// SPDX-License-Identifier: MIT

package crontab

import (
	"fmt"
	"regexp"
)

// MarkerTag identifies crontab lines owned by tubd.
const MarkerTag = "HOTTUB:"

// Scopes for owned entries.
const (
	ScopeOnce  = "ONCE"
	ScopeDaily = "DAILY"
)

// Labels for owned entries.
const (
	LabelOn         = "ON"
	LabelOff        = "OFF"
	LabelPump       = "PUMP"
	LabelHeatTarget = "HEAT-TARGET"
	LabelWakeUp     = "WAKE-UP"
)

// Marker is the ownership comment appended to every owned crontab line:
// HOTTUB:<jobId>:<LABEL>:<SCOPE>.
type Marker struct {
	JobID string
	Label string
	Scope string
}

// String renders the marker in its canonical form.
func (m Marker) String() string {
	return fmt.Sprintf("%s%s:%s:%s", MarkerTag, m.JobID, m.Label, m.Scope)
}

var markerRe = regexp.MustCompile(`HOTTUB:([A-Za-z0-9_-]+):([A-Z-]+):(ONCE|DAILY)`)

// ParseMarker extracts the marker from a crontab line, reporting whether the
// line is owned by tubd.
func ParseMarker(line string) (Marker, bool) {
	m := markerRe.FindStringSubmatch(line)
	if m == nil {
		return Marker{}, false
	}
	return Marker{JobID: m[1], Label: m[2], Scope: m[3]}, true
}
