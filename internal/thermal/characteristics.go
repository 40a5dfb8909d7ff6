// SPDX-License-Identifier: MIT

// Package thermal fits the tub's heating and cooling behavior from the
// append-only logs: heating velocity, startup lag, overshoot and a Newton
// cooling coefficient. The planner consumes the result.
package thermal

import (
	"time"

	"github.com/poolhouse/tubd/internal/fsutil"
)

// Characteristics is the fitted summary of the tub's thermal behavior. Any
// field may be null when the logs do not carry enough data to fit it.
type Characteristics struct {
	HeatingVelocityFPerMin *float64  `json:"heating_velocity_f_per_min"`
	StartupLagMinutes      *float64  `json:"startup_lag_minutes"`
	OvershootDegreesF      *float64  `json:"overshoot_degrees_f"`
	CoolingCoefficientK    *float64  `json:"cooling_coefficient_k"`
	CoolingRSquared        *float64  `json:"cooling_r_squared"`
	CoolingDataPoints      int       `json:"cooling_data_points"`
	SessionsAnalyzed       int       `json:"sessions_analyzed"`
	GeneratedAt            time.Time `json:"generated_at"`

	// MaxCoolingK is not produced by the estimator. Older state files carry
	// it as a hand-measured worst case and the planner falls back to it when
	// no fitted coefficient exists.
	MaxCoolingK *float64 `json:"max_cooling_k,omitempty"`
}

// Load reads the persisted characteristics. A missing file yields an empty
// object with SessionsAnalyzed zero and all pointers nil.
func Load(path string) (Characteristics, error) {
	var c Characteristics
	if err := fsutil.ReadJSONOrDefault(path, &c); err != nil {
		return Characteristics{}, err
	}
	return c, nil
}
