// SPDX-License-Identifier: MIT

package sensor

import (
	"errors"
	"io/fs"
	"time"

	"github.com/poolhouse/tubd/internal/config"
)

// Report is the raw payload posted by the ESP32.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Sensors   []struct {
		Address string  `json:"address"`
		TempC   float64 `json:"temp_c"`
	} `json:"sensors"`
}

// Resolve applies per-probe calibration and role mapping from config and
// builds the calibrated snapshot. Probes without a configured role default to
// water so a single-probe setup works out of the box.
func Resolve(report Report, cfg config.Config) Reading {
	r := Reading{Timestamp: report.Timestamp.UTC()}
	for _, raw := range report.Sensors {
		probe := Probe{Address: raw.Address, TempC: raw.TempC}
		role := "water"
		if sc, ok := cfg.SensorByAddress(raw.Address); ok {
			if sc.Role != "" {
				role = sc.Role
			}
			probe.Name = sc.Name
			if sc.CalibrationOffset != 0 {
				off := sc.CalibrationOffset
				probe.CalibrationOffset = &off
				probe.TempC += off
			}
		}
		probe.Role = role
		r.Sensors = append(r.Sensors, probe)

		c := probe.TempC
		f := FahrenheitFromCelsius(c)
		switch role {
		case "water":
			if r.WaterTempC == nil {
				r.WaterTempC, r.WaterTempF = &c, &f
			}
		case "ambient":
			if r.AmbientTempC == nil {
				r.AmbientTempC, r.AmbientTempF = &c, &f
			}
		}
	}
	return r
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
