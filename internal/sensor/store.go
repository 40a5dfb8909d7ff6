// SPDX-License-Identifier: MIT

// Package sensor persists the most recent calibrated temperature reading and
// answers the polling-interval question for the reporting device.
package sensor

import (
	"fmt"
	"time"

	"github.com/poolhouse/tubd/internal/fsutil"
)

// Probe is one DS18B20 reading as reported by the device, annotated with the
// calibration applied on ingest.
type Probe struct {
	Address           string   `json:"address"`
	TempC             float64  `json:"temp_c"`
	CalibrationOffset *float64 `json:"calibration_offset,omitempty"`
	Role              string   `json:"role,omitempty"`
	Name              string   `json:"name,omitempty"`
}

// Reading is the latest calibrated snapshot. Ambient fields are nil when no
// ambient probe reported.
type Reading struct {
	Timestamp    time.Time `json:"timestamp"`
	ReceivedAt   time.Time `json:"received_at"`
	WaterTempC   *float64  `json:"water_temp_c"`
	WaterTempF   *float64  `json:"water_temp_f"`
	AmbientTempC *float64  `json:"ambient_temp_c"`
	AmbientTempF *float64  `json:"ambient_temp_f"`
	Sensors      []Probe   `json:"sensors"`
}

// Store owns the latest-reading cache file.
type Store struct {
	path  string
	clock func() time.Time
}

// NewStore returns a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path, clock: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Latest returns the most recent reading, or nil when none has been stored.
func (s *Store) Latest() (*Reading, error) {
	var r Reading
	if err := fsutil.ReadJSON(s.path, &r); err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sensor cache: %w", err)
	}
	return &r, nil
}

// Put stamps ReceivedAt and persists the reading atomically.
func (s *Store) Put(r Reading) error {
	r.ReceivedAt = s.clock().UTC()
	if err := fsutil.WriteJSONAtomic(s.path, r); err != nil {
		return fmt.Errorf("write sensor cache: %w", err)
	}
	return nil
}

// Interval returns the reporting cadence the device should use, in seconds.
// Tight cadence while the heater runs, relaxed otherwise.
func Interval(heaterOn bool) int {
	if heaterOn {
		return 60
	}
	return 300
}

// FahrenheitFromCelsius converts a Celsius temperature to Fahrenheit.
func FahrenheitFromCelsius(c float64) float64 {
	return c*9.0/5.0 + 32.0
}
