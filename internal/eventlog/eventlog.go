// SPDX-License-Identifier: MIT

// Package eventlog maintains the append-only JSONL logs the characteristics
// estimator mines: per-day temperature logs and the equipment event log.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Equipment names used in event records.
const (
	EquipmentHeater = "heater"
	EquipmentPump   = "pump"
)

// Actions used in event records.
const (
	ActionOn  = "on"
	ActionOff = "off"
)

// TemperatureEntry is one line of a daily temperature log.
type TemperatureEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	WaterTempF   *float64  `json:"water_temp_f"`
	WaterTempC   *float64  `json:"water_temp_c"`
	AmbientTempF *float64  `json:"ambient_temp_f"`
	AmbientTempC *float64  `json:"ambient_temp_c"`
	HeaterOn     bool      `json:"heater_on"`
}

// EquipmentEvent is one line of the equipment event log.
type EquipmentEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Equipment  string    `json:"equipment"`
	Action     string    `json:"action"`
	WaterTempF *float64  `json:"water_temp_f"`
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 -- confined to the logs dir
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path) // #nosec G304 -- confined to the logs dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			// A torn trailing line from a crashed writer is skipped, not fatal.
			continue
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log %s: %w", path, err)
	}
	return out, nil
}

// TemperatureLog appends to and reads the per-day temperature logs.
type TemperatureLog struct {
	dir string
}

// NewTemperatureLog returns a log rooted at the given directory.
func NewTemperatureLog(dir string) *TemperatureLog {
	return &TemperatureLog{dir: dir}
}

func (l *TemperatureLog) fileFor(day time.Time) string {
	return filepath.Join(l.dir, "temperature-"+day.UTC().Format("2006-01-02")+".log")
}

// Append writes one entry to the log file named after the entry's day.
func (l *TemperatureLog) Append(e TemperatureEntry) error {
	return appendLine(l.fileFor(e.Timestamp), e)
}

// ReadRange returns all entries with start <= timestamp <= end, ordered by
// timestamp. Zero start/end leave that side unbounded.
func (l *TemperatureLog) ReadRange(start, end time.Time) ([]TemperatureEntry, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "temperature-*.log"))
	if err != nil {
		return nil, fmt.Errorf("glob temperature logs: %w", err)
	}
	sort.Strings(files)

	var out []TemperatureEntry
	for _, file := range files {
		entries, err := readLines[TemperatureEntry](file)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !start.IsZero() && e.Timestamp.Before(start) {
				continue
			}
			if !end.IsZero() && e.Timestamp.After(end) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// EquipmentLog appends to and reads the single equipment event log.
type EquipmentLog struct {
	path string
}

// NewEquipmentLog returns a log backed by the given file.
func NewEquipmentLog(path string) *EquipmentLog {
	return &EquipmentLog{path: path}
}

// Append writes one event.
func (l *EquipmentLog) Append(e EquipmentEvent) error {
	return appendLine(l.path, e)
}

// ReadAll returns every event in file order. A missing file yields nil.
func (l *EquipmentLog) ReadAll() ([]EquipmentEvent, error) {
	return readLines[EquipmentEvent](l.path)
}
