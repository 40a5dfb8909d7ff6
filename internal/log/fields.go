// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldCheckUUID = "check_uuid"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAction    = "action"

	// Equipment / thermal fields
	FieldEquipment  = "equipment"
	FieldWaterTempF = "water_temp_f"
	FieldTargetF    = "target_temp_f"
	FieldHeaterOn   = "heater_on"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
