package models

import "time"

// Intent is the minimal record needed to resume tracking a job after the
// process that started it is gone. JobID is empty until submission returns it.
type Intent struct {
	EntityID       string         `json:"entity_id"`
	JobID          string         `json:"job_id,omitempty"`
	RequestID      string         `json:"request_id"`
	RequestedUnits []string       `json:"requested_units"`
	Params         map[string]any `json:"params,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	ContextRef     string         `json:"context_ref,omitempty"`
}
