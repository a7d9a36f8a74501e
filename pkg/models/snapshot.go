package models

import "time"

// Snapshot is the read-only view of the current job of one entity.
// Version increases by one every time a changed snapshot is published.
type Snapshot struct {
	EntityID        string          `json:"entity_id"`
	JobID           string          `json:"job_id,omitempty"`
	JobStatus       JobStatus       `json:"job_status,omitempty"`
	Units           map[string]Unit `json:"units"`
	Order           []string        `json:"order"`
	ProgressPercent int             `json:"progress_percent"`
	Message         string          `json:"message,omitempty"`
	TimedOut        bool            `json:"timed_out"`
	Version         int64           `json:"version"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Idle reports whether the snapshot describes no job at all.
func (s Snapshot) Idle() bool {
	return s.JobStatus == ""
}
