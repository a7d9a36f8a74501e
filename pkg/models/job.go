// Package models contains shared data models used across the Angle Studio codebase.
package models

import "time"

// JobStatus is the lifecycle state of one generation job.
type JobStatus string

const (
	JobStatusSubmitting JobStatus = "submitting"
	JobStatusPolling    JobStatus = "polling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusPartial    JobStatus = "partial"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition happens without an
// explicit retry or cancel.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the history row kept for every generation request. The live, mergeable
// state of a running job is the tracker's Snapshot; this row only records
// the lifecycle for auditing and the results listing.
type Job struct {
	ID             string     `db:"id"              json:"id"`
	EntityID       string     `db:"entity_id"       json:"entity_id"`
	RequestID      string     `db:"request_id"      json:"request_id"`
	RequestedUnits []string   `db:"requested_units" json:"requested_units"`
	Status         JobStatus  `db:"status"          json:"status"`
	Message        *string    `db:"message"         json:"message,omitempty"`
	StartedAt      time.Time  `db:"started_at"      json:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"     json:"finished_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}
