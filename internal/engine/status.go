package engine

import (
	"strings"

	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// JobState is the engine's own view of a whole job.
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// ParseUnitStatus converts a raw engine status into the unit state machine.
// ok is false for values the tracker does not understand; those are dropped.
func ParseUnitStatus(raw string) (models.UnitStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "waiting":
		return models.UnitStatusPending, true
	case "running", "processing", "active", "in_progress":
		return models.UnitStatusActive, true
	case "succeeded", "success", "completed", "done":
		return models.UnitStatusCompleted, true
	case "failed", "error", "cancelled", "canceled":
		return models.UnitStatusFailed, true
	}
	return "", false
}

// ParseJobState converts a raw job-level status. Anything not clearly finished
// is treated as still running.
func ParseJobState(raw string) JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed", "done":
		return JobStateCompleted
	case "failed", "error", "cancelled", "canceled":
		return JobStateFailed
	}
	return JobStateRunning
}
