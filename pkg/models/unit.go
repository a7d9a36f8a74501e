package models

// UnitStatus is the state of one requested angle within a job.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusActive    UnitStatus = "active"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
)

// Rank orders statuses along the forward path pending -> active -> terminal.
// Unknown statuses rank below pending.
func (s UnitStatus) Rank() int {
	switch s {
	case UnitStatusPending:
		return 0
	case UnitStatusActive:
		return 1
	case UnitStatusCompleted, UnitStatusFailed:
		return 2
	}
	return -1
}

// IsTerminal reports whether the unit finished its current attempt.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusCompleted || s == UnitStatusFailed
}

// ResultRef is the opaque handle to a produced artifact.
type ResultRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Unit is the merged state of one angle.
type Unit struct {
	ID         string     `json:"unit_id"`
	Status     UnitStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	RetryCount int        `json:"retry_count"`
	Result     *ResultRef `json:"result,omitempty"`

	// Inferred is set when the failure was derived from the engine closing
	// the job without reporting this unit. A late completion may replace it.
	Inferred bool `json:"inferred,omitempty"`

	Retryable  bool `json:"retryable"`
	Reportable bool `json:"reportable"`
}

// UnitUpdate is one entry of an incoming status batch, from a poll or a retry.
type UnitUpdate struct {
	UnitID  string
	Status  UnitStatus
	Attempt int
	Result  *ResultRef
}

// UnitResult is one completed unit handed to the persistent store.
type UnitResult struct {
	UnitID  string    `db:"unit_id"  json:"unit_id"`
	Attempt int       `db:"attempt"  json:"attempt"`
	Result  ResultRef `json:"result"`
}
