package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates the control panel backend against this service.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// UnitReport records a manual report for a unit whose retries ran out.
type UnitReport struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	EntityID  string    `db:"entity_id"  json:"entity_id"`
	JobID     string    `db:"job_id"     json:"job_id"`
	UnitID    string    `db:"unit_id"    json:"unit_id"`
	Note      string    `db:"note"       json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoredResult is a persisted unit result as listed back to the panel.
type StoredResult struct {
	EntityID  string    `db:"entity_id"  json:"entity_id"`
	JobID     string    `db:"job_id"     json:"job_id"`
	UnitID    string    `db:"unit_id"    json:"unit_id"`
	Attempt   int       `db:"attempt"    json:"attempt"`
	ResultID  string    `db:"result_id"  json:"result_id"`
	URL       string    `db:"result_url" json:"url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
