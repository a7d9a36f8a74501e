package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error

	// PersistResults upserts completed unit results in one transaction.
	PersistResults(ctx context.Context, entityID, jobID string, results []models.UnitResult) error
	ListResults(ctx context.Context, filter ResultFilter) ([]*models.StoredResult, int, error)

	CreateUnitReport(ctx context.Context, report *models.UnitReport) error
}

type JobFilter struct {
	EntityID string
	Status   models.JobStatus
	Since    time.Time
	Page     int
	Limit    int
}

type ResultFilter struct {
	EntityID string
	JobID    string
	Page     int
	Limit    int
}

// pageBounds normalizes pagination to a limit in [1, 100] and a 1-based page.
func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
