package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, entity_id, request_id, requested_units, status, message, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.EntityID, &j.RequestID, &j.RequestedUnits, &j.Status, &j.Message,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob records a job the engine accepted. Recording the same job id
// twice is a no-op, so a resumed job can be recorded again safely.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPolling
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_jobs (id, entity_id, request_id, requested_units, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.EntityID, job.RequestID, job.RequestedUnits, job.Status, job.StartedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"entity_id = $1"}
	args := []any{filter.EntityID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("started_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM generation_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := pageBounds(filter.Page, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM generation_jobs WHERE %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// Settled jobs may still improve through retries, never regress.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPolling: {models.JobStatusCompleted, models.JobStatusPartial, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusFailed:  {models.JobStatusPartial, models.JobStatusCompleted},
	models.JobStatusPartial: {models.JobStatusCompleted},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM generation_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if current != status && !slices.Contains(validTransitions[current], status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	var msg *string
	if message != "" {
		msg = &message
	}
	now := time.Now().UTC()
	var finished *time.Time
	if status.IsTerminal() {
		finished = &now
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = $2, message = COALESCE($3, message), finished_at = COALESCE($4, finished_at), updated_at = $5
		 WHERE id = $1`,
		id, status, msg, finished, now)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// --- Results ---

func (s *PostgresStore) PersistResults(ctx context.Context, entityID, jobID string, results []models.UnitResult) error {
	if len(results) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range results {
			batch.Queue(
				`INSERT INTO generation_results (entity_id, job_id, unit_id, attempt, result_id, result_url)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (entity_id, job_id, unit_id) DO UPDATE SET
				   attempt = EXCLUDED.attempt,
				   result_id = EXCLUDED.result_id,
				   result_url = EXCLUDED.result_url,
				   updated_at = NOW()
				 WHERE generation_results.attempt <= EXCLUDED.attempt`,
				entityID, jobID, r.UnitID, r.Attempt, r.Result.ID, r.Result.URL)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]*models.StoredResult, int, error) {
	conditions := []string{"entity_id = $1"}
	args := []any{filter.EntityID}
	argIdx := 2

	if filter.JobID != "" {
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", argIdx))
		args = append(args, filter.JobID)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM generation_results WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	limit, offset := pageBounds(filter.Page, filter.Limit)
	query := fmt.Sprintf(
		`SELECT entity_id, job_id, unit_id, attempt, result_id, result_url, created_at, updated_at
		 FROM generation_results WHERE %s ORDER BY created_at DESC, unit_id LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*models.StoredResult
	for rows.Next() {
		var r models.StoredResult
		if err := rows.Scan(&r.EntityID, &r.JobID, &r.UnitID, &r.Attempt, &r.ResultID, &r.URL,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

// --- Reports ---

func (s *PostgresStore) CreateUnitReport(ctx context.Context, r *models.UnitReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unit_reports (id, entity_id, job_id, unit_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.EntityID, r.JobID, r.UnitID, r.Note, r.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create unit report: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
