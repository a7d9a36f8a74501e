package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/anglestudio/internal/api/handler"
	"github.com/kiranshivaraju/anglestudio/internal/engine/mock"
	"github.com/kiranshivaraju/anglestudio/internal/store"
	"github.com/kiranshivaraju/anglestudio/internal/tracker"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ─── intent slots ────────────────────────────────────────────────────────────

type memIntents struct {
	mu    sync.Mutex
	slots map[string]models.Intent
}

func (m *memIntents) Save(_ context.Context, in models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[in.EntityID] = in
	return nil
}

func (m *memIntents) Load(_ context.Context, entityID string) (*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.slots[entityID]
	if !ok {
		return nil, nil
	}
	return &in, nil
}

func (m *memIntents) Clear(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, entityID)
	return nil
}

func (m *memIntents) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.slots {
		ids = append(ids, id)
	}
	return ids, nil
}

// ─── store ───────────────────────────────────────────────────────────────────

type memStore struct {
	mu      sync.Mutex
	results []*models.StoredResult
	jobs    []*models.Job
	reports []*models.UnitReport
	keys    []*models.APIKey
	listErr error
	// persistErr makes every PersistResults call fail.
	persistErr error

	lastResultFilter store.ResultFilter
	lastJobFilter    store.JobFilter
}

func (s *memStore) PersistResults(_ context.Context, entityID, jobID string, results []models.UnitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	for _, r := range results {
		s.results = append(s.results, &models.StoredResult{
			EntityID: entityID, JobID: jobID, UnitID: r.UnitID,
			Attempt: r.Attempt, ResultID: r.Result.ID, URL: r.Result.URL,
		})
	}
	return nil
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, _ string, _ models.JobStatus, _ string) error {
	return nil
}

func (s *memStore) CreateUnitReport(_ context.Context, r *models.UnitReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now().UTC()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memStore) ListResults(_ context.Context, f store.ResultFilter) ([]*models.StoredResult, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResultFilter = f
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	return s.results, len(s.results), nil
}

func (s *memStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastJobFilter = f
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	return s.jobs, len(s.jobs), nil
}

func (s *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *memStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys, nil
}

func (s *memStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.keys {
		if k.ID == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) reportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

var (
	_ tracker.Store    = (*memStore)(nil)
	_ handler.History  = (*memStore)(nil)
	_ handler.KeyStore = (*memStore)(nil)
)

// ─── server ──────────────────────────────────────────────────────────────────

type testServer struct {
	router  http.Handler
	engine  *mock.Client
	store   *memStore
	manager *tracker.Manager
}

func newTestServer(t *testing.T, eng *mock.Client, retryCap int) *testServer {
	t.Helper()
	cfg := tracker.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LateSweepDelay = 20 * time.Millisecond
	cfg.PerUnitBudget = time.Second
	cfg.TimeoutFloor = time.Minute
	cfg.RetryCap = retryCap
	cfg.MaxUnits = 4

	st := &memStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := tracker.NewManager(cfg, eng, &memIntents{slots: map[string]models.Intent{}}, st, logger)
	t.Cleanup(mgr.Close)

	r := chi.NewRouter()
	r.Route("/entities/{entityID}", func(r chi.Router) {
		r.Post("/jobs", handler.NewStartJobHandler(mgr))
		r.Get("/jobs", handler.NewListJobsHandler(st))
		r.Get("/jobs/current", handler.NewSnapshotHandler(mgr))
		r.Delete("/jobs/current", handler.NewCancelJobHandler(mgr))
		r.Post("/jobs/current/units/{unitID}/retry", handler.NewRetryUnitHandler(mgr))
		r.Post("/jobs/current/units/{unitID}/report", handler.NewReportUnitHandler(mgr))
		r.Get("/results", handler.NewListResultsHandler(st))
	})
	r.Post("/admin/keys", handler.NewCreateKeyHandler(st))
	r.Get("/admin/keys", handler.NewListKeysHandler(st))
	r.Delete("/admin/keys/{keyID}", handler.NewRevokeKeyHandler(st))

	return &testServer{router: r, engine: eng, store: st, manager: mgr}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// snapshot returns the tracker's current snapshot for entityID.
func (s *testServer) snapshot(t *testing.T, entityID string) models.Snapshot {
	t.Helper()
	tr, err := s.manager.Tracker(context.Background(), entityID)
	require.NoError(t, err)
	return tr.Snapshot()
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

type apiError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}
