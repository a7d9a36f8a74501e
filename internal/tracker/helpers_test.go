package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/internal/engine/mock"
	"github.com/kiranshivaraju/anglestudio/internal/intent"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// --- intents ---

type memIntents struct {
	mu        sync.Mutex
	slots     map[string]models.Intent
	corrupt   map[string]bool
	saveErr   error
	saveCalls int
	// failSaveAt makes only the n-th Save call (1-based) fail.
	failSaveAt int
	clears     int
}

func newMemIntents() *memIntents {
	return &memIntents{slots: map[string]models.Intent{}, corrupt: map[string]bool{}}
}

func (m *memIntents) Save(_ context.Context, in models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil || (m.failSaveAt > 0 && m.saveCalls == m.failSaveAt) {
		return errors.New("redis unavailable")
	}
	m.slots[in.EntityID] = in
	return nil
}

func (m *memIntents) Load(_ context.Context, entityID string) (*models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt[entityID] {
		return nil, intent.ErrCorrupted
	}
	in, ok := m.slots[entityID]
	if !ok {
		return nil, nil
	}
	return &in, nil
}

func (m *memIntents) Clear(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	delete(m.slots, entityID)
	delete(m.corrupt, entityID)
	return nil
}

func (m *memIntents) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memIntents) get(entityID string) (models.Intent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.slots[entityID]
	return in, ok
}

var _ intent.Store = (*memIntents)(nil)

// --- store ---

type persistCall struct {
	EntityID string
	JobID    string
	Results  []models.UnitResult
}

type memStore struct {
	mu           sync.Mutex
	persists     []persistCall
	failPersists int
	jobs         map[string]*models.Job
	statuses     []models.JobStatus
	reports      []models.UnitReport
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*models.Job{}}
}

func (s *memStore) PersistResults(_ context.Context, entityID, jobID string, results []models.UnitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersists > 0 {
		s.failPersists--
		return errors.New("db unavailable")
	}
	s.persists = append(s.persists, persistCall{
		EntityID: entityID,
		JobID:    jobID,
		Results:  append([]models.UnitResult(nil), results...),
	})
	return nil
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, jobID string, status models.JobStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if j, ok := s.jobs[jobID]; ok {
		j.Status = status
	}
	return nil
}

func (s *memStore) CreateUnitReport(_ context.Context, r *models.UnitReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *r)
	return nil
}

func (s *memStore) persistCalls() []persistCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistCall(nil), s.persists...)
}

func (s *memStore) persistedUnits() []string {
	var ids []string
	for _, c := range s.persistCalls() {
		for _, r := range c.Results {
			ids = append(ids, r.UnitID)
		}
	}
	return ids
}

func (s *memStore) job(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

// --- engine scripting ---

// script is a thread-safe, swappable poll response.
type script struct {
	mu   sync.Mutex
	resp engine.PollResponse
	err  error
}

func (s *script) set(state engine.JobState, units ...models.UnitUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = engine.PollResponse{JobState: state, Units: units}
	s.err = nil
}

func (s *script) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *script) poll(context.Context, string) (engine.PollResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return engine.PollResponse{}, s.err
	}
	return engine.PollResponse{JobState: s.resp.JobState, Units: append([]models.UnitUpdate(nil), s.resp.Units...)}, nil
}

func done(id string) models.UnitUpdate {
	return models.UnitUpdate{UnitID: id, Status: models.UnitStatusCompleted, Result: &models.ResultRef{ID: "r-" + id, URL: "https://cdn.example.com/" + id + ".png"}}
}

func failed(id string) models.UnitUpdate {
	return models.UnitUpdate{UnitID: id, Status: models.UnitStatusFailed}
}

func active(id string) models.UnitUpdate {
	return models.UnitUpdate{UnitID: id, Status: models.UnitStatusActive}
}

// --- fixture ---

type fixture struct {
	engine  *mock.Client
	script  *script
	intents *memIntents
	store   *memStore
	cfg     Config
}

func testConfig() Config {
	return Config{
		PollInterval:         10 * time.Millisecond,
		TimeoutFloor:         time.Minute,
		PerUnitBudget:        time.Second,
		RetryCap:             2,
		LateSweepDelay:       40 * time.Millisecond,
		MaxUnits:             11,
		MaxParamsBytes:       1024,
		ExpectedUnitDuration: time.Second,
		CallTimeout:          time.Second,
	}
}

func newFixture() *fixture {
	s := &script{}
	s.set(engine.JobStateRunning)
	return &fixture{
		engine:  &mock.Client{PollFunc: s.poll},
		script:  s,
		intents: newMemIntents(),
		store:   newMemStore(),
		cfg:     testConfig(),
	}
}

func (f *fixture) tracker(t *testing.T, entityID string) *Tracker {
	t.Helper()
	tr := New(entityID, f.cfg, f.engine, f.intents, f.store, quietLogger())
	t.Cleanup(tr.Detach)
	return tr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
