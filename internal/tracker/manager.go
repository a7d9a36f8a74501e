package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/internal/intent"
	"golang.org/x/sync/errgroup"
)

// resumeConcurrency bounds parallel intent loads during the startup sweep.
const resumeConcurrency = 8

// Manager owns one Tracker per entity and creates them on first use.
type Manager struct {
	cfg     Config
	engine  engine.Client
	intents intent.Store
	store   Store
	logger  *slog.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
	closed   bool
}

// NewManager creates a Manager. Trackers share every collaborator.
func NewManager(cfg Config, eng engine.Client, intents intent.Store, st Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		engine:   eng,
		intents:  intents,
		store:    st,
		logger:   logger,
		trackers: make(map[string]*Tracker),
	}
}

// Tracker returns the tracker for entityID, resuming any job a previous
// process left behind. A corrupted intent is returned as an error alongside
// a usable, idle tracker.
func (m *Manager) Tracker(ctx context.Context, entityID string) (*Tracker, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidRequest)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTrackerClosed
	}
	t, ok := m.trackers[entityID]
	if !ok {
		t = New(entityID, m.cfg, m.engine, m.intents, m.store, m.logger)
		m.trackers[entityID] = t
	}
	m.mu.Unlock()

	if err := t.Resume(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// ResumeAll resumes every entity that holds an intent. Per-entity failures
// are logged; only failing to list intents is returned.
func (m *Manager) ResumeAll(ctx context.Context) error {
	ids, err := m.intents.List(ctx)
	if err != nil {
		return fmt.Errorf("resume all: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Tracker(gctx, id); err != nil {
				if errors.Is(err, ErrTrackerClosed) {
					return err
				}
				m.logger.Error("failed to resume job", "entity_id", id, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, ErrTrackerClosed) {
		return err
	}

	m.logger.Info("resume sweep complete", "intents", len(ids))
	return nil
}

// Close detaches every tracker. Durable intents are kept so the next process
// picks the jobs up again.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.trackers = map[string]*Tracker{}
	m.mu.Unlock()

	for _, t := range trackers {
		t.Detach()
	}
}
