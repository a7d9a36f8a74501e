// Package tracker follows one multi-angle generation job per entity from
// submission until every angle has settled, persisting completed results
// exactly once and surviving process restarts through the durable intent.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/internal/intent"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

const (
	msgConfirming    = "Waiting for the engine to confirm the job."
	msgCancelled     = "Generation cancelled."
	msgTimedOut      = "Generation took longer than expected. Credits for unfinished angles were refunded."
	msgIntentLost    = "The job could not be recorded and was cancelled. Please start it again."
	msgPersistFailed = "Generated angles could not be saved yet. Saving will be retried."
)

// Store is the persistent side of the tracker: results, job history and reports.
type Store interface {
	// PersistResults upserts results keyed by (entity, job, unit). It must be
	// safe to call again with results already stored.
	PersistResults(ctx context.Context, entityID, jobID string, results []models.UnitResult) error
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, message string) error
	CreateUnitReport(ctx context.Context, report *models.UnitReport) error
}

// StartRequest describes a new job.
type StartRequest struct {
	Units      []string
	Params     map[string]any
	ContextRef string
}

// jobState is the accumulated state of one job. Every field is guarded by
// the owning Tracker's mutex. Async continuations hold a pointer to the
// jobState they were started for and drop their result when it is no longer
// the live job.
type jobState struct {
	id         string
	requestID  string
	order      []string
	units      map[string]models.Unit
	params     map[string]any
	contextRef string
	startedAt  time.Time

	status   models.JobStatus
	message  string
	timedOut bool
	progress int

	// settled is set once the job first reached a terminal status. After
	// that only retries move units, and the status may only improve.
	settled    bool
	closed     bool
	inferred   bool
	intentHeld bool

	persisted       map[string]int
	persistFailures int
	saving          int
	inflight        map[string]bool

	poller      *Poller
	deadline    *time.Timer
	sweep       *time.Timer
	flush       *time.Timer
	retryTimers map[string]*time.Timer
}

func newJobState(in models.Intent, status models.JobStatus) *jobState {
	js := &jobState{
		id:          in.JobID,
		requestID:   in.RequestID,
		order:       append([]string(nil), in.RequestedUnits...),
		units:       make(map[string]models.Unit, len(in.RequestedUnits)),
		params:      in.Params,
		contextRef:  in.ContextRef,
		startedAt:   in.StartedAt,
		status:      status,
		intentHeld:  true,
		persisted:   make(map[string]int),
		inflight:    make(map[string]bool),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, id := range in.RequestedUnits {
		js.units[id] = models.Unit{ID: id, Status: models.UnitStatusPending}
	}
	return js
}

func (js *jobState) intent(entityID string) models.Intent {
	return models.Intent{
		EntityID:       entityID,
		JobID:          js.id,
		RequestID:      js.requestID,
		RequestedUnits: append([]string(nil), js.order...),
		Params:         js.params,
		StartedAt:      js.startedAt,
		ContextRef:     js.contextRef,
	}
}

// needsPolling reports whether some unit is waiting on the engine.
func (js *jobState) needsPolling() bool {
	if js.closed {
		return false
	}
	if !js.settled {
		return true
	}
	for id, u := range js.units {
		if !u.Status.IsTerminal() && !js.inflight[id] {
			return true
		}
	}
	return false
}

// busy reports whether the job still blocks a new one for the same entity.
func (js *jobState) busy() bool {
	if js.saving > 0 {
		return true
	}
	if js.closed {
		return false
	}
	return !js.settled || len(js.inflight) > 0 || js.needsPolling()
}

// unsaved reports whether completed results are still owed to the store.
func (js *jobState) unsaved() bool {
	for id, u := range js.units {
		if u.Status != models.UnitStatusCompleted || u.Result == nil {
			continue
		}
		if a, ok := js.persisted[id]; !ok || a != u.Attempt {
			return true
		}
	}
	return false
}

func (js *jobState) stopPoller() {
	if js.poller != nil {
		js.poller.Stop()
		js.poller = nil
	}
}

// stopWork stops polling and every timer except a pending result flush.
func (js *jobState) stopWork() {
	js.stopPoller()
	for _, tm := range []*time.Timer{js.deadline, js.sweep} {
		if tm != nil {
			tm.Stop()
		}
	}
	for id, tm := range js.retryTimers {
		tm.Stop()
		delete(js.retryTimers, id)
	}
}

func (js *jobState) stopTimers() {
	js.stopWork()
	if js.flush != nil {
		js.flush.Stop()
	}
}

func (js *jobState) record(entityID string) *models.Job {
	return &models.Job{
		ID:             js.id,
		EntityID:       entityID,
		RequestID:      js.requestID,
		RequestedUnits: append([]string(nil), js.order...),
		Status:         models.JobStatusPolling,
		StartedAt:      js.startedAt,
	}
}

// Tracker owns the current job of one entity.
type Tracker struct {
	entityID string
	cfg      Config
	engine   engine.Client
	intents  intent.Store
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	bus      *broadcaster

	mu        sync.Mutex
	job       *jobState
	starting  bool
	resumed   bool
	detached  bool
	version   int64
	updatedAt time.Time
}

// New creates an idle tracker. Call Resume before use to pick up a job left
// by a previous process; Manager does this automatically.
func New(entityID string, cfg Config, eng engine.Client, intents intent.Store, st Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entityID: entityID,
		cfg:      cfg,
		engine:   eng,
		intents:  intents,
		store:    st,
		logger:   logger.With("entity_id", entityID),
		now:      time.Now,
		bus:      newBroadcaster(),
	}
}

// EntityID returns the entity this tracker belongs to.
func (t *Tracker) EntityID() string { return t.entityID }

func (t *Tracker) live(js *jobState) bool {
	return !t.detached && t.job == js && !js.closed
}

// offRequest returns a context for work that must finish even if the
// caller's request is cancelled.
func (t *Tracker) offRequest(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.cfg.CallTimeout)
}

// Snapshot returns the current view of the entity's job.
func (t *Tracker) Snapshot() models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe returns a channel that yields the current snapshot immediately and
// then each newer one. Slow readers see only the latest. The channel is closed
// by the returned cancel func or when the tracker is detached.
func (t *Tracker) Subscribe() (<-chan models.Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bus.subscribe(t.snapshotLocked())
}

// WaitForChange blocks until a snapshot newer than version is published or
// ctx is done, and returns the latest snapshot either way.
func (t *Tracker) WaitForChange(ctx context.Context, version int64) (models.Snapshot, error) {
	ch, cancel := t.Subscribe()
	defer cancel()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return t.Snapshot(), ErrTrackerClosed
			}
			if s.Version > version {
				return s, nil
			}
		case <-ctx.Done():
			return t.Snapshot(), ctx.Err()
		}
	}
}

func (t *Tracker) snapshotLocked() models.Snapshot {
	s := models.Snapshot{
		EntityID:  t.entityID,
		Units:     map[string]models.Unit{},
		Order:     []string{},
		Version:   t.version,
		UpdatedAt: t.updatedAt,
	}
	js := t.job
	if js == nil {
		return s
	}

	s.JobID = js.id
	s.JobStatus = js.status
	s.ProgressPercent = js.progress
	s.Message = js.message
	s.TimedOut = js.timedOut
	s.StartedAt = js.startedAt
	s.Order = append(s.Order, js.order...)
	for _, id := range js.order {
		u := js.units[id]
		if u.Result != nil {
			ref := *u.Result
			u.Result = &ref
		}
		u.Retryable = t.retryableLocked(js, u)
		u.Reportable = t.reportableLocked(js, u)
		s.Units[id] = u
	}
	return s
}

func (t *Tracker) retryableLocked(js *jobState, u models.Unit) bool {
	if js.closed || !js.settled || js.timedOut || js.inflight[u.ID] {
		return false
	}
	if js.status != models.JobStatusPartial && js.status != models.JobStatusFailed {
		return false
	}
	return u.Status == models.UnitStatusFailed && u.RetryCount < t.cfg.RetryCap
}

func (t *Tracker) reportableLocked(js *jobState, u models.Unit) bool {
	return u.Status == models.UnitStatusFailed && !js.inflight[u.ID] && u.RetryCount >= t.cfg.RetryCap
}

func (t *Tracker) publishLocked() {
	t.version++
	t.updatedAt = t.now()
	t.bus.publish(t.snapshotLocked())
}

func (t *Tracker) validate(req StartRequest) error {
	if len(req.Units) == 0 {
		return fmt.Errorf("%w: at least one angle is required", ErrInvalidRequest)
	}
	if t.cfg.MaxUnits > 0 && len(req.Units) > t.cfg.MaxUnits {
		return fmt.Errorf("%w: at most %d angles per job, got %d", ErrInvalidRequest, t.cfg.MaxUnits, len(req.Units))
	}
	seen := make(map[string]bool, len(req.Units))
	for _, u := range req.Units {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: angle ids must not be empty", ErrInvalidRequest)
		}
		if seen[u] {
			return fmt.Errorf("%w: duplicate angle %q", ErrInvalidRequest, u)
		}
		seen[u] = true
	}
	if t.cfg.MaxParamsBytes > 0 && req.Params != nil {
		b, err := json.Marshal(req.Params)
		if err != nil {
			return fmt.Errorf("%w: params: %v", ErrInvalidRequest, err)
		}
		if len(b) > t.cfg.MaxParamsBytes {
			return fmt.Errorf("%w: params exceed %d bytes", ErrInvalidRequest, t.cfg.MaxParamsBytes)
		}
	}
	return nil
}

// StartJob records the intent, submits the job and starts tracking it.
// Only an explicit engine rejection or a failure to record the intent is
// returned as an error; an ambiguous submission falls back to polling.
func (t *Tracker) StartJob(ctx context.Context, req StartRequest) (models.Snapshot, error) {
	if err := t.validate(req); err != nil {
		return models.Snapshot{}, err
	}
	if err := t.Resume(ctx); err != nil && !errors.Is(err, intent.ErrCorrupted) {
		return models.Snapshot{}, fmt.Errorf("check for running job: %w", err)
	}

	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return models.Snapshot{}, ErrTrackerClosed
	}
	if t.starting || (t.job != nil && t.job.busy()) {
		t.mu.Unlock()
		return models.Snapshot{}, ErrJobInProgress
	}
	t.starting = true
	var owed *settlement
	if prev := t.job; prev != nil && prev.unsaved() {
		if prev.flush != nil {
			prev.flush.Stop()
		}
		owed = t.planLocked(prev, false)
	}
	t.mu.Unlock()

	// The previous job's results go to the store before its intent slot is
	// reused. If they still cannot be saved the new job is refused.
	if owed != nil {
		if err := t.apply(owed); err != nil {
			t.mu.Lock()
			t.starting = false
			t.mu.Unlock()
			return models.Snapshot{}, fmt.Errorf("%w: %v", ErrResultsUnsaved, err)
		}
	}

	in := models.Intent{
		EntityID:       t.entityID,
		RequestID:      uuid.NewString(),
		RequestedUnits: append([]string(nil), req.Units...),
		Params:         req.Params,
		StartedAt:      t.now(),
		ContextRef:     req.ContextRef,
	}

	saveCtx, cancel := t.offRequest(ctx)
	err := t.intents.Save(saveCtx, in)
	cancel()

	t.mu.Lock()
	t.starting = false
	if err != nil {
		t.mu.Unlock()
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrIntentUnavailable, err)
	}
	if t.detached {
		t.mu.Unlock()
		t.clearIntent()
		return models.Snapshot{}, ErrTrackerClosed
	}
	prev := t.job
	if prev != nil {
		prev.stopTimers()
	}
	js := newJobState(in, models.JobStatusSubmitting)
	t.job = js
	t.armDeadlineLocked(js, t.cfg.Deadline(len(js.order)))
	t.publishLocked()
	t.mu.Unlock()

	t.logger.Info("submitting job", "request_id", in.RequestID, "units", len(in.RequestedUnits))

	resp, err := t.engine.SubmitJob(context.WithoutCancel(ctx), engine.SubmitRequest{
		EntityID:  t.entityID,
		Units:     in.RequestedUnits,
		Params:    in.Params,
		RequestID: in.RequestID,
	})
	switch {
	case errors.Is(err, engine.ErrSubmissionRejected):
		return t.rejectSubmission(js, prev, err)
	case err != nil:
		t.logger.Warn("submission outcome unknown, resolving by request id", "request_id", in.RequestID, "error", err)
		t.mu.Lock()
		if t.live(js) {
			js.status = models.JobStatusPolling
			js.message = msgConfirming
			t.watchLocked(js)
			t.publishLocked()
		}
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap, nil
	}
	return t.acceptSubmission(ctx, js, resp.JobID)
}

func (t *Tracker) rejectSubmission(js, prev *jobState, cause error) (models.Snapshot, error) {
	t.mu.Lock()
	if t.job == js && !js.closed {
		js.closed = true
		js.stopTimers()
		t.job = prev
		t.publishLocked()
	}
	t.mu.Unlock()
	t.clearIntent()

	msg := cause.Error()
	var rej *engine.RejectedError
	if errors.As(cause, &rej) && rej.Message != "" {
		msg = rej.Message
	}
	t.logger.Info("submission rejected", "request_id", js.requestID, "reason", msg)
	return models.Snapshot{}, fmt.Errorf("%w: %s", ErrSubmissionRejected, msg)
}

func (t *Tracker) acceptSubmission(ctx context.Context, js *jobState, jobID string) (models.Snapshot, error) {
	t.mu.Lock()
	upgraded := js.intent(t.entityID)
	t.mu.Unlock()
	upgraded.JobID = jobID

	saveCtx, cancel := t.offRequest(ctx)
	defer cancel()
	if err := t.intents.Save(saveCtx, upgraded); err != nil {
		t.logger.Error("failed to record job id, cancelling job", "job_id", jobID, "error", err)
		t.cancelRemote(jobID)

		t.mu.Lock()
		if t.live(js) {
			js.id = jobID
			js.stopTimers()
			failUnfinished(js.units)
			js.status = models.JobStatusFailed
			js.message = msgIntentLost
			js.settled = true
			js.closed = true
			js.progress = 100
			t.publishLocked()
		}
		snap := t.snapshotLocked()
		t.mu.Unlock()
		t.clearIntent()
		return snap, fmt.Errorf("%w: %v", ErrIntentUnavailable, err)
	}

	t.mu.Lock()
	if t.detached {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap, nil
	}
	if !t.live(js) {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		// Cancelled while submitting: the job exists remotely now.
		t.clearIntent()
		t.cancelRemote(jobID)
		return snap, nil
	}
	js.id = jobID
	js.status = models.JobStatusPolling
	js.message = ""
	t.watchLocked(js)
	t.publishLocked()
	snap := t.snapshotLocked()
	row := js.record(t.entityID)
	t.mu.Unlock()

	t.logger.Info("job accepted", "job_id", jobID, "request_id", js.requestID)
	t.recordJob(row)
	return snap, nil
}

// Resume picks up a job recorded by an earlier process. It runs once per
// tracker; later calls return nil. A corrupted intent is cleared and reported.
func (t *Tracker) Resume(ctx context.Context) error {
	t.mu.Lock()
	if t.resumed || t.detached {
		t.mu.Unlock()
		return nil
	}
	t.resumed = true
	t.mu.Unlock()

	in, err := t.intents.Load(ctx, t.entityID)
	switch {
	case errors.Is(err, intent.ErrCorrupted):
		t.logger.Error("discarding corrupted intent", "error", err)
		t.clearIntent()
		return err
	case err != nil:
		t.mu.Lock()
		t.resumed = false
		t.mu.Unlock()
		return err
	case in == nil:
		return nil
	}

	deadline := t.cfg.Deadline(len(in.RequestedUnits))
	elapsed := t.now().Sub(in.StartedAt)
	if elapsed >= deadline {
		t.logger.Warn("discarding stale intent", "job_id", in.JobID, "started_at", in.StartedAt)
		t.clearIntent()
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job != nil || t.detached {
		return nil
	}
	js := newJobState(*in, models.JobStatusPolling)
	t.job = js
	t.armDeadlineLocked(js, deadline-elapsed)
	t.watchLocked(js)
	t.publishLocked()
	t.logger.Info("resumed job", "job_id", in.JobID, "request_id", in.RequestID, "remaining", deadline-elapsed)
	return nil
}

// Detach stops all background work without touching the durable intent, so a
// later process can resume the job.
func (t *Tracker) Detach() {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return
	}
	t.detached = true
	if t.job != nil {
		t.job.stopTimers()
	}
	t.mu.Unlock()
	t.bus.close()
}

func (t *Tracker) clearIntent() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
	defer cancel()
	if err := t.intents.Clear(ctx, t.entityID); err != nil {
		t.logger.Error("failed to clear intent", "error", err)
	}
}

func (t *Tracker) cancelRemote(jobID string) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
	defer cancel()
	if err := t.engine.CancelJob(ctx, jobID); err != nil {
		t.logger.Warn("engine cancel failed", "job_id", jobID, "error", err)
	}
}

func (t *Tracker) recordJob(job *models.Job) {
	if job.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
	defer cancel()
	if err := t.store.CreateJob(ctx, job); err != nil {
		t.logger.Error("failed to record job", "job_id", job.ID, "error", err)
	}
}
