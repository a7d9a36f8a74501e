package tracker

import (
	"context"
	"time"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// maxPersistAttempts bounds background re-attempts after a failed persist.
const maxPersistAttempts = 3

// settlement is the I/O owed after a settle, computed under the lock and
// performed outside it.
type settlement struct {
	js          *jobState
	jobID       string
	status      models.JobStatus
	message     string
	delta       []models.UnitResult
	clearIntent bool
	record      bool
}

// watchLocked makes sure a poller is running for js.
func (t *Tracker) watchLocked(js *jobState) {
	if js.poller != nil && !js.poller.Stopped() {
		js.poller.Trigger()
		return
	}
	js.poller = NewPoller(t.cfg.PollInterval, func(ctx context.Context) {
		t.pollOnce(ctx, js, false)
	})
	js.poller.Start()
}

// pollOnce fetches engine state for js and merges it. force skips the
// needsPolling check; the late sweep uses it on an already settled job.
func (t *Tracker) pollOnce(ctx context.Context, js *jobState, force bool) {
	t.mu.Lock()
	if !t.live(js) || (!force && !js.needsPolling()) {
		if t.job == js {
			js.stopPoller()
		}
		t.mu.Unlock()
		return
	}
	jobID, requestID := js.id, js.requestID
	t.mu.Unlock()

	if jobID == "" {
		id, found, err := t.engine.ResolveJob(ctx, requestID)
		if err != nil || !found {
			if err != nil && ctx.Err() == nil {
				t.logger.Warn("resolve job failed", "request_id", requestID, "error", err)
			}
			t.touch(js)
			return
		}
		if !t.adoptJobID(ctx, js, id) {
			return
		}
		jobID = id
	}

	resp, err := t.engine.PollJob(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("poll failed", "job_id", jobID, "error", err)
		}
		t.touch(js)
		return
	}
	t.ingest(js, resp)
}

// adoptJobID records a job id found by request id after an ambiguous submit.
func (t *Tracker) adoptJobID(ctx context.Context, js *jobState, jobID string) bool {
	t.mu.Lock()
	if !t.live(js) {
		t.mu.Unlock()
		return false
	}
	in := js.intent(t.entityID)
	t.mu.Unlock()
	in.JobID = jobID

	if err := t.intents.Save(ctx, in); err != nil {
		// The request id alone is enough to find the job again after a restart.
		t.logger.Warn("failed to upgrade intent with resolved job id", "job_id", jobID, "error", err)
	}

	t.mu.Lock()
	if !t.live(js) {
		t.mu.Unlock()
		return false
	}
	var row *models.Job
	if js.id == "" {
		js.id = jobID
		if js.message == msgConfirming {
			js.message = ""
		}
		t.publishLocked()
		row = js.record(t.entityID)
	}
	t.mu.Unlock()

	t.logger.Info("resolved job by request id", "job_id", jobID, "request_id", js.requestID)
	if row != nil {
		t.recordJob(row)
	}
	return true
}

// touch advances the time-based progress estimate when nothing was merged.
func (t *Tracker) touch(js *jobState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live(js) && t.refreshProgressLocked(js) {
		t.publishLocked()
	}
}

func (t *Tracker) refreshProgressLocked(js *jobState) bool {
	p := estimateProgress(js, t.now(), t.cfg.ExpectedUnitDuration)
	if p <= js.progress {
		return false
	}
	js.progress = p
	return true
}

// ingest merges one engine response into js and settles when it can.
func (t *Tracker) ingest(js *jobState, resp engine.PollResponse) {
	t.mu.Lock()
	if !t.live(js) {
		t.mu.Unlock()
		return
	}

	changed := Merge(js.units, resp.Units)
	if !js.settled {
		closed, inferred := closeUnfinished(js.units, resp.JobState)
		changed = changed || closed
		js.inferred = js.inferred || inferred
	}
	for id, tm := range js.retryTimers {
		if js.units[id].Status.IsTerminal() {
			tm.Stop()
			delete(js.retryTimers, id)
		}
	}

	var plan *settlement
	if allSettled(js.units) {
		plan = t.settleLocked(js, true)
	}
	progressed := t.refreshProgressLocked(js)
	if changed || plan != nil || progressed {
		t.publishLocked()
	}
	if !js.needsPolling() {
		js.stopPoller()
	}
	t.mu.Unlock()

	if plan != nil {
		t.apply(plan)
	}
}

// settleLocked moves js to the status its units imply and returns the I/O
// owed for it. fromPoll is set when engine data caused the settle, which is
// when a late sweep may still find results.
func (t *Tracker) settleLocked(js *jobState, fromPoll bool) *settlement {
	derived := DeriveStatus(js.units)
	if !derived.IsTerminal() {
		return nil
	}

	prev := js.status
	if !js.settled {
		js.status = derived
		js.settled = true
		if js.deadline != nil {
			js.deadline.Stop()
		}
		if fromPoll && (derived == models.JobStatusCompleted || js.inferred) {
			t.scheduleSweepLocked(js)
		}
		t.logger.Info("job settled", "job_id", js.id, "status", derived)
	} else {
		js.status = upgrade(js.status, derived)
	}
	js.message = statusMessage(js.status, js.units)
	js.progress = 100
	return t.planLocked(js, js.status != prev)
}

func (t *Tracker) planLocked(js *jobState, statusChanged bool) *settlement {
	p := &settlement{
		js:      js,
		jobID:   js.id,
		status:  js.status,
		message: js.message,
		delta:   unpersisted(js.units, js.order, js.persisted),
		record:  statusChanged,
	}
	if js.intentHeld {
		p.clearIntent = true
		js.intentHeld = false
	}
	if len(p.delta) == 0 && !p.clearIntent && !p.record {
		return nil
	}
	if len(p.delta) > 0 {
		js.saving++
	}
	return p
}

// apply performs a settlement: one persist call for the new results, then
// the intent clear and the history update. It returns the persist error.
func (t *Tracker) apply(p *settlement) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
	defer cancel()

	var perr error
	if len(p.delta) > 0 {
		perr = t.store.PersistResults(ctx, t.entityID, p.jobID, p.delta)
		if perr != nil {
			t.logger.Error("failed to persist results", "job_id", p.jobID, "count", len(p.delta), "error", perr)
			t.persistFailed(p)
			p.clearIntent = false
		} else {
			t.logger.Info("persisted results", "job_id", p.jobID, "count", len(p.delta))
			t.mu.Lock()
			p.js.saving--
			t.mu.Unlock()
		}
	}
	if p.clearIntent {
		if err := t.intents.Clear(ctx, t.entityID); err != nil {
			t.logger.Error("failed to clear intent", "error", err)
		}
	}
	if p.record && p.jobID != "" {
		if err := t.store.UpdateJobStatus(ctx, p.jobID, p.status, p.message); err != nil {
			t.logger.Error("failed to update job history", "job_id", p.jobID, "status", p.status, "error", err)
		}
	}
	return perr
}

// persistFailed un-marks the failed delta so the next settlement includes it
// again, keeps the intent so a restart can recover, and schedules a re-attempt.
func (t *Tracker) persistFailed(p *settlement) {
	t.mu.Lock()
	defer t.mu.Unlock()

	js := p.js
	js.saving--
	for _, r := range p.delta {
		if a, ok := js.persisted[r.UnitID]; ok && a == r.Attempt {
			delete(js.persisted, r.UnitID)
		}
	}
	if p.clearIntent {
		js.intentHeld = true
	}
	if t.job != js || t.detached {
		return
	}
	js.message = msgPersistFailed
	js.persistFailures++
	if js.persistFailures <= maxPersistAttempts && js.status != models.JobStatusCancelled {
		if js.flush != nil {
			js.flush.Stop()
		}
		js.flush = time.AfterFunc(t.cfg.LateSweepDelay, func() { t.flushResults(js) })
	}
	t.publishLocked()
}

func (t *Tracker) flushResults(js *jobState) {
	t.mu.Lock()
	if t.job != js || t.detached || js.status == models.JobStatusCancelled {
		t.mu.Unlock()
		return
	}
	js.message = statusMessage(js.status, js.units)
	if js.timedOut {
		js.message = msgTimedOut
	}
	plan := t.planLocked(js, false)
	t.publishLocked()
	t.mu.Unlock()

	if plan != nil {
		t.apply(plan)
	}
}

func (t *Tracker) scheduleSweepLocked(js *jobState) {
	if js.sweep != nil {
		return
	}
	js.sweep = time.AfterFunc(t.cfg.LateSweepDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
		defer cancel()
		t.pollOnce(ctx, js, true)
	})
}

func (t *Tracker) armDeadlineLocked(js *jobState, d time.Duration) {
	js.deadline = time.AfterFunc(d, func() { t.expire(js) })
}

// expire fails every unfinished unit when the job deadline passes. Completed
// units are still persisted.
func (t *Tracker) expire(js *jobState) {
	t.mu.Lock()
	if !t.live(js) || js.settled {
		t.mu.Unlock()
		return
	}
	js.stopTimers()
	failUnfinished(js.units)
	js.status = models.JobStatusFailed
	js.timedOut = true
	js.message = msgTimedOut
	js.settled = true
	js.closed = true
	js.progress = 100
	plan := t.planLocked(js, true)
	t.publishLocked()
	t.mu.Unlock()

	t.logger.Warn("job timed out", "job_id", js.id, "request_id", js.requestID)
	if plan != nil {
		t.apply(plan)
	}
}

// CancelJob stops tracking the current job. Remote cancellation is best
// effort; the job is closed locally either way and nothing new is persisted.
func (t *Tracker) CancelJob(ctx context.Context) (models.Snapshot, error) {
	t.mu.Lock()
	js := t.job
	if js == nil || js.closed || t.detached {
		t.mu.Unlock()
		return models.Snapshot{}, ErrNoActiveJob
	}

	running := !js.settled
	prev := js.status
	// A settled job whose results are still owed keeps its intent and its
	// pending flush; cancelling only stops the rest.
	owed := !running && (js.saving > 0 || js.unsaved())
	js.closed = true
	if owed {
		js.stopWork()
	} else {
		js.stopTimers()
		js.intentHeld = false
	}
	failUnfinished(js.units)
	if running {
		js.status = models.JobStatusCancelled
		js.message = msgCancelled
	}
	js.progress = 100
	jobID, status := js.id, js.status
	t.publishLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Info("job cancelled", "job_id", jobID, "was", prev, "results_owed", owed)
	if running {
		t.cancelRemote(jobID)
	}
	if !owed {
		t.clearIntent()
	}
	if status != prev && jobID != "" {
		uctx, cancel := t.offRequest(ctx)
		defer cancel()
		if err := t.store.UpdateJobStatus(uctx, jobID, status, msgCancelled); err != nil {
			t.logger.Error("failed to update job history", "job_id", jobID, "error", err)
		}
	}
	return snap, nil
}
