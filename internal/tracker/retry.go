package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// RetryUnit regenerates one failed unit of a settled job. The unit moves to a
// new attempt immediately; the engine's answer goes through the same merge
// as poll data. Only an explicit engine rejection is returned as an error,
// and it leaves the unit as it was. An unknown outcome keeps the attempt
// active until polling or the per-unit budget decides it.
func (t *Tracker) RetryUnit(ctx context.Context, unitID string) (models.Snapshot, error) {
	t.mu.Lock()
	js := t.job
	if js == nil || t.detached {
		t.mu.Unlock()
		return models.Snapshot{}, ErrNoActiveJob
	}
	u, ok := js.units[unitID]
	if !ok {
		t.mu.Unlock()
		return models.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unitID)
	}
	if js.closed || !js.settled || js.timedOut || js.inflight[unitID] ||
		(js.status != models.JobStatusPartial && js.status != models.JobStatusFailed) ||
		u.Status != models.UnitStatusFailed {
		t.mu.Unlock()
		return models.Snapshot{}, ErrRetryNotAllowed
	}
	if u.RetryCount >= t.cfg.RetryCap {
		t.mu.Unlock()
		return models.Snapshot{}, ErrRetryExhausted
	}

	before := u
	u.Attempt++
	u.RetryCount++
	u.Status = models.UnitStatusActive
	u.Result = nil
	u.Inferred = false
	js.units[unitID] = u
	js.inflight[unitID] = true
	attempt := u.Attempt
	req := engine.RetryRequest{JobID: js.id, UnitID: unitID, Attempt: attempt, Params: js.params}
	t.publishLocked()
	t.mu.Unlock()

	t.logger.Info("retrying unit", "job_id", req.JobID, "unit_id", unitID, "attempt", attempt)

	upd, err := t.engine.RetryUnit(context.WithoutCancel(ctx), req)
	if errors.Is(err, engine.ErrSubmissionRejected) {
		t.mu.Lock()
		delete(js.inflight, unitID)
		if cur := js.units[unitID]; cur.Attempt == attempt && cur.Status == models.UnitStatusActive {
			js.units[unitID] = before
		}
		if t.job == js {
			t.publishLocked()
		}
		t.mu.Unlock()
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	switch {
	case errors.Is(err, engine.ErrTransportAmbiguous):
		// The engine may be running the attempt; polling settles it or the
		// per-unit budget fails it.
		t.logger.Warn("retry outcome unknown, verifying by polling", "job_id", req.JobID, "unit_id", unitID, "attempt", attempt, "error", err)
		upd = models.UnitUpdate{Status: models.UnitStatusActive}
	case err != nil:
		t.logger.Warn("retry failed", "job_id", req.JobID, "unit_id", unitID, "attempt", attempt, "error", err)
		upd = models.UnitUpdate{Status: models.UnitStatusFailed}
	}
	upd.UnitID = unitID
	if upd.Attempt < attempt {
		upd.Attempt = attempt
	}

	t.mu.Lock()
	delete(js.inflight, unitID)
	if !t.live(js) {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap, nil
	}
	Merge(js.units, []models.UnitUpdate{upd})

	var plan *settlement
	if js.units[unitID].Status.IsTerminal() {
		if allSettled(js.units) {
			plan = t.settleLocked(js, false)
		}
	} else {
		js.retryTimers[unitID] = time.AfterFunc(t.cfg.PerUnitBudget, func() {
			t.expireRetry(js, unitID, attempt)
		})
		t.watchLocked(js)
	}
	t.publishLocked()
	t.mu.Unlock()

	if plan != nil {
		t.apply(plan)
	}
	return t.Snapshot(), nil
}

// expireRetry fails a retried unit that did not finish within its budget.
func (t *Tracker) expireRetry(js *jobState, unitID string, attempt int) {
	t.mu.Lock()
	if !t.live(js) {
		t.mu.Unlock()
		return
	}
	delete(js.retryTimers, unitID)
	if u := js.units[unitID]; u.Attempt != attempt || u.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	Merge(js.units, []models.UnitUpdate{{UnitID: unitID, Status: models.UnitStatusFailed, Attempt: attempt}})

	var plan *settlement
	if allSettled(js.units) {
		plan = t.settleLocked(js, false)
	}
	if !js.needsPolling() {
		js.stopPoller()
	}
	t.publishLocked()
	t.mu.Unlock()

	t.logger.Warn("retry timed out", "job_id", js.id, "unit_id", unitID, "attempt", attempt)
	if plan != nil {
		t.apply(plan)
	}
}

// ReportUnit files a manual report for a unit whose retries are exhausted.
func (t *Tracker) ReportUnit(ctx context.Context, unitID, note string) (*models.UnitReport, error) {
	t.mu.Lock()
	js := t.job
	if js == nil {
		t.mu.Unlock()
		return nil, ErrNoActiveJob
	}
	u, ok := js.units[unitID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownUnit, unitID)
	}
	if !t.reportableLocked(js, u) {
		t.mu.Unlock()
		return nil, ErrNotReportable
	}
	report := &models.UnitReport{
		EntityID: t.entityID,
		JobID:    js.id,
		UnitID:   unitID,
		Note:     note,
	}
	t.mu.Unlock()

	if err := t.store.CreateUnitReport(ctx, report); err != nil {
		return nil, fmt.Errorf("report unit: %w", err)
	}
	t.logger.Info("unit reported", "job_id", report.JobID, "unit_id", unitID)
	return report, nil
}
