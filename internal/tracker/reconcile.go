package tracker

import (
	"fmt"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// Merge folds an incoming batch into the accumulated unit map and reports
// whether anything changed. It never adds or drops units and never moves a
// unit backwards within an attempt.
func Merge(units map[string]models.Unit, batch []models.UnitUpdate) bool {
	changed := false
	for _, upd := range batch {
		cur, ok := units[upd.UnitID]
		if !ok {
			continue
		}
		if !accepts(cur, upd) {
			continue
		}
		next := cur
		next.Status = upd.Status
		next.Attempt = upd.Attempt
		next.Inferred = false
		next.Result = nil
		if upd.Status == models.UnitStatusCompleted && upd.Result != nil {
			ref := *upd.Result
			next.Result = &ref
		}
		units[upd.UnitID] = next
		changed = true
	}
	return changed
}

// accepts decides whether upd is new information for cur.
func accepts(cur models.Unit, upd models.UnitUpdate) bool {
	if upd.Status.Rank() < 0 {
		return false
	}
	if upd.Status == models.UnitStatusCompleted && upd.Result == nil {
		return false
	}
	switch {
	case upd.Attempt < cur.Attempt:
		return false
	case upd.Attempt > cur.Attempt:
		// A local retry bumps cur.Attempt before the engine answers, so a
		// newer attempt on a completed unit was never asked for and must not
		// replace its result.
		return cur.Status != models.UnitStatusCompleted
	}

	if cur.Status.IsTerminal() {
		return cur.Inferred && upd.Status == models.UnitStatusCompleted
	}
	return upd.Status.Rank() > cur.Status.Rank()
}

// DeriveStatus computes the job status from unit states alone.
func DeriveStatus(units map[string]models.Unit) models.JobStatus {
	var completed, failed int
	for _, u := range units {
		switch u.Status {
		case models.UnitStatusCompleted:
			completed++
		case models.UnitStatusFailed:
			failed++
		default:
			return models.JobStatusPolling
		}
	}
	switch {
	case failed == 0:
		return models.JobStatusCompleted
	case completed == 0:
		return models.JobStatusFailed
	}
	return models.JobStatusPartial
}

// upgrade combines a settled status with a newly derived one. Retries may
// only improve a settled job: failed -> partial -> completed.
func upgrade(cur, derived models.JobStatus) models.JobStatus {
	if statusScore(derived) > statusScore(cur) {
		return derived
	}
	return cur
}

func statusScore(s models.JobStatus) int {
	switch s {
	case models.JobStatusFailed:
		return 1
	case models.JobStatusPartial:
		return 2
	case models.JobStatusCompleted:
		return 3
	}
	return 0
}

// closeUnfinished fails every unit still pending or active when the engine
// reports the whole job finished. Units the engine claims to have completed
// without reporting are marked inferred so a late arrival can still land.
func closeUnfinished(units map[string]models.Unit, state engine.JobState) (changed, inferred bool) {
	if state == engine.JobStateRunning {
		return false, false
	}
	for id, u := range units {
		if u.Status.IsTerminal() {
			continue
		}
		u.Status = models.UnitStatusFailed
		u.Result = nil
		u.Inferred = state == engine.JobStateCompleted
		inferred = inferred || u.Inferred
		units[id] = u
		changed = true
	}
	return changed, inferred
}

// failUnfinished force-fails pending and active units for their current attempt.
func failUnfinished(units map[string]models.Unit) {
	for id, u := range units {
		if !u.Status.IsTerminal() {
			u.Status = models.UnitStatusFailed
			u.Result = nil
			units[id] = u
		}
	}
}

// allSettled reports whether every unit is terminal for its current attempt.
func allSettled(units map[string]models.Unit) bool {
	for _, u := range units {
		if !u.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// unpersisted returns completed results not yet handed to the store and
// marks them as persisted.
func unpersisted(units map[string]models.Unit, order []string, persisted map[string]int) []models.UnitResult {
	var out []models.UnitResult
	for _, id := range order {
		u := units[id]
		if u.Status != models.UnitStatusCompleted || u.Result == nil {
			continue
		}
		if attempt, ok := persisted[id]; ok && attempt == u.Attempt {
			continue
		}
		persisted[id] = u.Attempt
		out = append(out, models.UnitResult{UnitID: id, Attempt: u.Attempt, Result: *u.Result})
	}
	return out
}

func statusMessage(status models.JobStatus, units map[string]models.Unit) string {
	var completed int
	for _, u := range units {
		if u.Status == models.UnitStatusCompleted {
			completed++
		}
	}
	switch status {
	case models.JobStatusCompleted:
		return "All angles generated."
	case models.JobStatusPartial:
		return fmt.Sprintf("%d of %d angles generated. Failed angles can be retried.", completed, len(units))
	case models.JobStatusFailed:
		return "No angle could be generated. Failed angles can be retried."
	}
	return ""
}
