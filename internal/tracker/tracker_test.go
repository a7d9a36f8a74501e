package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitStatus(t *testing.T, tr *Tracker, want models.JobStatus) models.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.Snapshot().JobStatus == want
	}, waitFor, tick, "job never reached %s (last %s)", want, tr.Snapshot().JobStatus)
	return tr.Snapshot()
}

func TestStartJob_HappyPath(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")

	var intentAtSubmit models.Intent
	var hadIntent bool
	f.engine.SubmitFunc = func(_ context.Context, req engine.SubmitRequest) (engine.SubmitResponse, error) {
		intentAtSubmit, hadIntent = f.intents.get("product-1")
		return engine.SubmitResponse{JobID: "job-1"}, nil
	}

	snap, err := tr.StartJob(context.Background(), StartRequest{
		Units:  []string{"front", "back", "top"},
		Params: map[string]any{"style": "studio"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, models.JobStatusPolling, snap.JobStatus)
	assert.Equal(t, []string{"front", "back", "top"}, snap.Order)

	// The intent is written before the engine sees the request, keyed by
	// the same idempotency key.
	require.True(t, hadIntent)
	assert.Empty(t, intentAtSubmit.JobID)
	require.Len(t, f.engine.Submits(), 1)
	assert.Equal(t, intentAtSubmit.RequestID, f.engine.Submits()[0].RequestID)

	stored, ok := f.intents.get("product-1")
	require.True(t, ok)
	assert.Equal(t, "job-1", stored.JobID)

	f.script.set(engine.JobStateCompleted, done("front"), done("back"), done("top"))
	snap = waitStatus(t, tr, models.JobStatusCompleted)

	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Equal(t, "All angles generated.", snap.Message)
	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	calls := f.store.persistCalls()
	assert.Equal(t, "job-1", calls[0].JobID)
	assert.Len(t, calls[0].Results, 3)

	require.Eventually(t, func() bool {
		_, ok := f.intents.get("product-1")
		return !ok
	}, waitFor, tick)

	job, ok := f.store.job("job-1")
	require.True(t, ok)
	assert.Equal(t, "product-1", job.EntityID)
}

// Repeated terminal polls and the late sweep never write the same results twice.
func TestStartJob_PersistsExactlyOnce(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateCompleted, done("front"), done("back"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusCompleted)

	// Let the late sweep run against the same data.
	time.Sleep(3 * f.cfg.LateSweepDelay)
	assert.Len(t, f.store.persistCalls(), 1)
}

func TestStartJob_Validation(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"no units", StartRequest{}},
		{"blank unit", StartRequest{Units: []string{"front", " "}}},
		{"duplicate unit", StartRequest{Units: []string{"front", "front"}}},
		{"too many units", StartRequest{Units: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12"}}},
		{"params too large", StartRequest{Units: []string{"front"}, Params: map[string]any{"prompt": strings.Repeat("x", 2048)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.StartJob(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.engine.Submits())
}

func TestStartJob_RejectedLeavesNothingBehind(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.engine.SubmitFunc = func(context.Context, engine.SubmitRequest) (engine.SubmitResponse, error) {
		return engine.SubmitResponse{}, &engine.RejectedError{StatusCode: 402, Code: "insufficient_credits", Message: "not enough credits"}
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "not enough credits")

	assert.True(t, tr.Snapshot().Idle())
	_, ok := f.intents.get("product-1")
	assert.False(t, ok)

	time.Sleep(5 * f.cfg.PollInterval)
	assert.Zero(t, f.engine.PollCount())
}

func TestStartJob_AmbiguousSubmissionResolvesByRequestID(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.engine.SubmitFunc = func(context.Context, engine.SubmitRequest) (engine.SubmitResponse, error) {
		return engine.SubmitResponse{}, fmt.Errorf("%w: connection reset", engine.ErrTransportAmbiguous)
	}
	var resolvedFor string
	f.engine.ResolveFunc = func(_ context.Context, requestID string) (string, bool, error) {
		resolvedFor = requestID
		return "job-9", true, nil
	}

	snap, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPolling, snap.JobStatus)

	require.Eventually(t, func() bool { return tr.Snapshot().JobID == "job-9" }, waitFor, tick)
	stored, ok := f.intents.get("product-1")
	require.True(t, ok)
	assert.Equal(t, "job-9", stored.JobID)
	assert.Equal(t, stored.RequestID, resolvedFor)

	f.script.set(engine.JobStateCompleted, done("front"))
	waitStatus(t, tr, models.JobStatusCompleted)
}

func TestStartJob_IntentUnavailable(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.intents.saveErr = errors.New("down")

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.ErrorIs(t, err, ErrIntentUnavailable)
	assert.Empty(t, f.engine.Submits())
	assert.True(t, tr.Snapshot().Idle())
}

func TestStartJob_UpgradeFailureCancelsRemoteJob(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.intents.failSaveAt = 2

	snap, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.ErrorIs(t, err, ErrIntentUnavailable)
	assert.Equal(t, models.JobStatusFailed, snap.JobStatus)
	assert.Equal(t, []string{"job-1"}, f.engine.Cancels())
	_, ok := f.intents.get("product-1")
	assert.False(t, ok)
}

func TestStartJob_RejectsSecondJobWhileRunning(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)

	_, err = tr.StartJob(context.Background(), StartRequest{Units: []string{"back"}})
	assert.ErrorIs(t, err, ErrJobInProgress)
	assert.Len(t, f.engine.Submits(), 1)
}

func TestStartJob_AllowedAfterSettle(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateCompleted, done("front"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusCompleted)

	f.script.set(engine.JobStateRunning)
	f.engine.SubmitFunc = func(context.Context, engine.SubmitRequest) (engine.SubmitResponse, error) {
		return engine.SubmitResponse{JobID: "job-2"}, nil
	}
	snap, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"back"}})
	require.NoError(t, err)
	assert.Equal(t, "job-2", snap.JobID)
	assert.Equal(t, []string{"back"}, snap.Order)
}

// front and back complete, top fails; retrying top succeeds. Exactly two
// persists happen: the first pair, then top on its own.
func TestRetry_PartialThenCompleted(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), done("back"), failed("top"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back", "top"}})
	require.NoError(t, err)
	snap := waitStatus(t, tr, models.JobStatusPartial)

	assert.True(t, snap.Units["top"].Retryable)
	assert.False(t, snap.Units["front"].Retryable)
	assert.Equal(t, "2 of 3 angles generated. Failed angles can be retried.", snap.Message)
	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"front", "back"}, f.store.persistedUnits())

	f.engine.RetryFunc = func(_ context.Context, req engine.RetryRequest) (models.UnitUpdate, error) {
		upd := done(req.UnitID)
		upd.Attempt = req.Attempt
		return upd, nil
	}
	snap, err = tr.RetryUnit(context.Background(), "top")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, snap.JobStatus)
	assert.Equal(t, 1, snap.Units["top"].Attempt)
	assert.Equal(t, 1, snap.Units["top"].RetryCount)

	calls := f.store.persistCalls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Results, 1)
	assert.Equal(t, "top", calls[1].Results[0].UnitID)
	assert.Equal(t, 1, calls[1].Results[0].Attempt)

	retries := f.engine.Retries()
	require.Len(t, retries, 1)
	assert.Equal(t, "job-1", retries[0].JobID)
	assert.Equal(t, 1, retries[0].Attempt)
}

func TestRetry_CapAndReport(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, failed("front"))
	f.engine.RetryFunc = func(_ context.Context, req engine.RetryRequest) (models.UnitUpdate, error) {
		return models.UnitUpdate{UnitID: req.UnitID, Status: models.UnitStatusFailed, Attempt: req.Attempt}, nil
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusFailed)

	_, err = tr.ReportUnit(context.Background(), "front", "")
	assert.ErrorIs(t, err, ErrNotReportable)

	for i := 1; i <= f.cfg.RetryCap; i++ {
		snap, err := tr.RetryUnit(context.Background(), "front")
		require.NoError(t, err)
		assert.Equal(t, i, snap.Units["front"].RetryCount)
		assert.Equal(t, models.UnitStatusFailed, snap.Units["front"].Status)
		assert.Equal(t, models.JobStatusFailed, snap.JobStatus)
	}

	snap := tr.Snapshot()
	assert.False(t, snap.Units["front"].Retryable)
	assert.True(t, snap.Units["front"].Reportable)

	_, err = tr.RetryUnit(context.Background(), "front")
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Len(t, f.engine.Retries(), f.cfg.RetryCap)

	report, err := tr.ReportUnit(context.Background(), "front", "blurry output")
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.JobID)
	assert.Len(t, f.store.reports, 1)
}

func TestRetry_Preconditions(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")

	_, err := tr.RetryUnit(context.Background(), "front")
	assert.ErrorIs(t, err, ErrNoActiveJob)

	_, err = tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)

	_, err = tr.RetryUnit(context.Background(), "front")
	assert.ErrorIs(t, err, ErrRetryNotAllowed, "job still running")

	f.script.set(engine.JobStateFailed, done("front"), failed("back"))
	waitStatus(t, tr, models.JobStatusPartial)

	_, err = tr.RetryUnit(context.Background(), "front")
	assert.ErrorIs(t, err, ErrRetryNotAllowed, "completed units are not retryable")

	_, err = tr.RetryUnit(context.Background(), "left")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestRetry_UnknownOutcomeIsVerifiedByPolling(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))
	f.engine.RetryFunc = func(context.Context, engine.RetryRequest) (models.UnitUpdate, error) {
		return models.UnitUpdate{}, engine.ErrTransportAmbiguous
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	snap, err := tr.RetryUnit(context.Background(), "back")
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusActive, snap.Units["back"].Status)
	assert.Equal(t, 1, snap.Units["back"].Attempt)
	assert.False(t, snap.Units["back"].Retryable)

	// The engine did run the retry despite the gateway error.
	retried := done("back")
	retried.Attempt = 1
	f.script.set(engine.JobStateCompleted, done("front"), retried)

	snap = waitStatus(t, tr, models.JobStatusCompleted)
	assert.Equal(t, models.UnitStatusCompleted, snap.Units["back"].Status)
	require.NotNil(t, snap.Units["back"].Result)
	assert.Equal(t, "r-back", snap.Units["back"].Result.ID)
	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"front", "back"}, f.store.persistedUnits())
}

func TestRetry_UnknownOutcomeFailsAtUnitBudget(t *testing.T) {
	f := newFixture()
	f.cfg.PerUnitBudget = 50 * time.Millisecond
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))
	f.engine.RetryFunc = func(context.Context, engine.RetryRequest) (models.UnitUpdate, error) {
		return models.UnitUpdate{}, engine.ErrTransportAmbiguous
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	_, err = tr.RetryUnit(context.Background(), "back")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tr.Snapshot().Units["back"].Status == models.UnitStatusFailed
	}, waitFor, tick)
	u := tr.Snapshot().Units["back"]
	assert.Equal(t, 1, u.Attempt)
	assert.True(t, u.Retryable)
}

func TestRetry_InvalidResponseFailsAttempt(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))
	f.engine.RetryFunc = func(context.Context, engine.RetryRequest) (models.UnitUpdate, error) {
		return models.UnitUpdate{}, engine.ErrInvalidResponse
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	snap, err := tr.RetryUnit(context.Background(), "back")
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusFailed, snap.Units["back"].Status)
	assert.Equal(t, 1, snap.Units["back"].Attempt)
	assert.True(t, snap.Units["back"].Retryable)
}

func TestRetry_RejectionRestoresUnit(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))
	f.engine.RetryFunc = func(context.Context, engine.RetryRequest) (models.UnitUpdate, error) {
		return models.UnitUpdate{}, &engine.RejectedError{StatusCode: 402, Message: "not enough credits"}
	}

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	_, err = tr.RetryUnit(context.Background(), "back")
	require.ErrorIs(t, err, ErrSubmissionRejected)

	u := tr.Snapshot().Units["back"]
	assert.Equal(t, models.UnitStatusFailed, u.Status)
	assert.Zero(t, u.Attempt)
	assert.Zero(t, u.RetryCount)
}

func TestRetry_PollsUntilRetriedUnitSettles(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	// Default mock retry answers "active"; the poller picks the rest up.
	snap, err := tr.RetryUnit(context.Background(), "back")
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusActive, snap.Units["back"].Status)
	assert.Equal(t, models.JobStatusPartial, snap.JobStatus)

	retried := done("back")
	retried.Attempt = 1
	f.script.set(engine.JobStateCompleted, done("front"), retried)
	waitStatus(t, tr, models.JobStatusCompleted)
	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"front", "back"}, f.store.persistedUnits())
}

func TestRetry_UnitDeadline(t *testing.T) {
	f := newFixture()
	f.cfg.PerUnitBudget = 50 * time.Millisecond
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateFailed, done("front"), failed("back"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusPartial)

	_, err = tr.RetryUnit(context.Background(), "back")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		u := tr.Snapshot().Units["back"]
		return u.Status == models.UnitStatusFailed && u.Attempt == 1
	}, waitFor, tick)
	assert.Equal(t, models.JobStatusPartial, tr.Snapshot().JobStatus)
}

// Three of five angles finish before the deadline: the three are kept and
// the job fails with the timeout message.
func TestTimeout_SalvagesCompletedUnits(t *testing.T) {
	f := newFixture()
	f.cfg.TimeoutFloor = 150 * time.Millisecond
	f.cfg.PerUnitBudget = 10 * time.Millisecond
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateRunning, done("a"), done("b"), done("c"), active("d"), active("e"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"a", "b", "c", "d", "e"}})
	require.NoError(t, err)

	snap := waitStatus(t, tr, models.JobStatusFailed)
	assert.True(t, snap.TimedOut)
	assert.Equal(t, msgTimedOut, snap.Message)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Equal(t, models.UnitStatusFailed, snap.Units["d"].Status)
	assert.Equal(t, models.UnitStatusFailed, snap.Units["e"].Status)
	assert.Equal(t, models.UnitStatusCompleted, snap.Units["a"].Status)

	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.store.persistedUnits())
	require.Eventually(t, func() bool {
		_, ok := f.intents.get("product-1")
		return !ok
	}, waitFor, tick)

	_, err = tr.RetryUnit(context.Background(), "d")
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	// Late data after the timeout changes nothing.
	f.script.set(engine.JobStateCompleted, done("a"), done("b"), done("c"), done("d"), done("e"))
	time.Sleep(5 * f.cfg.PollInterval)
	assert.Equal(t, models.UnitStatusFailed, tr.Snapshot().Units["d"].Status)
	assert.Len(t, f.store.persistCalls(), 1)
}

func TestCancel_WhilePolling(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)

	snap, err := tr.CancelJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.JobStatus)
	assert.Equal(t, []string{"job-1"}, f.engine.Cancels())
	_, ok := f.intents.get("product-1")
	assert.False(t, ok)

	// Results arriving after cancel are never persisted.
	f.script.set(engine.JobStateCompleted, done("front"), done("back"))
	time.Sleep(5 * f.cfg.PollInterval)
	assert.Empty(t, f.store.persistCalls())
	assert.Equal(t, models.JobStatusCancelled, tr.Snapshot().JobStatus)

	_, err = tr.CancelJob(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveJob)
}

func TestCancel_WhileSubmitting(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	release := make(chan struct{})
	entered := make(chan struct{})
	f.engine.SubmitFunc = func(context.Context, engine.SubmitRequest) (engine.SubmitResponse, error) {
		close(entered)
		<-release
		return engine.SubmitResponse{JobID: "job-5"}, nil
	}

	started := make(chan error, 1)
	go func() {
		_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
		started <- err
	}()

	<-entered
	snap, err := tr.CancelJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.JobStatus)

	close(release)
	require.NoError(t, <-started)

	assert.Equal(t, []string{"job-5"}, f.engine.Cancels())
	_, ok := f.intents.get("product-1")
	assert.False(t, ok)
	assert.Equal(t, models.JobStatusCancelled, tr.Snapshot().JobStatus)
	assert.Zero(t, f.engine.PollCount())
}

func TestLateSweep_ReplacesInferredFailure(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	// The engine closes the job before reporting "back".
	f.script.set(engine.JobStateCompleted, done("front"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front", "back"}})
	require.NoError(t, err)
	snap := waitStatus(t, tr, models.JobStatusPartial)
	assert.True(t, snap.Units["back"].Inferred)

	f.script.set(engine.JobStateCompleted, done("front"), done("back"))
	waitStatus(t, tr, models.JobStatusCompleted)

	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 2 }, waitFor, tick)
	calls := f.store.persistCalls()
	assert.Equal(t, "front", calls[0].Results[0].UnitID)
	require.Len(t, calls[1].Results, 1)
	assert.Equal(t, "back", calls[1].Results[0].UnitID)
}

func TestPersistFailure_KeepsIntentAndRetries(t *testing.T) {
	f := newFixture()
	f.store.failPersists = 1
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateCompleted, done("front"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
	waitStatus(t, tr, models.JobStatusCompleted)

	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"front"}, f.store.persistedUnits())
	require.Eventually(t, func() bool {
		_, ok := f.intents.get("product-1")
		return !ok
	}, waitFor, tick)
}

// settleWithFailedPersist runs job-1 to completion with the first persist
// failing, and waits until the tracker reports the results as unsaved.
func settleWithFailedPersist(t *testing.T, f *fixture, failures int) *Tracker {
	t.Helper()
	f.store.failPersists = failures
	var submits int
	f.engine.SubmitFunc = func(context.Context, engine.SubmitRequest) (engine.SubmitResponse, error) {
		submits++
		return engine.SubmitResponse{JobID: fmt.Sprintf("job-%d", submits)}, nil
	}
	tr := f.tracker(t, "product-1")
	f.script.set(engine.JobStateCompleted, done("front"))

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return tr.Snapshot().Message == msgPersistFailed
	}, waitFor, tick)
	require.Empty(t, f.store.persistCalls())
	return tr
}

func TestPersistFailure_NewJobSavesOwedResultsFirst(t *testing.T) {
	f := newFixture()
	f.cfg.LateSweepDelay = 10 * time.Second
	tr := settleWithFailedPersist(t, f, 1)
	f.script.set(engine.JobStateRunning)

	snap, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"back"}})
	require.NoError(t, err)
	assert.Equal(t, "job-2", snap.JobID)

	calls := f.store.persistCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "job-1", calls[0].JobID)
	assert.Equal(t, []string{"front"}, f.store.persistedUnits())

	stored, ok := f.intents.get("product-1")
	require.True(t, ok)
	assert.Equal(t, "job-2", stored.JobID)
}

func TestPersistFailure_NewJobRefusedWhileResultsUnsaved(t *testing.T) {
	f := newFixture()
	f.cfg.LateSweepDelay = 10 * time.Second
	tr := settleWithFailedPersist(t, f, 2)

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"back"}})
	require.ErrorIs(t, err, ErrResultsUnsaved)
	assert.Len(t, f.engine.Submits(), 1)

	stored, ok := f.intents.get("product-1")
	require.True(t, ok)
	assert.Equal(t, "job-1", stored.JobID)
	assert.Equal(t, "job-1", tr.Snapshot().JobID)

	// Once the store is back the owed results go out and the start succeeds.
	_, err = tr.StartJob(context.Background(), StartRequest{Units: []string{"back"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"front"}, f.store.persistedUnits())
}

func TestPersistFailure_CancelKeepsOwedResults(t *testing.T) {
	f := newFixture()
	f.cfg.LateSweepDelay = 100 * time.Millisecond
	tr := settleWithFailedPersist(t, f, 1)

	snap, err := tr.CancelJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, snap.JobStatus)
	assert.Empty(t, f.engine.Cancels())

	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, "job-1", f.store.persistCalls()[0].JobID)
	assert.Equal(t, []string{"front"}, f.store.persistedUnits())
	require.Eventually(t, func() bool {
		_, ok := f.intents.get("product-1")
		return !ok
	}, waitFor, tick)
}

func TestResume_ContinuesPolling(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.intents.Save(context.Background(), models.Intent{
		EntityID:       "product-1",
		JobID:          "job-7",
		RequestID:      "req-7",
		RequestedUnits: []string{"front", "back"},
		StartedAt:      time.Now().Add(-time.Second),
	}))
	f.script.set(engine.JobStateCompleted, done("front"), done("back"))

	tr := f.tracker(t, "product-1")
	require.NoError(t, tr.Resume(context.Background()))

	snap := waitStatus(t, tr, models.JobStatusCompleted)
	assert.Equal(t, "job-7", snap.JobID)
	require.Eventually(t, func() bool { return len(f.store.persistCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, "job-7", f.store.persistCalls()[0].JobID)
	assert.Empty(t, f.engine.Submits())
}

func TestResume_StaleIntentIsDiscarded(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.intents.Save(context.Background(), models.Intent{
		EntityID:       "product-1",
		JobID:          "job-7",
		RequestID:      "req-7",
		RequestedUnits: []string{"front"},
		StartedAt:      time.Now().Add(-2 * time.Hour),
	}))

	tr := f.tracker(t, "product-1")
	require.NoError(t, tr.Resume(context.Background()))

	assert.True(t, tr.Snapshot().Idle())
	_, ok := f.intents.get("product-1")
	assert.False(t, ok)
	time.Sleep(5 * f.cfg.PollInterval)
	assert.Zero(t, f.engine.PollCount())
}

func TestResume_CorruptedIntent(t *testing.T) {
	f := newFixture()
	f.intents.corrupt["product-1"] = true

	tr := f.tracker(t, "product-1")
	err := tr.Resume(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
	assert.True(t, tr.Snapshot().Idle())

	// The slot was cleared, so a new job can start.
	_, err = tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)
}

func TestDetach_KeepsIntent(t *testing.T) {
	f := newFixture()
	tr := New("product-1", f.cfg, f.engine, f.intents, f.store, quietLogger())

	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	require.NoError(t, err)

	ch, _ := tr.Subscribe()
	tr.Detach()

	stored, ok := f.intents.get("product-1")
	require.True(t, ok)
	assert.Equal(t, "job-1", stored.JobID)

	polls := f.engine.PollCount()
	time.Sleep(5 * f.cfg.PollInterval)
	assert.LessOrEqual(t, f.engine.PollCount(), polls+1)

	for range ch {
	}
	_, err = tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestSubscribe_VersionsAndProgressAreMonotonic(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	ch, cancel := tr.Subscribe()
	defer cancel()

	first := <-ch
	assert.True(t, first.Idle())

	f.script.set(engine.JobStateRunning, done("a"), active("b"))
	_, err := tr.StartJob(context.Background(), StartRequest{Units: []string{"a", "b"}})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.script.set(engine.JobStateCompleted, done("a"), done("b"))
	}()

	lastVersion, lastProgress := first.Version, 0
	timeout := time.After(waitFor)
	for {
		select {
		case s := <-ch:
			require.Greater(t, s.Version, lastVersion)
			require.GreaterOrEqual(t, s.ProgressPercent, lastProgress)
			lastVersion, lastProgress = s.Version, s.ProgressPercent
			if s.JobStatus == models.JobStatusCompleted {
				assert.Equal(t, 100, s.ProgressPercent)
				return
			}
		case <-timeout:
			t.Fatal("never saw completion")
		}
	}
}

func TestWaitForChange(t *testing.T) {
	f := newFixture()
	tr := f.tracker(t, "product-1")
	v := tr.Snapshot().Version

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	snap, err := tr.WaitForChange(ctx, v)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, v, snap.Version)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = tr.StartJob(context.Background(), StartRequest{Units: []string{"front"}})
	}()
	snap, err = tr.WaitForChange(context.Background(), v)
	require.NoError(t, err)
	assert.Greater(t, snap.Version, v)
}

func TestManager_ResumeAllAndClose(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"p-1", "p-2"} {
		require.NoError(t, f.intents.Save(context.Background(), models.Intent{
			EntityID:       id,
			JobID:          "job-" + id,
			RequestID:      "req-" + id,
			RequestedUnits: []string{"front"},
			StartedAt:      time.Now(),
		}))
	}

	m := NewManager(f.cfg, f.engine, f.intents, f.store, quietLogger())
	require.NoError(t, m.ResumeAll(context.Background()))

	for _, id := range []string{"p-1", "p-2"} {
		tr, err := m.Tracker(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "job-"+id, tr.Snapshot().JobID)
		assert.Equal(t, models.JobStatusPolling, tr.Snapshot().JobStatus)
	}

	m.Close()
	_, err := m.Tracker(context.Background(), "p-1")
	assert.ErrorIs(t, err, ErrTrackerClosed)

	// Intents survive shutdown.
	ids, err := f.intents.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestManager_SameTrackerPerEntity(t *testing.T) {
	f := newFixture()
	m := NewManager(f.cfg, f.engine, f.intents, f.store, quietLogger())
	defer m.Close()

	a, err := m.Tracker(context.Background(), "p-1")
	require.NoError(t, err)
	b, err := m.Tracker(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Tracker(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
