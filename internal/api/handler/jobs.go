package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
	"github.com/kiranshivaraju/anglestudio/internal/tracker"
)

// MaxLongPoll caps ?wait= on the snapshot endpoint. It stays below the
// server's write timeout.
const MaxLongPoll = 25 * time.Second

type startJobRequest struct {
	Units      []string       `json:"units"       validate:"required,min=1,unique,dive,required,max=64"`
	Params     map[string]any `json:"params"`
	ContextRef string         `json:"context_ref" validate:"omitempty,max=512"`
}

type reportUnitRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// NewStartJobHandler returns the handler for POST /api/v1/entities/{entityID}/jobs.
// It answers 202 with the first snapshot once the job is submitted or, when
// the engine's answer was lost, once the tracker has fallen back to polling.
func NewStartJobHandler(trackers Trackers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startJobRequest
		if !decodeBody(w, r, &req) {
			return
		}

		t, ok := entityTracker(w, r, trackers)
		if !ok {
			return
		}

		snap, err := t.StartJob(r.Context(), tracker.StartRequest{
			Units:      req.Units,
			Params:     req.Params,
			ContextRef: req.ContextRef,
		})
		if err != nil {
			writeTrackerError(w, err)
			return
		}
		response.Accepted(w, snap)
	}
}

// NewSnapshotHandler returns the handler for GET /api/v1/entities/{entityID}/jobs/current.
//
// With ?after_version=N&wait=D the request blocks until a snapshot newer than
// N is published or D elapses, and returns the latest snapshot either way.
func NewSnapshotHandler(trackers Trackers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var after int64 = -1
		if v := q.Get("after_version"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "after_version must be a non-negative integer", nil)
				return
			}
			after = n
		}
		var wait time.Duration
		if v := q.Get("wait"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "wait must be a duration like 20s", nil)
				return
			}
			wait = min(d, MaxLongPoll)
		}

		t, ok := entityTracker(w, r, trackers)
		if !ok {
			return
		}

		if after < 0 || wait == 0 {
			response.JSON(w, t.Snapshot())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		snap, err := t.WaitForChange(ctx, after)
		switch {
		case err == nil, errors.Is(err, context.DeadlineExceeded):
			response.JSON(w, snap)
		case errors.Is(err, context.Canceled):
			// client went away
		default:
			writeTrackerError(w, err)
		}
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/entities/{entityID}/jobs/current.
func NewCancelJobHandler(trackers Trackers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := entityTracker(w, r, trackers)
		if !ok {
			return
		}
		snap, err := t.CancelJob(r.Context())
		if err != nil {
			writeTrackerError(w, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewRetryUnitHandler returns the handler for
// POST /api/v1/entities/{entityID}/jobs/current/units/{unitID}/retry.
func NewRetryUnitHandler(trackers Trackers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := entityTracker(w, r, trackers)
		if !ok {
			return
		}
		snap, err := t.RetryUnit(r.Context(), chi.URLParam(r, "unitID"))
		if err != nil {
			writeTrackerError(w, err)
			return
		}
		response.Accepted(w, snap)
	}
}

// NewReportUnitHandler returns the handler for
// POST /api/v1/entities/{entityID}/jobs/current/units/{unitID}/report.
// An empty body is accepted.
func NewReportUnitHandler(trackers Trackers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportUnitRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}

		t, ok := entityTracker(w, r, trackers)
		if !ok {
			return
		}
		report, err := t.ReportUnit(r.Context(), chi.URLParam(r, "unitID"), req.Note)
		if err != nil {
			writeTrackerError(w, err)
			return
		}
		response.Created(w, report)
	}
}
