// Package handler implements the HTTP endpoints the control panel uses to
// drive generation jobs, read persisted results and manage API keys.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
	"github.com/kiranshivaraju/anglestudio/internal/intent"
	"github.com/kiranshivaraju/anglestudio/internal/tracker"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxBodyBytes     = 64 << 10

	retryLater = 5 * time.Second
)

// Trackers hands out the tracker owning an entity.
type Trackers interface {
	Tracker(ctx context.Context, entityID string) (*tracker.Tracker, error)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody decodes a JSON body into dst and runs its validate tags.
// It writes the error response itself and reports whether to continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string][]string, len(verrs))
			for _, fe := range verrs {
				field := jsonField(fe.Namespace())
				details[field] = append(details[field], fmt.Sprintf("failed on '%s' validation", fe.Tag()))
			}
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", details)
			return false
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return false
	}
	return true
}

// jsonField drops the struct name from "startJobRequest.units[0]".
func jsonField(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// entityTracker resolves the tracker for the {entityID} path parameter.
func entityTracker(w http.ResponseWriter, r *http.Request, trackers Trackers) (*tracker.Tracker, bool) {
	entityID := chi.URLParam(r, "entityID")
	t, err := trackers.Tracker(r.Context(), entityID)
	if err != nil {
		if t != nil && errors.Is(err, intent.ErrCorrupted) {
			// The slot was discarded and the tracker is idle; carry on.
			slog.Warn("corrupted intent discarded", "entity_id", entityID, "error", err)
			return t, true
		}
		if t == nil {
			writeTrackerError(w, err)
			return nil, false
		}
		slog.Error("failed to resume job", "entity_id", entityID, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "INTENT_UNAVAILABLE",
			"Job state is temporarily unavailable", nil)
		return nil, false
	}
	return t, true
}

// writeTrackerError maps tracker sentinels to envelope error codes.
func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, tracker.ErrNoActiveJob):
		response.Error(w, http.StatusNotFound, "NO_ACTIVE_JOB", "No generation job for this entity", nil)
	case errors.Is(err, tracker.ErrUnknownUnit):
		response.Error(w, http.StatusNotFound, "UNKNOWN_UNIT", err.Error(), nil)
	case errors.Is(err, tracker.ErrJobInProgress):
		response.Error(w, http.StatusConflict, "JOB_IN_PROGRESS", "A generation job is already running for this entity", nil)
	case errors.Is(err, tracker.ErrRetryExhausted):
		response.Error(w, http.StatusConflict, "RETRY_EXHAUSTED", "Retries for this angle are used up; report it instead", nil)
	case errors.Is(err, tracker.ErrRetryNotAllowed):
		response.Error(w, http.StatusConflict, "RETRY_NOT_ALLOWED", "This angle cannot be retried right now", nil)
	case errors.Is(err, tracker.ErrNotReportable):
		response.Error(w, http.StatusConflict, "NOT_REPORTABLE", "Only angles with no retries left can be reported", nil)
	case errors.Is(err, tracker.ErrSubmissionRejected):
		msg := strings.TrimPrefix(err.Error(), tracker.ErrSubmissionRejected.Error()+": ")
		response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", msg, nil)
	case errors.Is(err, tracker.ErrIntentUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "INTENT_UNAVAILABLE",
			"The job could not be recorded; nothing was started", nil)
	case errors.Is(err, tracker.ErrResultsUnsaved):
		response.RetryAfter(w, http.StatusServiceUnavailable, retryLater, "RESULTS_UNSAVED",
			"Angles of the previous job are still being saved; try again shortly")
	case errors.Is(err, tracker.ErrTrackerClosed):
		response.RetryAfter(w, http.StatusServiceUnavailable, retryLater, "SHUTTING_DOWN", "The service is shutting down")
	default:
		slog.Error("unhandled tracker error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// pagination reads ?page= and ?limit=, clamping limit to maxPageLimit.
func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, defaultPageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageLimit)
	}
	return page, limit
}
