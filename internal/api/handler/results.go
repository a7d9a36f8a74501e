package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
	"github.com/kiranshivaraju/anglestudio/internal/store"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// History is the read side of the store behind the listing endpoints.
type History interface {
	ListResults(ctx context.Context, filter store.ResultFilter) ([]*models.StoredResult, int, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// NewListResultsHandler returns the handler for GET /api/v1/entities/{entityID}/results.
// ?job_id= narrows the listing to one job.
func NewListResultsHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := pagination(r)
		filter := store.ResultFilter{
			EntityID: chi.URLParam(r, "entityID"),
			JobID:    r.URL.Query().Get("job_id"),
			Page:     page,
			Limit:    limit,
		}

		results, total, err := h.ListResults(r.Context(), filter)
		if err != nil {
			slog.Error("failed to list results", "entity_id", filter.EntityID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list results", nil)
			return
		}
		if results == nil {
			results = []*models.StoredResult{}
		}
		response.Collection(w, results, response.Page(page, limit, total))
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/entities/{entityID}/jobs.
// Supports ?status= and ?since= (RFC3339).
func NewListJobsHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, limit := pagination(r)
		filter := store.JobFilter{
			EntityID: chi.URLParam(r, "entityID"),
			Page:     page,
			Limit:    limit,
		}

		if v := q.Get("status"); v != "" {
			status := models.JobStatus(v)
			if !status.IsTerminal() && status != models.JobStatusPolling {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+v, nil)
				return
			}
			filter.Status = status
		}
		if v := q.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = since
		}

		jobs, total, err := h.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("failed to list jobs", "entity_id", filter.EntityID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.Page(page, limit, total))
	}
}
