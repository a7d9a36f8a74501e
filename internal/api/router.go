package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/anglestudio/internal/api/middleware"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	CORSOrigins []string

	HealthHandler http.HandlerFunc

	StartJob    http.HandlerFunc
	GetSnapshot http.HandlerFunc
	CancelJob   http.HandlerFunc
	RetryUnit   http.HandlerFunc
	ReportUnit  http.HandlerFunc
	ListJobs    http.HandlerFunc
	ListResults http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
//
// Scopes: "read" for snapshots and listings, "jobs" to start, cancel, retry
// and report, "admin" for key management.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if len(deps.CORSOrigins) > 0 {
		r.Use(mw.CORS(deps.CORSOrigins))
	}

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/entities/{entityID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("read"))

				r.Get("/jobs", orNotImplemented(deps.ListJobs))
				r.Get("/jobs/current", orNotImplemented(deps.GetSnapshot))
				r.Get("/results", orNotImplemented(deps.ListResults))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("jobs"))

				r.Post("/jobs", orNotImplemented(deps.StartJob))
				r.Delete("/jobs/current", orNotImplemented(deps.CancelJob))
				r.Post("/jobs/current/units/{unitID}/retry", orNotImplemented(deps.RetryUnit))
				r.Post("/jobs/current/units/{unitID}/report", orNotImplemented(deps.ReportUnit))
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
