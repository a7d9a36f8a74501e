package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope unless the handler had
// already started its response. http.ErrAbortHandler is passed through.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			slog.Error("handler panicked",
				"panic", v,
				"route", routeOf(r),
				"entity_id", chi.URLParam(r, "entityID"),
				"response_started", rec.wrote,
				"stack", string(debug.Stack()),
			)
			if !rec.wrote {
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
