package gateway

import (
	"errors"
	"net/http"

	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/AlexKimmel/bbrgate/internal/routing"
	"github.com/rs/zerolog/hlog"
)

// Admitter decides whether one more request may run.
type Admitter interface {
	Allow() (bbr.DoneFunc, error)
}

// AdmitterFor resolves the admitter guarding a route.
type AdmitterFor func(routeID string) (Admitter, error)

// Admission sheds requests the route's limiter rejects with 503 and reports
// every admitted request back to it; responses >= 500 count as failures.
func Admission(
	admitters AdmitterFor,
	skipPaths map[string]struct{},
	onRejected func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			routeID := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				routeID = rt.ID
			}

			adm, err := admitters(routeID)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("route", routeID).Msg("[gateway] admission unavailable")
				writeJSON(w, http.StatusInternalServerError, "admission_error", "internal admission error")
				return
			}

			done, err := adm.Allow()
			if err != nil {
				if !errors.Is(err, bbr.ErrLimitExceed) {
					hlog.FromRequest(r).Error().Err(err).Str("route", routeID).Msg("[gateway] admission failed")
				}
				if onRejected != nil {
					onRejected(routeID)
				}
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, "overloaded", "Server is overloaded, retry later")
				return
			}

			rec := NewStatusRecorder(w)
			success := false
			defer func() { done(bbr.DoneInfo{Success: success}) }()

			next.ServeHTTP(rec, r)
			success = rec.Status() < http.StatusInternalServerError
		})
	}
}
