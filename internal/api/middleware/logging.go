package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logging attaches a request-scoped logger to the context and logs one line
// per request once it completes.
func Logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With().Str("request_id", chimw.GetReqID(r.Context())).Logger()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(reqLogger.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := reqLogger.Info()
			if status >= http.StatusInternalServerError {
				event = reqLogger.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		})
	}
}
