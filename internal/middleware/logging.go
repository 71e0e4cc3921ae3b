package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestLogger generates a req_id, attaches a request-scoped logger to the
// context and logs completion.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := uuid.New().String()
			start := time.Now()

			// Inject req_id into header for client debugging
			w.Header().Set("X-Request-ID", reqID)

			reqLogger := logger.With().Str("req_id", reqID).Logger()
			ctx := reqLogger.WithContext(r.Context())

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			ev := reqLogger.Info()
			if status := statusOf(ww); status >= http.StatusInternalServerError {
				ev = reqLogger.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", statusOf(ww)).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
