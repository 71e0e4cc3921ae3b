package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/threadline/threadline/internal/metrics"
)

// UnmatchedRoute labels requests that no route pattern matched, keeping
// raw paths out of metric labels.
const UnmatchedRoute = "unmatched"

// RequestObserver is the part of metrics.Collector the middleware needs.
type RequestObserver interface {
	Start() metrics.Token
	Finish(t metrics.Token, route, method string, status int)
}

// Metrics records latency and status of every request under its chi route pattern.
func Metrics(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := obs.Start()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				obs.Finish(tok, routePattern(r), r.Method, statusOf(ww))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return UnmatchedRoute
}

// statusOf treats a handler that never wrote a header as 200, like net/http does.
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
