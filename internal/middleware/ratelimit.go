package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter  *ratelimit.Limiter
	policies *ratelimit.PolicyTable
	salt     string // For IP hashing stability
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, policies *ratelimit.PolicyTable, salt string) *RateLimitMiddleware {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &RateLimitMiddleware{limiter: l, policies: policies, salt: salt}
}

type limitOptions struct {
	extraKey   func(*http.Request) string
	setHeaders bool
}

type LimitOption func(*limitOptions)

// WithExtraKey adds a per-request dimension to the quota key, such as a target resource id.
func WithExtraKey(fn func(*http.Request) string) LimitOption {
	return func(o *limitOptions) { o.extraKey = fn }
}

// WithURLParamKey uses the chi URL parameter name as the extra dimension.
func WithURLParamKey(name string) LimitOption {
	return WithExtraKey(func(r *http.Request) string { return chi.URLParam(r, name) })
}

// WithoutHeaders suppresses the X-RateLimit-* and Retry-After headers, including
// those already set by an outer limiter such as GlobalLimiter.
func WithoutHeaders() LimitOption {
	return func(o *limitOptions) { o.setHeaders = false }
}

// Limit returns a middleware enforcing the policy registered for action on
// the authenticated subject. Unknown actions are a wiring error.
func (m *RateLimitMiddleware) Limit(action string, opts ...LimitOption) (func(http.Handler) http.Handler, error) {
	p, err := m.policies.Get(action)
	if err != nil {
		return nil, err
	}
	return m.LimitPolicy(p, opts...), nil
}

// LimitPolicy is Limit for a policy that is not in the table.
func (m *RateLimitMiddleware) LimitPolicy(p ratelimit.Policy, opts ...LimitOption) func(http.Handler) http.Handler {
	o := limitOptions{setHeaders: true}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var extra string
			if o.extraKey != nil {
				extra = o.extraKey(r)
			}
			m.enforce(w, r, next, p, SubjectID(r.Context()), extra, o.setHeaders)
		})
	}
}

// GlobalLimiter applies p to every request keyed by the hashed client IP.
// Run chi's RealIP ahead of it when behind a proxy.
func (m *RateLimitMiddleware) GlobalLimiter(p ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := "ip:" + ratelimit.HashIP(clientIP(r), m.salt)
			m.enforce(w, r, next, p, subject, "", true)
		})
	}
}

func (m *RateLimitMiddleware) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, p ratelimit.Policy, subject, extra string, setHeaders bool) {
	decision, err := m.limiter.Admit(r.Context(), p, subject, extra)
	switch {
	case errors.Is(err, ratelimit.ErrUnauthenticated):
		WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("action", p.Action).Msg("rate limit misconfigured")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", nil)
		return
	}

	// Innermost limiter wins: its decision replaces any outer one's headers.
	if setHeaders {
		writeRateLimitHeaders(w, decision)
	} else {
		clearRateLimitHeaders(w)
	}

	if !decision.Allowed {
		zerolog.Ctx(r.Context()).Debug().
			Str("action", p.Action).
			Str("backend", string(decision.Backend)).
			Msg("rate limit exceeded")
		WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", map[string]any{
			"action":   p.Action,
			"limit":    p.Limit,
			"windowMs": p.Window.Milliseconds(),
		})
		return
	}

	next.ServeHTTP(w, r)
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetUnix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

func clearRateLimitHeaders(w http.ResponseWriter) {
	for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"} {
		w.Header().Del(h)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
