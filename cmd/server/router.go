package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/api"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/middleware"
	"github.com/threadline/threadline/internal/ratelimit"
)

type serverDeps struct {
	cfg       config.Config
	logger    zerolog.Logger
	limiter   *ratelimit.Limiter
	policies  *ratelimit.PolicyTable
	collector *metrics.Collector
	tokens    middleware.TokenValidator
	upstream  http.Handler
	started   time.Time
}

func newRouter(d serverDeps) (http.Handler, error) {
	rl := middleware.NewRateLimitMiddleware(d.limiter, d.policies, d.cfg.RateLimits.Salt)
	jwtAuth := middleware.NewJWTAuth(d.tokens)

	// Resolve every route policy up front so a bad table fails startup.
	type guardedRoute struct {
		route config.RouteConfig
		limit func(http.Handler) http.Handler
	}
	guarded := make([]guardedRoute, 0, len(d.cfg.RateLimits.Routes))
	for _, rc := range d.cfg.RateLimits.Routes {
		var opts []middleware.LimitOption
		if rc.KeyParam != "" {
			opts = append(opts, middleware.WithURLParamKey(rc.KeyParam))
		}
		if !rc.Headers() {
			opts = append(opts, middleware.WithoutHeaders())
		}
		limit, err := rl.Limit(rc.Action, opts...)
		if err != nil {
			return nil, err
		}
		guarded = append(guarded, guardedRoute{route: rc, limit: limit})
	}

	var globalIP *ratelimit.Policy
	if p := d.cfg.RateLimits.GlobalIP; p.Limit > 0 {
		globalIP = &p
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(d.logger))
	r.Use(middleware.Metrics(d.collector))
	r.Use(chimiddleware.Recoverer)
	// CORS - MUST be before JWT auth to handle preflight OPTIONS
	r.Use(middleware.CORS(d.cfg.CORS.Origins))

	// Health & Metrics
	health := api.NewHealthHandler(d.started, d.limiter.HasSharedStore())
	metricsHandler := &api.MetricsHandler{Source: d.collector}
	r.Get("/health", health.GetHealth)
	r.Get("/metrics", metricsHandler.Prometheus)
	r.Get("/metrics.json", metricsHandler.JSON)

	r.Group(func(r chi.Router) {
		if globalIP != nil {
			r.Use(rl.GlobalLimiter(*globalIP))
		}

		policyHandler := &api.PolicyHandler{Policies: d.policies, GlobalIP: globalIP}
		r.Get("/api/ratelimits", policyHandler.List)

		// Mutating domain routes: authenticate, then charge the actor's quota.
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			for _, g := range guarded {
				r.With(g.limit).Method(g.route.Method, g.route.Path, d.upstream)
			}
		})

		// Everything else goes upstream untouched; the data platform authorizes it.
		r.Handle("/*", d.upstream)
	})
	r.MethodNotAllowed(d.upstream.ServeHTTP)

	return r, nil
}
