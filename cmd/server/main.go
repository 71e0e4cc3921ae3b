package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/api"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/ratelimit"
	"github.com/threadline/threadline/internal/tokens"
)

func main() {
	started := time.Now()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "threadline").Logger()

	// 1. Load Configuration & Secrets
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfgPath).Msg("config load failed")
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		logger.Fatal().Err(err).Msg("config env override failed")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	if cfg.Log.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger = logger.Level(level)

	policies, err := cfg.PolicyTable()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit policies")
	}

	// 2. Metrics
	collector, err := metrics.NewCollector(metrics.Config{
		Window:     cfg.Metrics.Window,
		MaxSamples: cfg.Metrics.MaxSamples,
		Buckets:    cfg.Metrics.Buckets,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics collector init failed")
	}
	collector.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 3. Quota stores
	local, err := ratelimit.NewMemoryStore(cfg.RateLimits.LocalMaxKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("local quota store init failed")
	}

	rlLogger := logger.With().Str("component", "ratelimit").Logger()
	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(rlLogger),
		ratelimit.WithRejectionRecorder(collector),
		ratelimit.WithSharedTimeout(cfg.Redis.Timeout),
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		shared := ratelimit.NewRedisStore(rdb, ratelimit.RedisOptions{
			DisableScript: cfg.Redis.DisableScript,
			Logger:        &rlLogger,
		})

		// Unreachable at startup is not fatal; each request fails over on its own.
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := shared.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unreachable, quotas fall back to local store until it recovers")
		} else {
			logger.Info().Str("addr", opts.Addr).Bool("scripted", !cfg.Redis.DisableScript).Msg("shared quota store connected")
		}
		cancel()

		limiterOpts = append(limiterOpts, ratelimit.WithSharedStore(shared))
	} else {
		logger.Info().Msg("REDIS_URL not set, quotas are per process")
	}
	limiter := ratelimit.NewLimiter(local, limiterOpts...)

	// 4. Upstream
	var target *url.URL
	if cfg.Upstream.URL != "" {
		target, _ = url.Parse(cfg.Upstream.URL) // validated above
	} else {
		logger.Warn().Msg("UPSTREAM_URL not set, domain routes answer 503")
	}

	// 5. Routing
	handler, err := newRouter(serverDeps{
		cfg:       cfg,
		logger:    logger,
		limiter:   limiter,
		policies:  policies,
		collector: collector,
		tokens:    tokens.NewManager(cfg.Auth.JWTSecret),
		upstream:  api.NewUpstreamProxy(target, cfg.Upstream.Timeout),
		started:   started,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router init failed")
	}

	// 6. Start Server
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Int("policies", len(policies.All())).Msg("threadline listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// 7. Graceful Shutdown
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close error")
		}
	}
	logger.Info().Msg("server stopped")
}
