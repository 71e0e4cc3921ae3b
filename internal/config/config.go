package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/threadline/threadline/internal/ratelimit"
)

// DefaultPath is read when CONFIG_PATH is unset.
const DefaultPath = "config/default.yaml"

// Config is the top-level configuration for the API edge.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	Redis      RedisConfig     `yaml:"redis"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Log        LogConfig       `yaml:"log"`
	CORS       CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig points at the managed data platform that serves domain routes.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig enables the shared quota store. An empty URL keeps limits per process.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	DisableScript bool          `yaml:"disable_script"`
	Timeout       time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type RateLimitConfig struct {
	Salt         string             `yaml:"salt"`
	LocalMaxKeys int                `yaml:"local_max_keys"`
	GlobalIP     ratelimit.Policy   `yaml:"global_ip"` // Limit 0 disables
	Policies     []ratelimit.Policy `yaml:"policies"`
	Routes       []RouteConfig      `yaml:"routes"`
}

// RouteConfig binds one method and chi path pattern to a policy action.
type RouteConfig struct {
	Method     string `yaml:"method"`
	Path       string `yaml:"path"`
	Action     string `yaml:"action"`
	KeyParam   string `yaml:"key_param"`   // chi URL param narrowing the quota
	SetHeaders *bool  `yaml:"set_headers"` // nil means true
}

// Headers reports whether rate limit headers are emitted on this route.
func (r RouteConfig) Headers() bool {
	return r.SetHeaders == nil || *r.SetHeaders
}

type MetricsConfig struct {
	Window     time.Duration `yaml:"window"`
	MaxSamples int           `yaml:"max_samples"`
	Buckets    []float64     `yaml:"buckets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Timeout: ratelimit.DefaultSharedTimeout,
		},
		RateLimits: RateLimitConfig{
			LocalMaxKeys: ratelimit.DefaultMemoryMaxKeys,
			GlobalIP: ratelimit.Policy{
				Action:      "global:ip",
				Limit:       120,
				Window:      time.Minute,
				Description: "Requests per client IP per minute",
			},
			Policies: ratelimit.DefaultPolicies(),
			Routes:   DefaultRoutes(),
		},
		Metrics: MetricsConfig{
			Window:     time.Minute,
			MaxSamples: 10_000,
			Buckets:    []float64{50, 100, 200, 400, 800, 1600},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultRoutes are the mutating domain routes guarded by a policy.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Method: http.MethodPost, Path: "/api/posts", Action: "post:create"},
		{Method: http.MethodPost, Path: "/api/posts/{id}/reply", Action: "post:reply"},
		{Method: http.MethodPost, Path: "/api/follows/{id}/follow", Action: "user:follow"},
		{Method: http.MethodPost, Path: "/api/follows/{id}/unfollow", Action: "user:follow"},
		{Method: http.MethodPost, Path: "/api/likes/{postId}/like", Action: "interaction:like"},
		{Method: http.MethodPost, Path: "/api/likes/{postId}/repost", Action: "interaction:repost"},
		{Method: http.MethodPost, Path: "/api/reposts", Action: "interaction:repost"},
		{Method: http.MethodDelete, Path: "/api/reposts", Action: "interaction:repost"},
		{Method: http.MethodPost, Path: "/api/media/upload-url", Action: "media:upload_url"},
		{Method: http.MethodPost, Path: "/api/media", Action: "media:attach"},
		{Method: http.MethodPost, Path: "/api/moderation/block", Action: "moderation:block"},
		{Method: http.MethodPost, Path: "/api/moderation/mute", Action: "moderation:mute"},
		{Method: http.MethodPost, Path: "/api/moderation/report", Action: "moderation:report"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Lists present in the file replace the default lists.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file settings from the environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := getenv("REDIS_DISABLE_SCRIPT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REDIS_DISABLE_SCRIPT: %w", err)
		}
		c.Redis.DisableScript = b
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("RATE_LIMIT_SALT"); v != "" {
		c.RateLimits.Salt = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	// Comma separated, or "*".
	if v := strings.TrimSpace(getenv("CORS_ORIGINS")); v != "" {
		c.CORS.Origins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORS.Origins = append(c.CORS.Origins, o)
			}
		}
	}
	return nil
}

// Validate checks that the config can be wired.
func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (JWT_SECRET)")
	}
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream.url must be an absolute URL, got %q", c.Upstream.URL)
		}
	}
	// ParseLevel accepts "" as NoLevel, which would silence the service.
	if c.Log.Level == "" {
		return errors.New("log.level is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.RateLimits.GlobalIP.Limit > 0 {
		if err := c.RateLimits.GlobalIP.Validate(); err != nil {
			return fmt.Errorf("rate_limits.global_ip: %w", err)
		}
	}

	table, err := c.PolicyTable()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.RateLimits.Routes))
	for i, r := range c.RateLimits.Routes {
		if r.Method == "" || !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("rate_limits.routes[%d]: method and absolute path are required", i)
		}
		if _, err := table.Get(r.Action); err != nil {
			return fmt.Errorf("rate_limits.routes[%d]: %w", i, err)
		}
		k := strings.ToUpper(r.Method) + " " + r.Path
		if seen[k] {
			return fmt.Errorf("rate_limits.routes[%d]: duplicate route %s", i, k)
		}
		seen[k] = true
	}
	return nil
}

// PolicyTable builds the read-only policy table.
func (c Config) PolicyTable() (*ratelimit.PolicyTable, error) {
	return ratelimit.NewPolicyTable(c.RateLimits.Policies)
}
