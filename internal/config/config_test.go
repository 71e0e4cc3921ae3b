package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/ratelimit"
)

func validConfig() Config {
	cfg := Default()
	cfg.Auth.JWTSecret = "secret"
	return cfg
}

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault_IsValidOnceSecretIsSet(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "jwt secret is required")

	assert.NoError(t, validConfig().Validate())
}

func TestDefault_RoutesReferenceKnownPolicies(t *testing.T) {
	table, err := Default().PolicyTable()
	require.NoError(t, err)
	for _, r := range DefaultRoutes() {
		_, err := table.Get(r.Action)
		assert.NoError(t, err, r.Path)
		assert.True(t, r.Headers())
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ShippedFileMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)

	want := Default()
	want.CORS.Origins = []string{"*"}
	assert.Equal(t, want, cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
redis:
  url: "redis://localhost:6379/0"
  disable_script: true
rate_limits:
  policies:
    - { action: "act", limit: 3, window: 1s }
  routes:
    - { method: POST, path: "/api/likes/{postId}/like", action: "act", key_param: postId, set_headers: false }
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "untouched fields keep defaults")
	assert.True(t, cfg.Redis.DisableScript)
	assert.Equal(t, []ratelimit.Policy{{Action: "act", Limit: 3, Window: time.Second}}, cfg.RateLimits.Policies)
	require.Len(t, cfg.RateLimits.Routes, 1)
	assert.Equal(t, "postId", cfg.RateLimits.Routes[0].KeyParam)
	assert.False(t, cfg.RateLimits.Routes[0].Headers())

	cfg.Auth.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envOf(map[string]string{
		"PORT":                 "3000",
		"UPSTREAM_URL":         "https://data.example",
		"REDIS_URL":            "redis://cache:6379",
		"REDIS_DISABLE_SCRIPT": "true",
		"JWT_SECRET":           "shh",
		"RATE_LIMIT_SALT":      "pepper",
		"LOG_LEVEL":            "debug",
		"CORS_ORIGINS":         " https://a.example , https://b.example ,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "https://data.example", cfg.Upstream.URL)
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
	assert.True(t, cfg.Redis.DisableScript)
	assert.Equal(t, "shh", cfg.Auth.JWTSecret)
	assert.Equal(t, "pepper", cfg.RateLimits.Salt)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyLogLevelFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: \"\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Log.Level)

	cfg.Auth.JWTSecret = "s"
	assert.ErrorContains(t, cfg.Validate(), "log.level")
}

func TestApplyEnv_BadBool(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv(envOf(map[string]string{"REDIS_DISABLE_SCRIPT": "maybe"})))
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":         func(c *Config) { c.Server.Port = "http" },
		"upstream":     func(c *Config) { c.Upstream.URL = "not a url" },
		"log level":    func(c *Config) { c.Log.Level = "loud" },
		"empty level":  func(c *Config) { c.Log.Level = "" },
		"global ip":    func(c *Config) { c.RateLimits.GlobalIP.Window = 0 },
		"policy":       func(c *Config) { c.RateLimits.Policies[0].Limit = 0 },
		"unknown act":  func(c *Config) { c.RateLimits.Routes[0].Action = "nope" },
		"relative":     func(c *Config) { c.RateLimits.Routes[0].Path = "api/posts" },
		"duplicate":    func(c *Config) { c.RateLimits.Routes[1] = c.RateLimits.Routes[0] },
		"missing verb": func(c *Config) { c.RateLimits.Routes[0].Method = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_GlobalIPDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimits.GlobalIP = ratelimit.Policy{}
	assert.NoError(t, cfg.Validate())
}
