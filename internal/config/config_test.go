package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/fees"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "godonate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GODONATE_STRIPE_FAKE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "chi", cfg.Server.Router)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, fees.DefaultConfig(), cfg.Fees.Calculator())
	assert.Equal(t, 5*time.Minute, cfg.Stripe.WebhookTolerance)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Grace)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.NoError(t, cfg.RateLimit.Limit().Validate())
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  router: gin
fees:
  platform_percent: 6
stripe:
  api_key: sk_test_file
  webhook_secret: whsec_file
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/godonate
    max_conns: 20
sweep:
  interval: 1m
`)
	t.Setenv("GODONATE_STRIPE_API_KEY", "sk_test_env")
	t.Setenv("GODONATE_STORAGE_POSTGRES_MIN_CONNS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "gin", cfg.Server.Router)
	assert.Equal(t, 6.0, cfg.Fees.PlatformPercent)
	assert.Equal(t, "sk_test_env", cfg.Stripe.APIKey, "env overrides file")
	assert.Equal(t, "whsec_file", cfg.Stripe.WebhookSecret)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, int32(20), cfg.Storage.Postgres.MaxConns)
	assert.Equal(t, int32(4), cfg.Storage.Postgres.MinConns)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
}

func TestRead_SkipsValidation(t *testing.T) {
	t.Setenv("GODONATE_STRIPE_FAKE", "false")

	_, err := Load("")
	require.Error(t, err)

	cfg, err := Read("")
	require.NoError(t, err)
	assert.Equal(t, fees.DefaultConfig(), cfg.Fees.Calculator())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("GODONATE_STRIPE_FAKE", "true")
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"platform fee too high", func(c *Config) { c.Fees.PlatformPercent = 12 }, "fees"},
		{"platform fee too low", func(c *Config) { c.Fees.PlatformPercent = 5 }, "fees"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad router", func(c *Config) { c.Server.Router = "beego" }, "server.router"},
		{"real stripe without keys", func(c *Config) { c.Stripe.Fake = false }, "stripe.api_key"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.postgres.dsn"},
		{"firestore without project", func(c *Config) { c.Storage.Driver = DriverFirestore }, "project_id"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "unknown driver"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"bad limit", func(c *Config) { c.RateLimit.Rate = 0 }, "ratelimit"},
		{"negative grace", func(c *Config) { c.Sweep.Grace = -time.Second }, "sweep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("disabled limit is not validated", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.Rate = 0
		assert.NoError(t, cfg.Validate())
	})
}
