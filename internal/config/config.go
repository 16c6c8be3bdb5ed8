// Package config loads donationd settings from an optional YAML file and
// GODONATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mihaimyh/godonate/pkg/fees"
	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: storage.postgres.dsn -> GODONATE_STORAGE_POSTGRES_DSN.
const EnvPrefix = "GODONATE"

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Config is the full daemon configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Router selects the HTTP framework the API is mounted on:
	// chi, gin, echo, fiber or mux
	Router string `mapstructure:"router"`

	// TrustProxy keys rate limits on X-Forwarded-For instead of the peer address
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type FeesConfig struct {
	PlatformPercent    float64 `mapstructure:"platform_percent"`
	ProviderPercent    float64 `mapstructure:"provider_percent"`
	ProviderFixedCents int64   `mapstructure:"provider_fixed_cents"`
}

// Calculator returns the fee schedule as a fees.Config
func (f FeesConfig) Calculator() fees.Config {
	return fees.Config{
		PlatformPercent:    f.PlatformPercent,
		ProviderPercent:    f.ProviderPercent,
		ProviderFixedCents: f.ProviderFixedCents,
	}
}

type StripeConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	Currency         string        `mapstructure:"currency"`

	// Fake swaps Stripe for the in-process test gateway. Local development only.
	Fake bool `mapstructure:"fake"`
}

type StorageConfig struct {
	Driver    string          `mapstructure:"driver"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	DynamoDB  DynamoDBConfig  `mapstructure:"dynamodb"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// DynamoDBConfig moves the webhook event log to DynamoDB when enabled
type DynamoDBConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	EventsTable string `mapstructure:"events_table"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	CreateTable bool   `mapstructure:"create_table"`
}

// RedisConfig enables Redis for idempotency records and shared rate limits
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type CatalogConfig struct {
	DSN      string        `mapstructure:"dsn"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Algorithm string        `mapstructure:"algorithm"`
	Rate      int           `mapstructure:"rate"`
	Window    time.Duration `mapstructure:"window"`
	Burst     int           `mapstructure:"burst"`
	FailOpen  bool          `mapstructure:"fail_open"`
}

// Limit returns the limit as a ratelimit.Config
func (r RateLimitConfig) Limit() ratelimit.Config {
	return ratelimit.Config{Algorithm: r.Algorithm, Rate: r.Rate, Window: r.Window, Burst: r.Burst}
}

type SweepConfig struct {
	// Interval between background sweeps; zero disables the loop
	Interval    time.Duration `mapstructure:"interval"`
	Grace       time.Duration `mapstructure:"grace"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

type AdminConfig struct {
	// Token authorizes privileged routes as "Authorization: Bearer <token>".
	// Empty disables them.
	Token string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.router", "chi")
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("fees.platform_percent", fees.DefaultPlatformPercent)
	v.SetDefault("fees.provider_percent", fees.DefaultProviderPercent)
	v.SetDefault("fees.provider_fixed_cents", fees.DefaultProviderFixedCents)

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.webhook_tolerance", 5*time.Minute)
	v.SetDefault("stripe.currency", "usd")
	v.SetDefault("stripe.fake", false)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.cleanup_interval", time.Hour)
	v.SetDefault("storage.postgres.idempotency_ttl", 24*time.Hour)
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.dynamodb.enabled", false)
	v.SetDefault("storage.dynamodb.events_table", "webhook_events")
	v.SetDefault("storage.dynamodb.region", "us-east-1")
	v.SetDefault("storage.dynamodb.endpoint", "")
	v.SetDefault("storage.dynamodb.create_table", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "godonate:")
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)

	v.SetDefault("catalog.dsn", "godonate-catalog.db")
	v.SetDefault("catalog.cache_ttl", 30*time.Second)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.algorithm", ratelimit.AlgorithmSlidingWindow)
	v.SetDefault("ratelimit.rate", 60)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.burst", 0)
	v.SetDefault("ratelimit.fail_open", true)

	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.grace", 10*time.Minute)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.concurrency", 4)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "godonate")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("admin.token", "")
}

// Load reads configuration from path (optional) and the environment, then
// validates it
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that only need part of the
// configuration
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if err := c.Fees.Calculator().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fees: %w", err))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be json or console, got %q", c.Log.Format))
	}

	switch c.Server.Router {
	case "chi", "gin", "echo", "fiber", "mux":
	default:
		errs = append(errs, fmt.Errorf("server.router: unknown router %q", c.Server.Router))
	}

	if !c.Stripe.Fake {
		if c.Stripe.APIKey == "" {
			errs = append(errs, errors.New("stripe.api_key is required"))
		}
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("stripe.webhook_secret is required"))
		}
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("storage.firestore.project_id is required for the firestore driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.DynamoDB.Enabled && c.Storage.DynamoDB.EventsTable == "" {
		errs = append(errs, errors.New("storage.dynamodb.events_table is required"))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Catalog.DSN == "" {
		errs = append(errs, errors.New("catalog.dsn is required"))
	}
	if c.RateLimit.Enabled {
		if err := c.RateLimit.Limit().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ratelimit: %w", err))
		}
	}
	if c.Sweep.Interval < 0 || c.Sweep.Grace < 0 {
		errs = append(errs, errors.New("sweep durations must not be negative"))
	}

	return errors.Join(errs...)
}
