package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/godonate/internal/config"
	"github.com/mihaimyh/godonate/pkg/donation"
	zlog "github.com/mihaimyh/godonate/pkg/donation/logger/zerolog"
	donationprom "github.com/mihaimyh/godonate/pkg/donation/metrics/prometheus"
	"github.com/mihaimyh/godonate/pkg/fees"
	"github.com/mihaimyh/godonate/pkg/gateway"
	gatewayprom "github.com/mihaimyh/godonate/pkg/gateway/metrics/prometheus"
	"github.com/mihaimyh/godonate/pkg/gateway/stripe"
	"github.com/mihaimyh/godonate/pkg/gateway/stripe/stripetest"
	"github.com/mihaimyh/godonate/pkg/ratelimit"
	"github.com/mihaimyh/godonate/storage/catalog"
	"github.com/mihaimyh/godonate/storage/dynamodb"
	"github.com/mihaimyh/godonate/storage/firestore"
	"github.com/mihaimyh/godonate/storage/memory"
	"github.com/mihaimyh/godonate/storage/postgres"
	"github.com/mihaimyh/godonate/storage/redis"
	"github.com/mihaimyh/godonate/storage/tiered"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	logger   donation.Logger
	registry *prometheus.Registry

	service   *donation.Service
	catalog   *catalog.Store
	directory *donation.CachedDirectory
	limiter   ratelimit.Limiter

	postgres *postgres.Storage
	events   *dynamodb.EventLog

	closers []func()
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}

// newLogger builds the process logger. Console output is for local use.
func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "donationd").Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      newLogger(cfg.Log, logOut),
		registry: prometheus.NewRegistry(),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	donationMetrics := donationprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
	gatewayMetrics := gatewayprom.NewMetrics(a.registry, cfg.Metrics.Namespace)

	a.logger = zlog.NewLogger(a.log)

	storage, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	a.limiter = ratelimit.NewMemoryLimiter()
	if cfg.Redis.Enabled {
		hot, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		a.limiter = hot

		t, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           storage,
			AsyncHotWrites: true,
			AsyncErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("idempotency cache write failed")
			},
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = t.Close() })
		storage = t
	}

	var events donation.EventLog = storage
	if cfg.Storage.DynamoDB.Enabled {
		a.events, err = a.openDynamoDB(ctx)
		if err != nil {
			return nil, err
		}
		events = a.events
	}

	a.catalog, err = catalog.Open(cfg.Catalog.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign catalog: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.catalog.Close() })
	a.directory = donation.NewCachedDirectory(a.catalog, donation.CacheConfig{TTL: cfg.Catalog.CacheTTL}, donationMetrics)

	gw, err := a.newGateway(gatewayMetrics)
	if err != nil {
		return nil, err
	}

	calc, err := fees.NewCalculator(cfg.Fees.Calculator())
	if err != nil {
		return nil, err
	}

	a.service, err = donation.NewService(donation.Config{
		Ledger:      storage,
		Donors:      storage,
		Events:      events,
		Campaigns:   a.directory,
		Idempotency: storage,
		Gateway:     gw,
		Fees:        calc,
		Metrics:     donationMetrics,
		Logger:      a.logger,
		Alerts:      donation.AlertFunc(a.onAlert),
	})
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (donation.Storage, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := a.cfg.Storage.Postgres
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = pg.DSN
		pgConfig.MaxConns = pg.MaxConns
		pgConfig.MinConns = pg.MinConns
		pgConfig.CleanupInterval = pg.CleanupInterval
		pgConfig.RecordTTL = pg.IdempotencyTTL

		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.postgres = store
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, a.cfg.Storage.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return firestore.New(client, firestore.Config{})

	default:
		a.log.Warn().Msg("using in-memory storage; data is lost on restart")
		return memory.New(), nil
	}
}

func (a *app) openRedis(ctx context.Context) (*redis.Storage, error) {
	rc := a.cfg.Redis
	client := goredis.NewClient(&goredis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	store, err := redis.New(client, redis.Config{KeyPrefix: rc.KeyPrefix, IdempotencyTTL: rc.IdempotencyTTL})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })

	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
	}
	return store, nil
}

func (a *app) openDynamoDB(ctx context.Context) (*dynamodb.EventLog, error) {
	dc := a.cfg.Storage.DynamoDB
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dc.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if dc.Endpoint != "" {
			o.BaseEndpoint = aws.String(dc.Endpoint)
		}
	})
	return dynamodb.New(client, dynamodb.Config{TableName: dc.EventsTable})
}

func (a *app) newGateway(metrics gateway.Metrics) (gateway.Gateway, error) {
	sc := a.cfg.Stripe

	var gw gateway.Gateway
	if sc.Fake {
		a.log.Warn().Msg("using the in-process test gateway; no real payments are taken")
		gw = stripetest.New(sc.WebhookSecret)
	} else {
		provider, err := stripe.NewProvider(stripe.Config{
			APIKey:           sc.APIKey,
			WebhookSecret:    sc.WebhookSecret,
			WebhookTolerance: sc.WebhookTolerance,
			Currency:         sc.Currency,
			Metrics:          metrics,
		})
		if err != nil {
			return nil, err
		}
		gw = provider
	}

	if a.cfg.Breaker.Enabled {
		gw = gateway.WithCircuitBreaker(gw, gateway.BreakerConfig{
			FailureThreshold: a.cfg.Breaker.FailureThreshold,
			ResetTimeout:     a.cfg.Breaker.ResetTimeout,
			Metrics:          metrics,
		})
	}
	return gw, nil
}

func (a *app) onAlert(_ context.Context, alert donation.Alert) {
	a.log.Error().
		Err(alert.Err).
		Str("alert", string(alert.Kind)).
		Str("intent_id", alert.IntentID).
		Str("donation_id", alert.DonationID).
		Str("event_id", alert.EventID).
		Time("at", alert.At).
		Msg("manual reconciliation required")
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
