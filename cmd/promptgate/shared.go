package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/promptgate/internal/config"
	"github.com/mihaimyh/promptgate/pkg/promptgate"
	zerologadapter "github.com/mihaimyh/promptgate/pkg/promptgate/logger/zerolog"
	prommetrics "github.com/mihaimyh/promptgate/pkg/promptgate/metrics/prometheus"
	"github.com/mihaimyh/promptgate/storage/firestore"
	"github.com/mihaimyh/promptgate/storage/gormdb"
	"github.com/mihaimyh/promptgate/storage/memory"
	"github.com/mihaimyh/promptgate/storage/postgres"
	"github.com/mihaimyh/promptgate/storage/redis"
)

// pinger is implemented by the networked stores
type pinger interface {
	Ping(ctx context.Context) error
}

// openedStore is a counter store plus whatever must be released on exit.
// Storage is handed to the controller unwrapped so its atomic and clock
// capabilities stay visible.
type openedStore struct {
	Storage promptgate.Storage
	close   func() error
}

func (s *openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Ping reports store health; stores without a connection are always healthy
func (s *openedStore) Ping(ctx context.Context) error {
	if p, ok := s.Storage.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "promptgate").Logger(), nil
}

// openStore connects to the configured driver
func openStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*openedStore, error) {
	logger.Info().Str("driver", cfg.Driver).Msg("opening counter store")

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn().Msg("memory store keeps counters in process; restarts reset every quota")
		return &openedStore{Storage: memory.New()}, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redis.New(client, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return &openedStore{Storage: store, close: store.Close}, nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		pgCfg.AutoMigrate = cfg.Postgres.AutoMigrate
		if cfg.Postgres.MaxConns > 0 {
			pgCfg.MaxConns = cfg.Postgres.MaxConns
		}
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return &openedStore{Storage: store, close: func() error {
			store.Close()
			return nil
		}}, nil

	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("creating firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{
			UserStatsCollection: cfg.Firestore.UserStatsCollection,
			GuestCollection:     cfg.Firestore.GuestCollection,
			IPCollection:        cfg.Firestore.IPCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &openedStore{Storage: store, close: client.Close}, nil

	case config.DriverSQLite, config.DriverGormPostgres:
		var (
			store *gormdb.Storage
			err   error
		)
		if cfg.Driver == config.DriverSQLite {
			store, err = gormdb.OpenSQLite(cfg.SQLite.Path)
		} else {
			store, err = gormdb.OpenPostgres(cfg.Postgres.DSN)
		}
		if err != nil {
			return nil, err
		}
		if cfg.Driver == config.DriverSQLite || cfg.Postgres.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return &openedStore{Storage: store, close: store.Close}, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// app holds everything a subcommand needs. Close releases the store.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      *openedStore
	controller *promptgate.Controller
	registry   *prometheus.Registry // nil when metrics are disabled
}

// newApp loads the config, opens the store and builds the controller.
// withMetrics registers Prometheus collectors when the config enables them.
func newApp(ctx context.Context, withMetrics bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	cc := cfg.ControllerConfig()
	cc.Logger = zerologadapter.NewLogger(logger.With().Str("component", "controller").Logger())
	if withMetrics && cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		cc.Metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	a.store, err = openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.controller, err = promptgate.NewController(a.store.Storage, cc)
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("building controller: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing counter store")
	}
}
