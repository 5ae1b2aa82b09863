// Package config loads the promptgate service configuration from a YAML file,
// a .env file and PROMPTGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PROMPTGATE_"

// Storage drivers
const (
	DriverMemory       = "memory"
	DriverRedis        = "redis"
	DriverPostgres     = "postgres"
	DriverFirestore    = "firestore"
	DriverSQLite       = "sqlite"
	DriverGormPostgres = "gorm-postgres"
)

// Config is the root configuration of the promptgate service
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Log         LogConfig            `yaml:"log"`
	Limits      LimitsConfig         `yaml:"limits"`
	Consistency string               `yaml:"consistency" validate:"oneof=atomic read_check_write"`
	Breaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	Storage     StorageConfig        `yaml:"storage"`
	Metrics     MetricsConfig        `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminToken      string        `yaml:"admin_token"`    // Empty disables the admin routes
	UserIDHeader    string        `yaml:"user_id_header"` // Set by the upstream auth proxy after verifying the session

	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty charges the peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// LimitsConfig mirrors promptgate.Limits
type LimitsConfig struct {
	Guest     int `yaml:"guest" validate:"gte=0"`
	UserBonus int `yaml:"user_bonus" validate:"gte=0"`
	Total     int `yaml:"total" validate:"gte=0"`
	IPGuest   int `yaml:"ip_guest" validate:"gte=0"`
}

// CircuitBreakerConfig mirrors promptgate.CircuitBreakerConfig
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StorageConfig selects and configures the counter store
type StorageConfig struct {
	Driver    string          `yaml:"driver" validate:"oneof=memory redis postgres firestore sqlite gorm-postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL settings shared by the pgx and gorm drivers
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns" validate:"gte=0"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// SQLiteConfig holds the embedded database settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// FirestoreConfig holds Firestore settings
type FirestoreConfig struct {
	ProjectID           string `yaml:"project_id"`
	UserStatsCollection string `yaml:"user_stats_collection"`
	GuestCollection     string `yaml:"guest_collection"`
	IPCollection        string `yaml:"ip_collection"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	limits := promptgate.DefaultLimits()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			UserIDHeader:    "X-User-ID",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Limits: LimitsConfig{
			Guest:     limits.Guest,
			UserBonus: limits.UserBonus,
			Total:     limits.Total,
			IPGuest:   limits.IPGuest,
		},
		Consistency: string(promptgate.ConsistencyAtomic),
		Breaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "promptgate:",
			},
			Postgres: PostgresConfig{
				MaxConns:    10,
				AutoMigrate: true,
			},
			SQLite: SQLiteConfig{
				Path: "promptgate.db",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "promptgate",
			Path:      "/metrics",
		},
	}
}

var validate = validator.New()

// Load reads the YAML file at path on top of Default, applies the .env file
// next to the working directory and PROMPTGATE_* overrides, then validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the settings the selected driver needs
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.Server.Proxies(); err != nil {
		return fmt.Errorf("invalid configuration: server.trusted_proxies: %w", err)
	}

	switch c.Storage.Driver {
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("invalid configuration: storage.redis.addr is required for the redis driver")
		}
	case DriverPostgres, DriverGormPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("invalid configuration: storage.postgres.dsn is required for the %s driver", c.Storage.Driver)
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("invalid configuration: storage.sqlite.path is required for the sqlite driver")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return errors.New("invalid configuration: storage.firestore.project_id is required for the firestore driver")
		}
	}
	return nil
}

// Proxies parses TrustedProxies
func (s ServerConfig) Proxies() (*promptgate.TrustedProxies, error) {
	return promptgate.ParseTrustedProxies(s.TrustedProxies)
}

// ControllerConfig converts the file settings into a promptgate.Config.
// Logger, Metrics and Tracer are left for the caller.
func (c *Config) ControllerConfig() promptgate.Config {
	limits := promptgate.Limits{
		Guest:     c.Limits.Guest,
		UserBonus: c.Limits.UserBonus,
		Total:     c.Limits.Total,
		IPGuest:   c.Limits.IPGuest,
	}
	return promptgate.Config{
		Limits:      &limits,
		Consistency: promptgate.ConsistencyMode(c.Consistency),
		CircuitBreakerConfig: &promptgate.CircuitBreakerConfig{
			Enabled:          c.Breaker.Enabled,
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout,
		},
	}
}

// loadDotEnv loads path when it exists. Existing variables are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays PROMPTGATE_* variables. Environment wins over the file.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ADDR":                 &cfg.Server.Addr,
		"ADMIN_TOKEN":          &cfg.Server.AdminToken,
		"USER_ID_HEADER":       &cfg.Server.UserIDHeader,
		"LOG_LEVEL":            &cfg.Log.Level,
		"LOG_FORMAT":           &cfg.Log.Format,
		"CONSISTENCY":          &cfg.Consistency,
		"STORAGE_DRIVER":       &cfg.Storage.Driver,
		"REDIS_ADDR":           &cfg.Storage.Redis.Addr,
		"REDIS_PASSWORD":       &cfg.Storage.Redis.Password,
		"REDIS_KEY_PREFIX":     &cfg.Storage.Redis.KeyPrefix,
		"POSTGRES_DSN":         &cfg.Storage.Postgres.DSN,
		"SQLITE_PATH":          &cfg.Storage.SQLite.Path,
		"FIRESTORE_PROJECT_ID": &cfg.Storage.Firestore.ProjectID,
		"METRICS_NAMESPACE":    &cfg.Metrics.Namespace,
		"METRICS_PATH":         &cfg.Metrics.Path,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = strings.Split(v, ",")
	}

	ints := map[string]*int{
		"LIMIT_GUEST":               &cfg.Limits.Guest,
		"LIMIT_USER_BONUS":          &cfg.Limits.UserBonus,
		"LIMIT_TOTAL":               &cfg.Limits.Total,
		"LIMIT_IP_GUEST":            &cfg.Limits.IPGuest,
		"REDIS_DB":                  &cfg.Storage.Redis.DB,
		"BREAKER_FAILURE_THRESHOLD": &cfg.Breaker.FailureThreshold,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid int value for %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"BREAKER_ENABLED":       &cfg.Breaker.Enabled,
		"METRICS_ENABLED":       &cfg.Metrics.Enabled,
		"POSTGRES_AUTO_MIGRATE": &cfg.Storage.Postgres.AutoMigrate,
	}
	for key, dst := range bools {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid bool value for %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":      &cfg.Server.ShutdownTimeout,
		"BREAKER_RESET_TIMEOUT": &cfg.Breaker.ResetTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration value for %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}
	return nil
}
