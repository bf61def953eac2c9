// Package config loads service configuration from a YAML file with
// environment overrides. A .env file in the working directory is read first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Store drivers
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Config is the full service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Webhook WebhookConfig `yaml:"webhook"`
	Engine  EngineConfig  `yaml:"engine"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr,omitempty"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WebhookConfig struct {
	Secret             string        `yaml:"secret"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance,omitempty"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes,omitempty"`
	RateLimit          int           `yaml:"rate_limit,omitempty"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window,omitempty"`
}

// EngineConfig mirrors the tunable parts of recon.Config
type EngineConfig struct {
	PayeeShareBps        *int64        `yaml:"payee_share_bps,omitempty"`
	Currency             string        `yaml:"currency,omitempty"`
	MinimumAmount        *int64        `yaml:"minimum_amount,omitempty"`
	StoreTimeout         time.Duration `yaml:"store_timeout,omitempty"`
	MaxCASRetries        int           `yaml:"max_cas_retries,omitempty"`
	SubscriptionOrdering string        `yaml:"subscription_ordering,omitempty"`
	RecomputeTimeout     time.Duration `yaml:"recompute_timeout,omitempty"`
}

type StoreConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn,omitempty"`
	SQLitePath     string `yaml:"sqlite_path,omitempty"`
	ProjectID      string `yaml:"project_id,omitempty"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db,omitempty"`
	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	EventTTL  time.Duration `yaml:"event_ttl,omitempty"`
	// RecomputeQueue routes metrics recomputation through a Redis worker
	RecomputeQueue bool `yaml:"recompute_queue"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries,omitempty"`
	TTL        time.Duration `yaml:"ttl,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/payrecon.db",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 10000,
			TTL:        24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the configuration and validates all of it
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

// Read loads path (optional) over the defaults and applies environment
// overrides without validating. Operator tools that never see webhooks use
// it with ValidateStore.
func Read(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "PAYRECON_ADDR")
	setString(&c.Server.MetricsAddr, "PAYRECON_METRICS_ADDR")
	setString(&c.Webhook.Secret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Webhook.Secret, "PAYRECON_WEBHOOK_SECRET")
	setString(&c.Store.Driver, "PAYRECON_STORE_DRIVER")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Store.SQLitePath, "PAYRECON_SQLITE_PATH")
	setString(&c.Store.ProjectID, "FIRESTORE_PROJECT_ID")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Engine.SubscriptionOrdering, "PAYRECON_SUBSCRIPTION_ORDERING")
	setString(&c.Log.Level, "PAYRECON_LOG_LEVEL")

	if v := os.Getenv("PAYRECON_PAYEE_SHARE_BPS"); v != "" {
		bps, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PAYRECON_PAYEE_SHARE_BPS: %w", err)
		}
		c.Engine.PayeeShareBps = &bps
	}
	if v := os.Getenv("PAYRECON_MIGRATE_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAYRECON_MIGRATE_ON_START: %w", err)
		}
		c.Store.MigrateOnStart = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	errs = append(errs, c.ValidateStore())
	if c.Redis.RecomputeQueue && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the recompute queue"))
	}
	engine := c.ReconConfig()
	if err := engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateStore checks only the store section
func (c *Config) ValidateStore() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case DriverFirestore:
		if c.Store.ProjectID == "" {
			errs = append(errs, errors.New("store.project_id is required for firestore"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// ReconConfig converts the engine section to a recon.Config. Verifier,
// Logger, Metrics, EventCache and Recomputer are left for the caller.
func (c *Config) ReconConfig() recon.Config {
	rc := recon.Config{
		Currency:             c.Engine.Currency,
		MinimumAmount:        c.Engine.MinimumAmount,
		StoreTimeout:         c.Engine.StoreTimeout,
		MaxCASRetries:        c.Engine.MaxCASRetries,
		SubscriptionOrdering: recon.SubscriptionOrdering(c.Engine.SubscriptionOrdering),
		RecomputeTimeout:     c.Engine.RecomputeTimeout,
	}
	if c.Engine.PayeeShareBps != nil {
		rc.PayeeShare = recon.Ptr(recon.BasisPoints(*c.Engine.PayeeShareBps))
	}
	return rc
}
