// Package app assembles stores, caches and the engine from a config.Config.
// It is shared by the example server and reconctl.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/payrecon/pkg/config"
	"github.com/mihaimyh/payrecon/pkg/recon"
	zerologadapter "github.com/mihaimyh/payrecon/pkg/recon/logger/zerolog"
	reconmetrics "github.com/mihaimyh/payrecon/pkg/recon/metrics/prometheus"
	firestorestore "github.com/mihaimyh/payrecon/storage/firestore"
	"github.com/mihaimyh/payrecon/storage/memory"
	"github.com/mihaimyh/payrecon/storage/postgres"
	redisstore "github.com/mihaimyh/payrecon/storage/redis"
	"github.com/mihaimyh/payrecon/storage/sqlite"
	"github.com/mihaimyh/payrecon/storage/tiered"
)

// MetricsNamespace prefixes every exported metric
const MetricsNamespace = "payrecon"

// NewLogger builds a zerolog logger. Unknown levels fall back to info.
func NewLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "payrecon").Logger()
}

// OpenStore opens the configured ledger store. The returned close function
// releases its resources.
func OpenStore(ctx context.Context, cfg *config.Config) (recon.Store, func() error, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil

	case config.DriverSQLite:
		s, err := sqlite.New(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverPostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = cfg.Store.DSN
		pcfg.MigrateOnStart = cfg.Store.MigrateOnStart
		s, err := postgres.New(ctx, pcfg)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Store.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// NewRedisClient returns nil when no address is configured
func NewRedisClient(cfg config.RedisConfig) *goredis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Engine bundles the engine with the optional pieces the caller must run or close
type Engine struct {
	*recon.Engine

	// Queue is set when recomputation goes through Redis; run Queue.Run with Recomputer.
	Queue      *redisstore.RecomputeQueue
	Recomputer recon.Recomputer

	cache *tiered.EventCache
}

// Close stops background cache work
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// NewEngine wires the engine for store. rdb and reg may be nil.
func NewEngine(cfg *config.Config, store recon.Store, verifier recon.Verifier, zl zerolog.Logger,
	reg prometheus.Registerer, rdb goredis.UniversalClient) (*Engine, error) {
	logger := zerologadapter.NewLogger(zl)

	rc := cfg.ReconConfig()
	rc.Verifier = verifier
	rc.Logger = logger
	if reg != nil {
		rc.Metrics = reconmetrics.NewMetrics(reg, MetricsNamespace)
	}

	out := &Engine{Recomputer: recon.NewStoreRecomputer(store)}
	if cfg.Cache.Enabled {
		rc.EventCache = recon.NewLRUEventCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}

	if rdb != nil {
		rcfg := redisstore.Config{KeyPrefix: cfg.Redis.KeyPrefix, EventTTL: cfg.Redis.EventTTL}
		shared, err := redisstore.NewEventCache(rdb, rcfg)
		if err != nil {
			return nil, err
		}
		if rc.EventCache != nil {
			cache, err := tiered.New(tiered.Config{
				Hot:       rc.EventCache,
				Cold:      shared,
				AsyncMark: true,
				AsyncErrorHandler: func(err error) {
					logger.Warn("event cache sync failed", recon.Field{Key: "error", Value: err})
				},
			})
			if err != nil {
				return nil, err
			}
			out.cache = cache
			rc.EventCache = cache
		} else {
			rc.EventCache = shared
		}

		if cfg.Redis.RecomputeQueue {
			q, err := redisstore.NewRecomputeQueue(rdb, rcfg, logger)
			if err != nil {
				return nil, err
			}
			out.Queue = q
			rc.Recomputer = q
		}
	}

	engine, err := recon.NewEngine(store, rc)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.Engine = engine
	return out, nil
}
