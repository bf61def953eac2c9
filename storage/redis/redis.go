// Package redis provides Redis-backed helpers for the reconciliation engine:
// an applied-event cache and a deduplicating metrics recompute queue.
// Neither is a source of truth for the ledger.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Config holds Redis key and timing configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "payrecon:")
	KeyPrefix string

	// EventTTL is how long an applied event id is remembered (default: 72h)
	EventTTL time.Duration

	// DedupeWindow suppresses repeated recompute requests for one user (default: 5s)
	DedupeWindow time.Duration

	// PollTimeout bounds one blocking pop in RecomputeQueue.Run (default: 1s)
	PollTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "payrecon:",
		EventTTL:     72 * time.Hour,
		DedupeWindow: 5 * time.Second,
		PollTimeout:  time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.EventTTL <= 0 {
		c.EventTTL = d.EventTTL
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
}

// EventCache implements recon.EventCache with SET NX EX
type EventCache struct {
	client redis.UniversalClient
	config Config
}

// NewEventCache creates a Redis event cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewEventCache(client redis.UniversalClient, config Config) (*EventCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	config.applyDefaults()
	return &EventCache{client: client, config: config}, nil
}

func (c *EventCache) eventKey(eventID string) string {
	return c.config.KeyPrefix + "event:" + eventID
}

// HasApplied implements recon.EventCache
func (c *EventCache) HasApplied(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n == 1, nil
}

// MarkApplied implements recon.EventCache
func (c *EventCache) MarkApplied(ctx context.Context, eventID string) error {
	err := c.client.SetArgs(ctx, c.eventKey(eventID), time.Now().Unix(), redis.SetArgs{
		Mode: "NX",
		TTL:  c.config.EventTTL,
	}).Err()
	// redis.Nil means the key was already set
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// enqueueScript pushes a user id unless one is already pending in the window
var enqueueScript = redis.NewScript(`
	local pendingKey = KEYS[1]
	local queueKey = KEYS[2]
	local userID = ARGV[1]
	local windowMs = tonumber(ARGV[2])

	if redis.call('SET', pendingKey, '1', 'NX', 'PX', windowMs) then
		redis.call('LPUSH', queueKey, userID)
		return 1
	end
	return 0
`)

// RecomputeQueue defers metrics recomputation to a worker. It implements
// recon.Recomputer so the engine's trigger enqueues instead of recomputing
// inline; Run drains the queue into a target Recomputer.
type RecomputeQueue struct {
	client redis.UniversalClient
	config Config
	logger recon.Logger
}

// NewRecomputeQueue creates a queue. The client can be *redis.Client or
// *redis.ClusterClient. A nil logger discards logs.
func NewRecomputeQueue(client redis.UniversalClient, config Config, logger recon.Logger) (*RecomputeQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	config.applyDefaults()
	if logger == nil {
		logger = &recon.NoopLogger{}
	}
	return &RecomputeQueue{client: client, config: config, logger: logger}, nil
}

// Both recompute keys share the {recompute} hash tag so the enqueue script
// touches a single cluster slot.
func (q *RecomputeQueue) queueKey() string {
	return q.config.KeyPrefix + "{recompute}:queue"
}

func (q *RecomputeQueue) pendingKey(userID string) string {
	return q.config.KeyPrefix + "{recompute}:pending:" + userID
}

// Enqueue schedules a recompute for userID. It reports false when a request
// for the same user is already pending.
func (q *RecomputeQueue) Enqueue(ctx context.Context, userID string) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.pendingKey(userID), q.queueKey()},
		userID, q.config.DedupeWindow.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue recompute: %w", err)
	}
	return n == 1, nil
}

// Recompute implements recon.Recomputer by enqueueing
func (q *RecomputeQueue) Recompute(ctx context.Context, userID string) error {
	_, err := q.Enqueue(ctx, userID)
	return err
}

// Len returns the number of queued requests
func (q *RecomputeQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey()).Result()
}

// Run pops queued user ids and recomputes them with target until ctx is done.
// Recompute failures are logged and dropped; the next mutation for the user
// queues it again.
func (q *RecomputeQueue) Run(ctx context.Context, target recon.Recomputer) error {
	if target == nil {
		return fmt.Errorf("recompute target is required")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.client.BRPop(ctx, q.config.PollTimeout, q.queueKey()).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			q.logger.Warn("recompute queue pop failed", recon.Field{Key: "error", Value: err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.config.PollTimeout):
			}
			continue
		}

		// res is [key, value]
		userID := res[1]
		// Clear the pending marker first so mutations during this run queue again.
		if err := q.client.Del(ctx, q.pendingKey(userID)).Err(); err != nil {
			q.logger.Debug("failed to clear pending marker", recon.Field{Key: "userId", Value: userID})
		}
		if err := target.Recompute(ctx, userID); err != nil {
			q.logger.Warn("queued recompute failed",
				recon.Field{Key: "userId", Value: userID},
				recon.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		q.logger.Debug("queued recompute done", recon.Field{Key: "userId", Value: userID})
	}
}

var (
	_ recon.EventCache = (*EventCache)(nil)
	_ recon.Recomputer = (*RecomputeQueue)(nil)
)
