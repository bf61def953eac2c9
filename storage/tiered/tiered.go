// Package tiered provides a Hot/Cold event cache that layers a fast local
// cache (Hot) over a shared one (Cold), so replicas share applied event ids
// while most lookups stay in process.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (e.g. recon.LRUEventCache) consulted first
	Hot recon.EventCache

	// Cold is the L2 cache (e.g. Redis) shared across replicas
	Cold recon.EventCache

	// AsyncMark writes Cold from a background worker instead of inline.
	// Marks become visible to other replicas slightly later.
	AsyncMark bool

	// SyncBufferSize is the size of the buffered channel for async marks.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async mark fails or is dropped.
	AsyncErrorHandler func(error)
}

// EventCache implements recon.EventCache with two tiers:
// - Read-Through: HasApplied checks Hot, then Cold, and fills Hot on a Cold hit
// - Write-Through: MarkApplied writes Cold then Hot (or Hot then queued Cold with AsyncMark)
type EventCache struct {
	hot  recon.EventCache
	cold recon.EventCache
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered event cache.
func New(config Config) (*EventCache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	c := &EventCache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncMark {
		c.startWorker()
	}

	return c, nil
}

// Close drains pending async marks and stops the worker (if enabled).
func (c *EventCache) Close() error {
	if c.conf.AsyncMark {
		c.closeOnce.Do(func() {
			close(c.shutdown)
			c.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (c *EventCache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				c.runJob(job)
			case <-c.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-c.syncQueue:
						c.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *EventCache) runJob(job func() error) {
	if err := job(); err != nil {
		c.reportAsync(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (c *EventCache) reportAsync(err error) {
	if c.conf.AsyncErrorHandler != nil {
		c.conf.AsyncErrorHandler(err)
	}
}

// HasApplied implements recon.EventCache with read-through strategy.
func (c *EventCache) HasApplied(ctx context.Context, eventID string) (bool, error) {
	// 1. Try Hot
	if ok, err := c.hot.HasApplied(ctx, eventID); err == nil && ok {
		return true, nil
	}

	// 2. Try Cold
	ok, err := c.cold.HasApplied(ctx, eventID)
	if err != nil || !ok {
		return false, err
	}

	// 3. Populate Hot (Read-Repair)
	_ = c.hot.MarkApplied(ctx, eventID) //nolint:errcheck // Cache fill - errors are non-critical
	return true, nil
}

// MarkApplied implements recon.EventCache with write-through strategy.
func (c *EventCache) MarkApplied(ctx context.Context, eventID string) error {
	if !c.conf.AsyncMark {
		if err := c.cold.MarkApplied(ctx, eventID); err != nil {
			return err
		}
		_ = c.hot.MarkApplied(ctx, eventID) //nolint:errcheck // Best effort - Cold already has it
		return nil
	}

	if err := c.hot.MarkApplied(ctx, eventID); err != nil {
		return err
	}
	// The request context ends with the webhook response.
	job := func() error { return c.cold.MarkApplied(context.Background(), eventID) }
	select {
	case c.syncQueue <- job:
	default:
		c.reportAsync(fmt.Errorf("tiered sync queue full, dropped mark for %s", eventID))
	}
	return nil
}

var _ recon.EventCache = (*EventCache)(nil)
