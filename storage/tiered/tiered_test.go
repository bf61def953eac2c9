package tiered

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// countingCache wraps an LRU cache and optionally fails every call
type countingCache struct {
	*recon.LRUEventCache
	fail   error
	checks atomic.Int64
	marks  atomic.Int64
}

func newCountingCache() *countingCache {
	return &countingCache{LRUEventCache: recon.NewLRUEventCache(100, time.Hour)}
}

func (c *countingCache) HasApplied(ctx context.Context, id string) (bool, error) {
	c.checks.Add(1)
	if c.fail != nil {
		return false, c.fail
	}
	return c.LRUEventCache.HasApplied(ctx, id)
}

func (c *countingCache) MarkApplied(ctx context.Context, id string) error {
	c.marks.Add(1)
	if c.fail != nil {
		return c.fail
	}
	return c.LRUEventCache.MarkApplied(ctx, id)
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		cache, err := New(Config{Hot: newCountingCache(), Cold: newCountingCache()})
		require.NoError(t, err)
		assert.NoError(t, cache.Close())
	})

	t.Run("nil hot cache", func(t *testing.T) {
		cache, err := New(Config{Cold: newCountingCache()})
		assert.Nil(t, cache)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hot and cold caches are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		cache, err := New(Config{Hot: newCountingCache(), Cold: newCountingCache(), AsyncMark: true})
		require.NoError(t, err)
		defer cache.Close()
		assert.Equal(t, 1000, cap(cache.syncQueue))
	})
}

func TestEventCache_ReadThrough(t *testing.T) {
	hot, cold := newCountingCache(), newCountingCache()
	cache, _ := New(Config{Hot: hot, Cold: cold})
	defer cache.Close()
	ctx := context.Background()

	// another replica marked the event in the shared tier
	require.NoError(t, cold.LRUEventCache.MarkApplied(ctx, "evt_1"))

	ok, err := cache.HasApplied(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), hot.marks.Load(), "hot filled from cold")

	ok, err = cache.HasApplied(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), cold.checks.Load(), "second lookup served by hot")

	ok, err = cache.HasApplied(ctx, "evt_unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventCache_ColdFailureSurfaces(t *testing.T) {
	cold := newCountingCache()
	cold.fail = errors.New("connection refused")
	cache, _ := New(Config{Hot: newCountingCache(), Cold: cold})
	defer cache.Close()

	_, err := cache.HasApplied(context.Background(), "evt_1")
	assert.Error(t, err)
	assert.Error(t, cache.MarkApplied(context.Background(), "evt_1"))
}

func TestEventCache_WriteThrough(t *testing.T) {
	hot, cold := newCountingCache(), newCountingCache()
	cache, _ := New(Config{Hot: hot, Cold: cold})
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.MarkApplied(ctx, "evt_1"))

	ok, _ := hot.LRUEventCache.HasApplied(ctx, "evt_1")
	assert.True(t, ok)
	ok, _ = cold.LRUEventCache.HasApplied(ctx, "evt_1")
	assert.True(t, ok)
}

func TestEventCache_AsyncMark(t *testing.T) {
	hot, cold := newCountingCache(), newCountingCache()
	var mu sync.Mutex
	var asyncErrs []error
	cache, _ := New(Config{
		Hot:       hot,
		Cold:      cold,
		AsyncMark: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			asyncErrs = append(asyncErrs, err)
		},
	})
	ctx := context.Background()

	require.NoError(t, cache.MarkApplied(ctx, "evt_1"))
	require.NoError(t, cache.MarkApplied(ctx, "evt_2"))
	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close(), "close is idempotent")

	for _, id := range []string{"evt_1", "evt_2"} {
		ok, _ := cold.LRUEventCache.HasApplied(ctx, id)
		assert.True(t, ok, id)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, asyncErrs)
}

func TestEventCache_AsyncErrorsReported(t *testing.T) {
	cold := newCountingCache()
	cold.fail = errors.New("timeout")
	errCh := make(chan error, 1)
	cache, _ := New(Config{
		Hot:               newCountingCache(),
		Cold:              cold,
		AsyncMark:         true,
		AsyncErrorHandler: func(err error) { errCh <- err },
	})

	require.NoError(t, cache.MarkApplied(context.Background(), "evt_1"))
	require.NoError(t, cache.Close())

	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "tiered sync failed")
	default:
		t.Fatal("expected async error")
	}
}

func TestEventCache_SharedColdTier(t *testing.T) {
	cold := newCountingCache()
	cache, _ := New(Config{Hot: newCountingCache(), Cold: cold})
	defer cache.Close()

	require.NoError(t, cache.MarkApplied(context.Background(), "evt_shared"))
	replica, _ := New(Config{Hot: newCountingCache(), Cold: cold})
	defer replica.Close()

	ok, err := replica.HasApplied(context.Background(), "evt_shared")
	require.NoError(t, err)
	assert.True(t, ok)
}
