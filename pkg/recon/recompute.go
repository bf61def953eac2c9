package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Recomputer refreshes the derived aggregates for one user
type Recomputer interface {
	Recompute(ctx context.Context, userID string) error
}

// RecomputerFunc adapts a function to Recomputer
type RecomputerFunc func(ctx context.Context, userID string) error

func (f RecomputerFunc) Recompute(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

// StoreRecomputer recomputes aggregates synchronously through the Store
type StoreRecomputer struct {
	store Store
}

// NewStoreRecomputer creates a recomputer backed by store
func NewStoreRecomputer(store Store) *StoreRecomputer {
	return &StoreRecomputer{store: store}
}

func (r *StoreRecomputer) Recompute(ctx context.Context, userID string) error {
	_, err := r.store.RecomputeUserMetrics(ctx, userID)
	return err
}

// Trigger fires best-effort, detached metrics recomputation. Failures are
// logged and counted but never returned; the aggregate is refreshed again on
// the user's next event.
type Trigger struct {
	recomputer Recomputer
	breaker    *CircuitBreaker
	timeout    time.Duration
	logger     Logger
	metrics    Metrics
	wg         sync.WaitGroup
}

// NewTrigger creates a trigger from an engine configuration with defaults applied
func NewTrigger(r Recomputer, cfg *Config) *Trigger {
	t := &Trigger{
		recomputer: r,
		timeout:    cfg.RecomputeTimeout,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	t.breaker = NewCircuitBreaker(cfg.RecomputeBreakerThreshold, cfg.RecomputeBreakerReset,
		func(state CircuitBreakerState) {
			t.metrics.RecordCircuitBreakerStateChange(string(state))
			t.logger.Warn("recompute circuit breaker state changed", Field{"state", string(state)})
		})
	return t
}

// Fire schedules a recompute for each distinct non-empty user id and returns
// immediately.
func (t *Trigger) Fire(userIDs ...string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if t.breaker.State() == StateOpen {
			t.metrics.RecordRecompute("skipped")
			t.logger.Debug("recompute skipped, circuit open", Field{"userId", id})
			continue
		}

		t.wg.Add(1)
		go t.run(id)
	}
}

func (t *Trigger) run(userID string) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.metrics.RecordRecompute("error")
			t.logger.Error("panic in metrics recompute",
				Field{"userId", userID},
				Field{"panic", r},
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	err := t.breaker.Execute(ctx, func() error {
		return t.recomputer.Recompute(ctx, userID)
	})
	switch {
	case err == nil:
		t.metrics.RecordRecompute("success")
	case errors.Is(err, ErrCircuitOpen):
		t.metrics.RecordRecompute("skipped")
	default:
		t.metrics.RecordRecompute("error")
		t.metrics.RecordError(KindMetricsRecompute.String())
		t.logger.Warn("metrics recompute failed",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
	}
}

// Wait blocks until all fired recomputes have finished
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Shutdown waits for in-flight recomputes or until ctx is done
func (t *Trigger) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for recomputes: %w", ctx.Err())
	}
}

// BreakerState returns the recompute circuit breaker state
func (t *Trigger) BreakerState() CircuitBreakerState {
	return t.breaker.State()
}
