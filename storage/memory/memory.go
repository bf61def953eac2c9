// Package memory provides an in-memory implementation of the recon.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Store implements recon.Store using in-memory maps
type Store struct {
	mu            sync.RWMutex
	transactions  map[string]*recon.Transaction
	subscriptions map[string]*recon.Subscription
	balances      map[string]*recon.TokenBalance
	purchases     map[string]*recon.TokenPurchase // key: userID + "|" + paymentIntentID
	metrics       map[string]*recon.UserMetrics
	incidents     []*recon.Incident

	atomicIncrement bool
	now             func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithoutAtomicIncrement makes IncrementBalance return recon.ErrIncrementUnsupported
// so callers exercise the compare-and-swap path.
func WithoutAtomicIncrement() Option {
	return func(s *Store) {
		s.atomicIncrement = false
	}
}

// WithClock sets the clock used for UpdatedAt and ComputedAt stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		transactions:    make(map[string]*recon.Transaction),
		subscriptions:   make(map[string]*recon.Subscription),
		balances:        make(map[string]*recon.TokenBalance),
		purchases:       make(map[string]*recon.TokenPurchase),
		metrics:         make(map[string]*recon.UserMetrics),
		atomicIncrement: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func purchaseKey(userID, paymentIntentID string) string {
	return userID + "|" + paymentIntentID
}

// CreatePendingTransaction implements recon.Store
func (s *Store) CreatePendingTransaction(_ context.Context, txn *recon.Transaction) error {
	if txn == nil || txn.PaymentIntentID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[txn.PaymentIntentID]; exists {
		return recon.ErrDuplicate
	}
	s.transactions[txn.PaymentIntentID] = copyTransaction(txn)
	return nil
}

// GetTransaction implements recon.Store
func (s *Store) GetTransaction(_ context.Context, paymentIntentID string) (*recon.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[paymentIntentID]
	if !ok {
		return nil, recon.ErrTransactionNotFound
	}
	return copyTransaction(txn), nil
}

// CompleteTransaction implements recon.Store
func (s *Store) CompleteTransaction(_ context.Context, req *recon.CompleteRequest) (*recon.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[req.PaymentIntentID]
	if !ok {
		return nil, recon.ErrTransactionNotFound
	}
	if txn.Status != recon.StatusPending {
		return nil, recon.ErrAlreadyApplied
	}

	processedAt := req.ProcessedAt
	txn.Status = recon.StatusCompleted
	txn.TotalAmount = req.TotalAmount
	txn.PayeeAmount = req.PayeeAmount
	txn.PlatformAmount = req.PlatformAmount
	txn.ProcessedAt = &processedAt
	txn.UpdatedAt = processedAt
	if req.CustomerID != "" {
		txn.CustomerID = req.CustomerID
	}
	if req.SubscriptionID != "" {
		txn.SubscriptionID = req.SubscriptionID
	}
	return copyTransaction(txn), nil
}

// RunInTx implements recon.Store. The store lock is held for the whole of fn,
// and staged writes are committed only if fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx recon.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ledgerTx{
		store:     s,
		purchases: make(map[string]*recon.TokenPurchase),
		balances:  make(map[string]*recon.TokenBalance),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for k, p := range tx.purchases {
		s.purchases[k] = p
	}
	for k, b := range tx.balances {
		s.balances[k] = b
	}
	return nil
}

// ledgerTx stages writes on top of the locked store
type ledgerTx struct {
	store     *Store
	purchases map[string]*recon.TokenPurchase
	balances  map[string]*recon.TokenBalance
}

func (t *ledgerTx) InsertTokenPurchase(_ context.Context, p *recon.TokenPurchase) error {
	key := purchaseKey(p.UserID, p.PaymentIntentID)
	if _, exists := t.store.purchases[key]; exists {
		return recon.ErrDuplicate
	}
	if _, exists := t.purchases[key]; exists {
		return recon.ErrDuplicate
	}
	pCopy := *p
	t.purchases[key] = &pCopy
	return nil
}

func (t *ledgerTx) balance(userID string) (*recon.TokenBalance, bool) {
	if b, ok := t.balances[userID]; ok {
		return b, true
	}
	b, ok := t.store.balances[userID]
	return b, ok
}

func (t *ledgerTx) IncrementBalance(_ context.Context, userID string, amount int64) error {
	if !t.store.atomicIncrement {
		return recon.ErrIncrementUnsupported
	}
	next := &recon.TokenBalance{UserID: userID}
	if current, ok := t.balance(userID); ok {
		*next = *current
	}
	next.Balance += amount
	next.LifetimePurchased += amount
	next.Version++
	next.UpdatedAt = t.store.now().UTC()
	t.balances[userID] = next
	return nil
}

func (t *ledgerTx) GetBalance(_ context.Context, userID string) (*recon.TokenBalance, error) {
	b, ok := t.balance(userID)
	if !ok {
		return nil, recon.ErrBalanceNotFound
	}
	bCopy := *b
	return &bCopy, nil
}

func (t *ledgerTx) CompareAndSwapBalance(_ context.Context, userID string, expectedVersion, balance, lifetime int64) (bool, error) {
	var version int64
	if current, ok := t.balance(userID); ok {
		version = current.Version
	}
	if version != expectedVersion {
		return false, nil
	}
	t.balances[userID] = &recon.TokenBalance{
		UserID:            userID,
		Balance:           balance,
		LifetimePurchased: lifetime,
		Version:           version + 1,
		UpdatedAt:         t.store.now().UTC(),
	}
	return true, nil
}

// GetTokenBalance implements recon.Store
func (s *Store) GetTokenBalance(_ context.Context, userID string) (*recon.TokenBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, recon.ErrBalanceNotFound
	}
	bCopy := *b
	return &bCopy, nil
}

// ListTokenPurchases implements recon.Store
func (s *Store) ListTokenPurchases(_ context.Context, userID string) ([]recon.TokenPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []recon.TokenPurchase
	for _, p := range s.purchases {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpsertSubscription implements recon.Store
func (s *Store) UpsertSubscription(_ context.Context, sub *recon.Subscription, ordering recon.SubscriptionOrdering) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.subscriptions[sub.ID]; ok && ordering == recon.OrderingEventCreated {
		if sub.EventCreated.Before(stored.EventCreated) {
			return false, nil
		}
	}
	s.subscriptions[sub.ID] = copySubscription(sub)
	return true, nil
}

// GetSubscription implements recon.Store
func (s *Store) GetSubscription(_ context.Context, id string) (*recon.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, recon.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// RecomputeUserMetrics implements recon.Store
func (s *Store) RecomputeUserMetrics(_ context.Context, userID string) (*recon.UserMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &recon.UserMetrics{UserID: userID, ComputedAt: s.now().UTC()}
	supporters := make(map[string]struct{})
	for _, txn := range s.transactions {
		if txn.Status != recon.StatusCompleted {
			continue
		}
		if txn.PayeeID == userID {
			m.TotalEarned += txn.PayeeAmount
			if txn.PayerID != "" {
				supporters[txn.PayerID] = struct{}{}
			}
		}
		if txn.PayerID == userID && txn.Type == recon.TypeTip {
			m.TotalTipped += txn.TotalAmount
		}
	}
	for _, sub := range s.subscriptions {
		if sub.RacerID != userID || !sub.Status.Active() {
			continue
		}
		m.ActiveSubscriptions++
		if sub.UserID != "" {
			supporters[sub.UserID] = struct{}{}
		}
	}
	m.SupporterCount = int64(len(supporters))
	if b, ok := s.balances[userID]; ok {
		m.TokenBalance = b.Balance
	}

	s.metrics[userID] = m
	mCopy := *m
	return &mCopy, nil
}

// GetUserMetrics implements recon.Store
func (s *Store) GetUserMetrics(_ context.Context, userID string) (*recon.UserMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[userID]
	if !ok {
		return &recon.UserMetrics{UserID: userID}, nil
	}
	mCopy := *m
	return &mCopy, nil
}

// RecordIncident implements recon.Store
func (s *Store) RecordIncident(_ context.Context, inc *recon.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.incidents {
		if existing.EventID == inc.EventID && existing.Kind == inc.Kind {
			return recon.ErrDuplicate
		}
	}
	incCopy := *inc
	s.incidents = append(s.incidents, &incCopy)
	return nil
}

// ListIncidents implements recon.Store
func (s *Store) ListIncidents(_ context.Context, filter recon.IncidentFilter) ([]recon.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []recon.Incident
	for _, inc := range s.incidents {
		if filter.Kind != "" && inc.Kind != filter.Kind {
			continue
		}
		if !filter.IncludeResolved && inc.ResolvedAt != nil {
			continue
		}
		out = append(out, *inc)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ResolveIncident implements recon.Store
func (s *Store) ResolveIncident(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inc := range s.incidents {
		if inc.ID == id {
			resolvedAt := at
			inc.ResolvedAt = &resolvedAt
			return nil
		}
	}
	return recon.ErrIncidentNotFound
}

// Ping implements recon.Store
func (s *Store) Ping(_ context.Context) error {
	return nil
}

func copyTransaction(txn *recon.Transaction) *recon.Transaction {
	c := *txn
	if txn.ProcessedAt != nil {
		at := *txn.ProcessedAt
		c.ProcessedAt = &at
	}
	if txn.Metadata != nil {
		c.Metadata = make(map[string]string, len(txn.Metadata))
		for k, v := range txn.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copySubscription(sub *recon.Subscription) *recon.Subscription {
	c := *sub
	if sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		c.CurrentPeriodEnd = &end
	}
	return &c
}
