// Package firestore provides a Firestore implementation of the recon.Store interface.
// Unique natural keys map to document ids so that Create and transactional
// reads enforce idempotency.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Store implements recon.Store using Google Cloud Firestore
type Store struct {
	client        *firestore.Client
	transactions  string
	subscriptions string
	balances      string
	purchases     string
	metrics       string
	incidents     string
	now           func() time.Time
}

// Config holds Firestore collection names
type Config struct {
	// TransactionsCollection holds one document per payment intent id
	// Default: "recon_transactions"
	TransactionsCollection string

	// SubscriptionsCollection holds one document per subscription id
	// Default: "recon_subscriptions"
	SubscriptionsCollection string

	// BalancesCollection holds one document per user
	// Default: "recon_token_balances"
	BalancesCollection string

	// PurchasesCollection holds one document per (user, payment intent)
	// Default: "recon_token_purchases"
	PurchasesCollection string

	// MetricsCollection holds derived per-user aggregates
	// Default: "recon_user_metrics"
	MetricsCollection string

	// IncidentsCollection holds one document per (event, kind)
	// Default: "recon_incidents"
	IncidentsCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "recon_transactions"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "recon_subscriptions"
	}
	if config.BalancesCollection == "" {
		config.BalancesCollection = "recon_token_balances"
	}
	if config.PurchasesCollection == "" {
		config.PurchasesCollection = "recon_token_purchases"
	}
	if config.MetricsCollection == "" {
		config.MetricsCollection = "recon_user_metrics"
	}
	if config.IncidentsCollection == "" {
		config.IncidentsCollection = "recon_incidents"
	}

	return &Store{
		client:        client,
		transactions:  config.TransactionsCollection,
		subscriptions: config.SubscriptionsCollection,
		balances:      config.BalancesCollection,
		purchases:     config.PurchasesCollection,
		metrics:       config.MetricsCollection,
		incidents:     config.IncidentsCollection,
		now:           time.Now,
	}, nil
}

// Ping implements recon.Store
func (s *Store) Ping(ctx context.Context) error {
	iter := s.client.Collection(s.metrics).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// CreatePendingTransaction implements recon.Store
func (s *Store) CreatePendingTransaction(ctx context.Context, txn *recon.Transaction) error {
	if txn == nil || txn.PaymentIntentID == "" {
		return fmt.Errorf("invalid transaction")
	}
	created := txn.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}

	data := map[string]interface{}{
		"paymentIntentId": txn.PaymentIntentID,
		"subscriptionId":  txn.SubscriptionID,
		"customerId":      txn.CustomerID,
		"type":            string(txn.Type),
		"payerId":         txn.PayerID,
		"payeeId":         txn.PayeeID,
		"totalAmount":     txn.TotalAmount,
		"payeeAmount":     txn.PayeeAmount,
		"platformAmount":  txn.PlatformAmount,
		"currency":        txn.Currency,
		"status":          string(recon.StatusPending),
		"metadata":        txn.Metadata,
		"createdAt":       created,
		"updatedAt":       created,
	}
	_, err := s.client.Collection(s.transactions).Doc(txn.PaymentIntentID).Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return recon.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction implements recon.Store
func (s *Store) GetTransaction(ctx context.Context, paymentIntentID string) (*recon.Transaction, error) {
	snap, err := s.client.Collection(s.transactions).Doc(paymentIntentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, recon.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if !snap.Exists() {
		return nil, recon.ErrTransactionNotFound
	}
	return toTransaction(snap.Data()), nil
}

// CompleteTransaction implements recon.Store with a read-check-write transaction
func (s *Store) CompleteTransaction(ctx context.Context, req *recon.CompleteRequest) (*recon.Transaction, error) {
	doc := s.client.Collection(s.transactions).Doc(req.PaymentIntentID)
	var out *recon.Transaction

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return recon.ErrTransactionNotFound
			}
			return err
		}
		data := snap.Data()
		if getString(data, "status") != string(recon.StatusPending) {
			return recon.ErrAlreadyApplied
		}

		update := map[string]interface{}{
			"status":         string(recon.StatusCompleted),
			"totalAmount":    req.TotalAmount,
			"payeeAmount":    req.PayeeAmount,
			"platformAmount": req.PlatformAmount,
			"processedAt":    req.ProcessedAt,
			"updatedAt":      req.ProcessedAt,
		}
		if req.CustomerID != "" {
			update["customerId"] = req.CustomerID
		}
		if req.SubscriptionID != "" {
			update["subscriptionId"] = req.SubscriptionID
		}
		for k, v := range update {
			data[k] = v
		}
		out = toTransaction(data)
		return tx.Set(doc, update, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, recon.ErrTransactionNotFound) || errors.Is(err, recon.ErrAlreadyApplied) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}
	return out, nil
}

// RunInTx implements recon.Store. Firestore requires every read in a
// transaction to happen before its first write.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx recon.LedgerTx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &ledgerTx{store: s, tx: tx})
	})
}

type ledgerTx struct {
	store *Store
	tx    *firestore.Transaction
}

func (s *Store) purchaseDoc(userID, paymentIntentID string) *firestore.DocumentRef {
	return s.client.Collection(s.purchases).Doc(userID + "_" + paymentIntentID)
}

func (t *ledgerTx) InsertTokenPurchase(_ context.Context, p *recon.TokenPurchase) error {
	doc := t.store.purchaseDoc(p.UserID, p.PaymentIntentID)
	snap, err := t.tx.Get(doc)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to read token purchase: %w", err)
	}
	if snap != nil && snap.Exists() {
		return recon.ErrDuplicate
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = t.store.now().UTC()
	}
	return t.tx.Create(doc, map[string]interface{}{
		"id":              p.ID,
		"userId":          p.UserID,
		"amount":          p.Amount,
		"pricePaid":       p.PricePaid,
		"paymentIntentId": p.PaymentIntentID,
		"status":          p.Status,
		"createdAt":       created,
	})
}

func (t *ledgerTx) IncrementBalance(_ context.Context, userID string, amount int64) error {
	doc := t.store.client.Collection(t.store.balances).Doc(userID)
	return t.tx.Set(doc, map[string]interface{}{
		"userId":            userID,
		"balance":           firestore.Increment(amount),
		"lifetimePurchased": firestore.Increment(amount),
		"version":           firestore.Increment(1),
		"updatedAt":         t.store.now().UTC(),
	}, firestore.MergeAll)
}

func (t *ledgerTx) GetBalance(_ context.Context, userID string) (*recon.TokenBalance, error) {
	snap, err := t.tx.Get(t.store.client.Collection(t.store.balances).Doc(userID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, recon.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return toBalance(userID, snap.Data()), nil
}

// CompareAndSwapBalance relies on the transaction's read of the balance
// document; a concurrent writer aborts and retries the whole transaction.
func (t *ledgerTx) CompareAndSwapBalance(ctx context.Context, userID string, expectedVersion, balance, lifetime int64) (bool, error) {
	current, err := t.GetBalance(ctx, userID)
	switch {
	case errors.Is(err, recon.ErrBalanceNotFound):
		if expectedVersion != 0 {
			return false, nil
		}
	case err != nil:
		return false, err
	case current.Version != expectedVersion:
		return false, nil
	}

	err = t.tx.Set(t.store.client.Collection(t.store.balances).Doc(userID), map[string]interface{}{
		"userId":            userID,
		"balance":           balance,
		"lifetimePurchased": lifetime,
		"version":           expectedVersion + 1,
		"updatedAt":         t.store.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTokenBalance implements recon.Store
func (s *Store) GetTokenBalance(ctx context.Context, userID string) (*recon.TokenBalance, error) {
	snap, err := s.client.Collection(s.balances).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, recon.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return toBalance(userID, snap.Data()), nil
}

// ListTokenPurchases implements recon.Store
func (s *Store) ListTokenPurchases(ctx context.Context, userID string) ([]recon.TokenPurchase, error) {
	docs, err := s.client.Collection(s.purchases).Where("userId", "==", userID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list token purchases: %w", err)
	}
	out := make([]recon.TokenPurchase, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		out = append(out, recon.TokenPurchase{
			ID:              getString(data, "id"),
			UserID:          getString(data, "userId"),
			Amount:          getInt64(data, "amount"),
			PricePaid:       getInt64(data, "pricePaid"),
			PaymentIntentID: getString(data, "paymentIntentId"),
			Status:          getString(data, "status"),
			CreatedAt:       getTime(data, "createdAt"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpsertSubscription implements recon.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *recon.Subscription, ordering recon.SubscriptionOrdering) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	doc := s.client.Collection(s.subscriptions).Doc(sub.ID)

	applied := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		if ordering == recon.OrderingEventCreated {
			snap, err := tx.Get(doc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && snap.Exists() && sub.EventCreated.Before(getTime(snap.Data(), "eventCreated")) {
				return nil
			}
		}

		data := map[string]interface{}{
			"id":           sub.ID,
			"userId":       sub.UserID,
			"racerId":      sub.RacerID,
			"customerId":   sub.CustomerID,
			"status":       string(sub.Status),
			"eventCreated": sub.EventCreated,
			"updatedAt":    updated,
		}
		if sub.CurrentPeriodEnd != nil {
			data["currentPeriodEnd"] = *sub.CurrentPeriodEnd
		}
		applied = true
		return tx.Set(doc, data)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return applied, nil
}

// GetSubscription implements recon.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*recon.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptions).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, recon.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return toSubscription(snap.Data()), nil
}

// RecomputeUserMetrics implements recon.Store
func (s *Store) RecomputeUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	m := &recon.UserMetrics{UserID: userID, ComputedAt: s.now().UTC()}
	supporters := make(map[string]struct{})

	earned, err := s.client.Collection(s.transactions).
		Where("payeeId", "==", userID).
		Where("status", "==", string(recon.StatusCompleted)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings: %w", err)
	}
	for _, doc := range earned {
		data := doc.Data()
		m.TotalEarned += getInt64(data, "payeeAmount")
		if payer := getString(data, "payerId"); payer != "" {
			supporters[payer] = struct{}{}
		}
	}

	tipped, err := s.client.Collection(s.transactions).
		Where("payerId", "==", userID).
		Where("status", "==", string(recon.StatusCompleted)).
		Where("type", "==", string(recon.TypeTip)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query tips: %w", err)
	}
	for _, doc := range tipped {
		m.TotalTipped += getInt64(doc.Data(), "totalAmount")
	}

	subs, err := s.client.Collection(s.subscriptions).Where("racerId", "==", userID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	for _, doc := range subs {
		sub := toSubscription(doc.Data())
		if !sub.Status.Active() {
			continue
		}
		m.ActiveSubscriptions++
		if sub.UserID != "" {
			supporters[sub.UserID] = struct{}{}
		}
	}
	m.SupporterCount = int64(len(supporters))

	bal, err := s.GetTokenBalance(ctx, userID)
	switch {
	case err == nil:
		m.TokenBalance = bal.Balance
	case !errors.Is(err, recon.ErrBalanceNotFound):
		return nil, err
	}

	_, err = s.client.Collection(s.metrics).Doc(userID).Set(ctx, map[string]interface{}{
		"userId":              userID,
		"totalEarned":         m.TotalEarned,
		"totalTipped":         m.TotalTipped,
		"supporterCount":      m.SupporterCount,
		"activeSubscriptions": m.ActiveSubscriptions,
		"tokenBalance":        m.TokenBalance,
		"computedAt":          m.ComputedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store user metrics: %w", err)
	}
	return m, nil
}

// GetUserMetrics implements recon.Store
func (s *Store) GetUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	snap, err := s.client.Collection(s.metrics).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &recon.UserMetrics{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get user metrics: %w", err)
	}
	data := snap.Data()
	return &recon.UserMetrics{
		UserID:              userID,
		TotalEarned:         getInt64(data, "totalEarned"),
		TotalTipped:         getInt64(data, "totalTipped"),
		SupporterCount:      getInt64(data, "supporterCount"),
		ActiveSubscriptions: getInt64(data, "activeSubscriptions"),
		TokenBalance:        getInt64(data, "tokenBalance"),
		ComputedAt:          getTime(data, "computedAt"),
	}, nil
}

// incidentDocID keys incidents by (event, kind) so Create rejects repeats
func incidentDocID(eventID string, kind recon.IncidentKind) string {
	return strings.ReplaceAll(eventID, "/", "_") + "_" + string(kind)
}

// RecordIncident implements recon.Store
func (s *Store) RecordIncident(ctx context.Context, inc *recon.Incident) error {
	created := inc.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	_, err := s.client.Collection(s.incidents).Doc(incidentDocID(inc.EventID, inc.Kind)).Create(ctx, map[string]interface{}{
		"id":         inc.ID,
		"eventId":    inc.EventID,
		"eventType":  string(inc.EventType),
		"kind":       string(inc.Kind),
		"naturalKey": inc.NaturalKey,
		"detail":     inc.Detail,
		"createdAt":  created,
	})
	if status.Code(err) == codes.AlreadyExists {
		return recon.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// ListIncidents implements recon.Store
func (s *Store) ListIncidents(ctx context.Context, filter recon.IncidentFilter) ([]recon.Incident, error) {
	q := s.client.Collection(s.incidents).Query
	if filter.Kind != "" {
		q = q.Where("kind", "==", string(filter.Kind))
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	out := make([]recon.Incident, 0, len(docs))
	for _, doc := range docs {
		inc := toIncident(doc.Data())
		if inc.ResolvedAt != nil && !filter.IncludeResolved {
			continue
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ResolveIncident implements recon.Store
func (s *Store) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	docs, err := s.client.Collection(s.incidents).Where("id", "==", id).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to find incident: %w", err)
	}
	if len(docs) == 0 {
		return recon.ErrIncidentNotFound
	}
	if _, err := docs[0].Ref.Update(ctx, []firestore.Update{{Path: "resolvedAt", Value: at}}); err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

func toTransaction(data map[string]interface{}) *recon.Transaction {
	txn := &recon.Transaction{
		PaymentIntentID: getString(data, "paymentIntentId"),
		SubscriptionID:  getString(data, "subscriptionId"),
		CustomerID:      getString(data, "customerId"),
		Type:            recon.TransactionType(getString(data, "type")),
		PayerID:         getString(data, "payerId"),
		PayeeID:         getString(data, "payeeId"),
		TotalAmount:     getInt64(data, "totalAmount"),
		PayeeAmount:     getInt64(data, "payeeAmount"),
		PlatformAmount:  getInt64(data, "platformAmount"),
		Currency:        getString(data, "currency"),
		Status:          recon.TransactionStatus(getString(data, "status")),
		ProcessedAt:     getTimePtr(data, "processedAt"),
		CreatedAt:       getTime(data, "createdAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	switch md := data["metadata"].(type) {
	case map[string]string:
		txn.Metadata = md
	case map[string]interface{}:
		txn.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			if sv, ok := v.(string); ok {
				txn.Metadata[k] = sv
			}
		}
	}
	return txn
}

func toBalance(userID string, data map[string]interface{}) *recon.TokenBalance {
	return &recon.TokenBalance{
		UserID:            userID,
		Balance:           getInt64(data, "balance"),
		LifetimePurchased: getInt64(data, "lifetimePurchased"),
		Version:           getInt64(data, "version"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func toSubscription(data map[string]interface{}) *recon.Subscription {
	return &recon.Subscription{
		ID:               getString(data, "id"),
		UserID:           getString(data, "userId"),
		RacerID:          getString(data, "racerId"),
		CustomerID:       getString(data, "customerId"),
		Status:           recon.SubscriptionStatus(getString(data, "status")),
		CurrentPeriodEnd: getTimePtr(data, "currentPeriodEnd"),
		EventCreated:     getTime(data, "eventCreated"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func toIncident(data map[string]interface{}) recon.Incident {
	return recon.Incident{
		ID:         getString(data, "id"),
		EventID:    getString(data, "eventId"),
		EventType:  recon.EventType(getString(data, "eventType")),
		Kind:       recon.IncidentKind(getString(data, "kind")),
		NaturalKey: getString(data, "naturalKey"),
		Detail:     getString(data, "detail"),
		CreatedAt:  getTime(data, "createdAt"),
		ResolvedAt: getTimePtr(data, "resolvedAt"),
	}
}

// Helper functions for type conversion

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}

var _ recon.Store = (*Store)(nil)
