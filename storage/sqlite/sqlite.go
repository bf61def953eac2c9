// Package sqlite provides an embedded SQLite implementation of recon.Store
// for single-node deployments and local development. Writers are serialized
// through one connection; idempotency still comes from unique keys.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Store implements recon.Store backed by SQLite
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens (or creates) a SQLite store at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := NewWithDB(db)
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without touching the schema
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements recon.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type transactionRow struct {
	PaymentIntentID string        `db:"payment_intent_id"`
	SubscriptionID  string        `db:"subscription_id"`
	CustomerID      string        `db:"customer_id"`
	Type            string        `db:"type"`
	PayerID         string        `db:"payer_id"`
	PayeeID         string        `db:"payee_id"`
	TotalAmount     int64         `db:"total_amount"`
	PayeeAmount     int64         `db:"payee_amount"`
	PlatformAmount  int64         `db:"platform_amount"`
	Currency        string        `db:"currency"`
	Status          string        `db:"status"`
	ProcessedAt     sql.NullInt64 `db:"processed_at"`
	Metadata        string        `db:"metadata"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r *transactionRow) toTransaction() (*recon.Transaction, error) {
	txn := &recon.Transaction{
		PaymentIntentID: r.PaymentIntentID,
		SubscriptionID:  r.SubscriptionID,
		CustomerID:      r.CustomerID,
		Type:            recon.TransactionType(r.Type),
		PayerID:         r.PayerID,
		PayeeID:         r.PayeeID,
		TotalAmount:     r.TotalAmount,
		PayeeAmount:     r.PayeeAmount,
		PlatformAmount:  r.PlatformAmount,
		Currency:        r.Currency,
		Status:          recon.TransactionStatus(r.Status),
		ProcessedAt:     timePtr(r.ProcessedAt),
		CreatedAt:       fromNanos(r.CreatedAt),
		UpdatedAt:       fromNanos(r.UpdatedAt),
	}
	if r.Metadata != "" && r.Metadata != "null" {
		if err := json.Unmarshal([]byte(r.Metadata), &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return txn, nil
}

const transactionColumns = `payment_intent_id, subscription_id, customer_id, type, payer_id, payee_id,
	total_amount, payee_amount, platform_amount, currency, status, processed_at, metadata,
	created_at, updated_at`

// CreatePendingTransaction implements recon.Store
func (s *Store) CreatePendingTransaction(ctx context.Context, txn *recon.Transaction) error {
	if txn == nil || txn.PaymentIntentID == "" {
		return fmt.Errorf("invalid transaction")
	}
	metadata := []byte("{}")
	if txn.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(txn.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	created := txn.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (
			payment_intent_id, subscription_id, customer_id, type, payer_id, payee_id,
			total_amount, payee_amount, platform_amount, currency, status, metadata, created_at, updated_at
		) VALUES (
			:payment_intent_id, :subscription_id, :customer_id, :type, :payer_id, :payee_id,
			:total_amount, :payee_amount, :platform_amount, :currency, 'pending', :metadata, :created_at, :created_at
		)
		ON CONFLICT (payment_intent_id) DO NOTHING`,
		transactionRow{
			PaymentIntentID: txn.PaymentIntentID,
			SubscriptionID:  txn.SubscriptionID,
			CustomerID:      txn.CustomerID,
			Type:            string(txn.Type),
			PayerID:         txn.PayerID,
			PayeeID:         txn.PayeeID,
			TotalAmount:     txn.TotalAmount,
			PayeeAmount:     txn.PayeeAmount,
			PlatformAmount:  txn.PlatformAmount,
			Currency:        txn.Currency,
			Metadata:        string(metadata),
			CreatedAt:       toNanos(created),
		})
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return duplicateIfUnaffected(res)
}

func duplicateIfUnaffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return recon.ErrDuplicate
	}
	return nil
}

// GetTransaction implements recon.Store
func (s *Store) GetTransaction(ctx context.Context, paymentIntentID string) (*recon.Transaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_intent_id = ?`, paymentIntentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recon.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return row.toTransaction()
}

// CompleteTransaction implements recon.Store
func (s *Store) CompleteTransaction(ctx context.Context, req *recon.CompleteRequest) (*recon.Transaction, error) {
	var row transactionRow
	processed := toNanos(req.ProcessedAt)
	err := s.db.GetContext(ctx, &row, `
		UPDATE transactions SET
			status = 'completed',
			total_amount = ?,
			payee_amount = ?,
			platform_amount = ?,
			processed_at = ?,
			updated_at = ?,
			customer_id = COALESCE(NULLIF(?, ''), customer_id),
			subscription_id = COALESCE(NULLIF(?, ''), subscription_id)
		WHERE payment_intent_id = ? AND status = 'pending'
		RETURNING `+transactionColumns,
		req.TotalAmount, req.PayeeAmount, req.PlatformAmount, processed, processed,
		req.CustomerID, req.SubscriptionID, req.PaymentIntentID)
	if err == nil {
		return row.toTransaction()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("complete transaction: %w", err)
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_intent_id = ?)`, req.PaymentIntentID); err != nil {
		return nil, fmt.Errorf("check transaction: %w", err)
	}
	if !exists {
		return nil, recon.ErrTransactionNotFound
	}
	return nil, recon.ErrAlreadyApplied
}

// RunInTx implements recon.Store
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx recon.LedgerTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &ledgerTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *ledgerTx) InsertTokenPurchase(ctx context.Context, p *recon.TokenPurchase) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = t.now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_purchases (id, user_id, amount, price_paid, payment_intent_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, payment_intent_id) DO NOTHING`,
		p.ID, p.UserID, p.Amount, p.PricePaid, p.PaymentIntentID, p.Status, toNanos(created))
	if err != nil {
		return fmt.Errorf("insert token purchase: %w", err)
	}
	return duplicateIfUnaffected(res)
}

func (t *ledgerTx) IncrementBalance(ctx context.Context, userID string, amount int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_balances (user_id, balance, lifetime_purchased, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			lifetime_purchased = lifetime_purchased + excluded.lifetime_purchased,
			version = version + 1,
			updated_at = excluded.updated_at`,
		userID, amount, amount, toNanos(t.now()))
	if err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	return nil
}

type balanceRow struct {
	UserID            string `db:"user_id"`
	Balance           int64  `db:"balance"`
	LifetimePurchased int64  `db:"lifetime_purchased"`
	Version           int64  `db:"version"`
	UpdatedAt         int64  `db:"updated_at"`
}

func getBalance(ctx context.Context, q sqlx.QueryerContext, userID string) (*recon.TokenBalance, error) {
	var row balanceRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT user_id, balance, lifetime_purchased, version, updated_at
		FROM token_balances WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recon.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &recon.TokenBalance{
		UserID:            row.UserID,
		Balance:           row.Balance,
		LifetimePurchased: row.LifetimePurchased,
		Version:           row.Version,
		UpdatedAt:         fromNanos(row.UpdatedAt),
	}, nil
}

func (t *ledgerTx) GetBalance(ctx context.Context, userID string) (*recon.TokenBalance, error) {
	return getBalance(ctx, t.tx, userID)
}

func (t *ledgerTx) CompareAndSwapBalance(ctx context.Context, userID string, expectedVersion, balance, lifetime int64) (bool, error) {
	now := toNanos(t.now())
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = t.tx.ExecContext(ctx, `
			INSERT INTO token_balances (user_id, balance, lifetime_purchased, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, balance, lifetime, now)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE token_balances SET balance = ?, lifetime_purchased = ?, version = version + 1, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			balance, lifetime, now, userID, expectedVersion)
	}
	if err != nil {
		return false, fmt.Errorf("swap balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetTokenBalance implements recon.Store
func (s *Store) GetTokenBalance(ctx context.Context, userID string) (*recon.TokenBalance, error) {
	return getBalance(ctx, s.db, userID)
}

type purchaseRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	Amount          int64  `db:"amount"`
	PricePaid       int64  `db:"price_paid"`
	PaymentIntentID string `db:"payment_intent_id"`
	Status          string `db:"status"`
	CreatedAt       int64  `db:"created_at"`
}

// ListTokenPurchases implements recon.Store
func (s *Store) ListTokenPurchases(ctx context.Context, userID string) ([]recon.TokenPurchase, error) {
	var rows []purchaseRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, amount, price_paid, payment_intent_id, status, created_at
		FROM token_purchases WHERE user_id = ?
		ORDER BY created_at DESC, id`, userID); err != nil {
		return nil, fmt.Errorf("list token purchases: %w", err)
	}
	out := make([]recon.TokenPurchase, 0, len(rows))
	for _, r := range rows {
		out = append(out, recon.TokenPurchase{
			ID:              r.ID,
			UserID:          r.UserID,
			Amount:          r.Amount,
			PricePaid:       r.PricePaid,
			PaymentIntentID: r.PaymentIntentID,
			Status:          r.Status,
			CreatedAt:       fromNanos(r.CreatedAt),
		})
	}
	return out, nil
}

// UpsertSubscription implements recon.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *recon.Subscription, ordering recon.SubscriptionOrdering) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}
	if ordering == "" {
		ordering = recon.OrderingLastProcessed
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, racer_id, customer_id, status, current_period_end, event_created, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			racer_id = excluded.racer_id,
			customer_id = excluded.customer_id,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			event_created = excluded.event_created,
			updated_at = excluded.updated_at
		WHERE ? <> 'event_created' OR subscriptions.event_created <= excluded.event_created`,
		sub.ID, sub.UserID, sub.RacerID, sub.CustomerID, string(sub.Status), nullNanos(sub.CurrentPeriodEnd),
		toNanos(sub.EventCreated), toNanos(updated), string(ordering))
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type subscriptionRow struct {
	ID               string        `db:"id"`
	UserID           string        `db:"user_id"`
	RacerID          string        `db:"racer_id"`
	CustomerID       string        `db:"customer_id"`
	Status           string        `db:"status"`
	CurrentPeriodEnd sql.NullInt64 `db:"current_period_end"`
	EventCreated     int64         `db:"event_created"`
	UpdatedAt        int64         `db:"updated_at"`
}

// GetSubscription implements recon.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*recon.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, racer_id, customer_id, status, current_period_end, event_created, updated_at
		FROM subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recon.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &recon.Subscription{
		ID:               row.ID,
		UserID:           row.UserID,
		RacerID:          row.RacerID,
		CustomerID:       row.CustomerID,
		Status:           recon.SubscriptionStatus(row.Status),
		CurrentPeriodEnd: timePtr(row.CurrentPeriodEnd),
		EventCreated:     fromNanos(row.EventCreated),
		UpdatedAt:        fromNanos(row.UpdatedAt),
	}, nil
}

type metricsRow struct {
	UserID              string `db:"user_id"`
	TotalEarned         int64  `db:"total_earned"`
	TotalTipped         int64  `db:"total_tipped"`
	SupporterCount      int64  `db:"supporter_count"`
	ActiveSubscriptions int64  `db:"active_subscriptions"`
	TokenBalance        int64  `db:"token_balance"`
	ComputedAt          int64  `db:"computed_at"`
}

func (r *metricsRow) toMetrics() *recon.UserMetrics {
	return &recon.UserMetrics{
		UserID:              r.UserID,
		TotalEarned:         r.TotalEarned,
		TotalTipped:         r.TotalTipped,
		SupporterCount:      r.SupporterCount,
		ActiveSubscriptions: r.ActiveSubscriptions,
		TokenBalance:        r.TokenBalance,
		ComputedAt:          fromNanos(r.ComputedAt),
	}
}

// RecomputeUserMetrics implements recon.Store
func (s *Store) RecomputeUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	row := metricsRow{UserID: userID, ComputedAt: toNanos(s.now().UTC())}
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(payee_amount), 0) FROM transactions
				WHERE status = 'completed' AND payee_id = ?1),
			(SELECT COALESCE(SUM(total_amount), 0) FROM transactions
				WHERE status = 'completed' AND payer_id = ?1 AND type = 'tip'),
			(SELECT COUNT(*) FROM (
				SELECT payer_id FROM transactions
					WHERE status = 'completed' AND payee_id = ?1 AND payer_id <> ''
				UNION
				SELECT user_id FROM subscriptions
					WHERE racer_id = ?1 AND status IN ('active', 'trialing') AND user_id <> ''
			)),
			(SELECT COUNT(*) FROM subscriptions WHERE racer_id = ?1 AND status IN ('active', 'trialing')),
			COALESCE((SELECT balance FROM token_balances WHERE user_id = ?1), 0)`,
		userID).Scan(&row.TotalEarned, &row.TotalTipped, &row.SupporterCount, &row.ActiveSubscriptions, &row.TokenBalance)
	if err != nil {
		return nil, fmt.Errorf("aggregate user metrics: %w", err)
	}

	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO user_metrics (user_id, total_earned, total_tipped, supporter_count, active_subscriptions, token_balance, computed_at)
		VALUES (:user_id, :total_earned, :total_tipped, :supporter_count, :active_subscriptions, :token_balance, :computed_at)
		ON CONFLICT (user_id) DO UPDATE SET
			total_earned = excluded.total_earned,
			total_tipped = excluded.total_tipped,
			supporter_count = excluded.supporter_count,
			active_subscriptions = excluded.active_subscriptions,
			token_balance = excluded.token_balance,
			computed_at = excluded.computed_at`, row); err != nil {
		return nil, fmt.Errorf("store user metrics: %w", err)
	}
	return row.toMetrics(), nil
}

// GetUserMetrics implements recon.Store
func (s *Store) GetUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	var row metricsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, total_earned, total_tipped, supporter_count, active_subscriptions, token_balance, computed_at
		FROM user_metrics WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &recon.UserMetrics{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user metrics: %w", err)
	}
	return row.toMetrics(), nil
}

type incidentRow struct {
	ID         string        `db:"id"`
	EventID    string        `db:"event_id"`
	EventType  string        `db:"event_type"`
	Kind       string        `db:"kind"`
	NaturalKey string        `db:"natural_key"`
	Detail     string        `db:"detail"`
	CreatedAt  int64         `db:"created_at"`
	ResolvedAt sql.NullInt64 `db:"resolved_at"`
}

// RecordIncident implements recon.Store
func (s *Store) RecordIncident(ctx context.Context, inc *recon.Incident) error {
	created := inc.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO incidents (id, event_id, event_type, kind, natural_key, detail, created_at)
		VALUES (:id, :event_id, :event_type, :kind, :natural_key, :detail, :created_at)
		ON CONFLICT (event_id, kind) DO NOTHING`,
		incidentRow{
			ID:         inc.ID,
			EventID:    inc.EventID,
			EventType:  string(inc.EventType),
			Kind:       string(inc.Kind),
			NaturalKey: inc.NaturalKey,
			Detail:     inc.Detail,
			CreatedAt:  toNanos(created),
		})
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return duplicateIfUnaffected(res)
}

// ListIncidents implements recon.Store
func (s *Store) ListIncidents(ctx context.Context, filter recon.IncidentFilter) ([]recon.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.IncludeResolved {
		where = append(where, "resolved_at IS NULL")
	}
	query := `SELECT id, event_id, event_type, kind, natural_key, detail, created_at, resolved_at FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]recon.Incident, 0, len(rows))
	for _, r := range rows {
		out = append(out, recon.Incident{
			ID:         r.ID,
			EventID:    r.EventID,
			EventType:  recon.EventType(r.EventType),
			Kind:       recon.IncidentKind(r.Kind),
			NaturalKey: r.NaturalKey,
			Detail:     r.Detail,
			CreatedAt:  fromNanos(r.CreatedAt),
			ResolvedAt: timePtr(r.ResolvedAt),
		})
	}
	return out, nil
}

// ResolveIncident implements recon.Store
func (s *Store) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET resolved_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return recon.ErrIncidentNotFound
	}
	return nil
}

var _ recon.Store = (*Store)(nil)
