// Package postgres provides a PostgreSQL implementation of the recon.Store interface.
// Idempotency rests on unique constraints: every insert is ON CONFLICT DO NOTHING and
// an unaffected row is reported as recon.ErrDuplicate. Balance credits are a single
// server-side increment, so no row is ever locked across a read-modify-write.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Store implements recon.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MigrateOnStart applies the embedded schema migrations in New
	MigrateOnStart bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MigrateOnStart:  true,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.MigrateOnStart {
		if err := MigrateUp(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements recon.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const transactionColumns = `payment_intent_id, subscription_id, customer_id, type, payer_id, payee_id,
	total_amount, payee_amount, platform_amount, currency, status, processed_at, metadata,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (*recon.Transaction, error) {
	var (
		txn      recon.Transaction
		txType   string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&txn.PaymentIntentID, &txn.SubscriptionID, &txn.CustomerID, &txType, &txn.PayerID, &txn.PayeeID,
		&txn.TotalAmount, &txn.PayeeAmount, &txn.PlatformAmount, &txn.Currency, &status, &txn.ProcessedAt,
		&metadata, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.Type = recon.TransactionType(txType)
	txn.Status = recon.TransactionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &txn, nil
}

// CreatePendingTransaction implements recon.Store
func (s *Store) CreatePendingTransaction(ctx context.Context, txn *recon.Transaction) error {
	if txn == nil || txn.PaymentIntentID == "" {
		return fmt.Errorf("invalid transaction")
	}
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if txn.Metadata == nil {
		metadata = []byte("{}")
	}
	created := txn.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (
			payment_intent_id, subscription_id, customer_id, type, payer_id, payee_id,
			total_amount, payee_amount, platform_amount, currency, status, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12, $12)
		ON CONFLICT (payment_intent_id) DO NOTHING
	`, txn.PaymentIntentID, txn.SubscriptionID, txn.CustomerID, string(txn.Type), txn.PayerID, txn.PayeeID,
		txn.TotalAmount, txn.PayeeAmount, txn.PlatformAmount, txn.Currency, metadata, created)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrDuplicate
	}
	return nil
}

// GetTransaction implements recon.Store
func (s *Store) GetTransaction(ctx context.Context, paymentIntentID string) (*recon.Transaction, error) {
	txn, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_intent_id = $1`, paymentIntentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// CompleteTransaction implements recon.Store. The status guard in the WHERE
// clause makes the transition happen at most once.
func (s *Store) CompleteTransaction(ctx context.Context, req *recon.CompleteRequest) (*recon.Transaction, error) {
	txn, err := scanTransaction(s.pool.QueryRow(ctx, `
		UPDATE transactions SET
			status = 'completed',
			total_amount = $2,
			payee_amount = $3,
			platform_amount = $4,
			processed_at = $5,
			updated_at = $5,
			customer_id = COALESCE(NULLIF($6, ''), customer_id),
			subscription_id = COALESCE(NULLIF($7, ''), subscription_id)
		WHERE payment_intent_id = $1 AND status = 'pending'
		RETURNING `+transactionColumns,
		req.PaymentIntentID, req.TotalAmount, req.PayeeAmount, req.PlatformAmount, req.ProcessedAt,
		req.CustomerID, req.SubscriptionID))
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_intent_id = $1)`,
		req.PaymentIntentID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check transaction: %w", err)
	}
	if !exists {
		return nil, recon.ErrTransactionNotFound
	}
	return nil, recon.ErrAlreadyApplied
}

// RunInTx implements recon.Store
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx recon.LedgerTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) InsertTokenPurchase(ctx context.Context, p *recon.TokenPurchase) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO token_purchases (id, user_id, amount, price_paid, payment_intent_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, payment_intent_id) DO NOTHING
	`, p.ID, p.UserID, p.Amount, p.PricePaid, p.PaymentIntentID, p.Status, created)
	if err != nil {
		return fmt.Errorf("failed to insert token purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrDuplicate
	}
	return nil
}

func (t *ledgerTx) IncrementBalance(ctx context.Context, userID string, amount int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance, lifetime_purchased, version, updated_at)
		VALUES ($1, $2, $2, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = token_balances.balance + EXCLUDED.balance,
			lifetime_purchased = token_balances.lifetime_purchased + EXCLUDED.lifetime_purchased,
			version = token_balances.version + 1,
			updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to increment balance: %w", err)
	}
	return nil
}

func (t *ledgerTx) GetBalance(ctx context.Context, userID string) (*recon.TokenBalance, error) {
	return getBalance(ctx, t.tx, userID)
}

func (t *ledgerTx) CompareAndSwapBalance(ctx context.Context, userID string, expectedVersion, balance, lifetime int64) (bool, error) {
	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO token_balances (user_id, balance, lifetime_purchased, version, updated_at)
			VALUES ($1, $2, $3, 1, NOW())
			ON CONFLICT (user_id) DO NOTHING`
		args = []any{userID, balance, lifetime}
	} else {
		query = `
			UPDATE token_balances SET balance = $2, lifetime_purchased = $3, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND version = $4`
		args = []any{userID, balance, lifetime, expectedVersion}
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to swap balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBalance(ctx context.Context, q querier, userID string) (*recon.TokenBalance, error) {
	var b recon.TokenBalance
	err := q.QueryRow(ctx, `
		SELECT user_id, balance, lifetime_purchased, version, updated_at
		FROM token_balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Balance, &b.LifetimePurchased, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

// GetTokenBalance implements recon.Store
func (s *Store) GetTokenBalance(ctx context.Context, userID string) (*recon.TokenBalance, error) {
	return getBalance(ctx, s.pool, userID)
}

// ListTokenPurchases implements recon.Store
func (s *Store) ListTokenPurchases(ctx context.Context, userID string) ([]recon.TokenPurchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, price_paid, payment_intent_id, status, created_at
		FROM token_purchases WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token purchases: %w", err)
	}
	defer rows.Close()

	var out []recon.TokenPurchase
	for rows.Next() {
		var p recon.TokenPurchase
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.PricePaid, &p.PaymentIntentID, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertSubscription implements recon.Store. Under event-created ordering the
// conflict branch only fires for events at least as new as the stored one.
func (s *Store) UpsertSubscription(ctx context.Context, sub *recon.Subscription, ordering recon.SubscriptionOrdering) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}
	if ordering == "" {
		ordering = recon.OrderingLastProcessed
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, racer_id, customer_id, status, current_period_end, event_created, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			racer_id = EXCLUDED.racer_id,
			customer_id = EXCLUDED.customer_id,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			event_created = EXCLUDED.event_created,
			updated_at = EXCLUDED.updated_at
		WHERE $9::text <> 'event_created' OR subscriptions.event_created <= EXCLUDED.event_created
	`, sub.ID, sub.UserID, sub.RacerID, sub.CustomerID, string(sub.Status), sub.CurrentPeriodEnd,
		sub.EventCreated, updated, string(ordering))
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSubscription implements recon.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*recon.Subscription, error) {
	var (
		sub    recon.Subscription
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, racer_id, customer_id, status, current_period_end, event_created, updated_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.UserID, &sub.RacerID, &sub.CustomerID, &status,
		&sub.CurrentPeriodEnd, &sub.EventCreated, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = recon.SubscriptionStatus(status)
	return &sub, nil
}

const userMetricsColumns = `user_id, total_earned, total_tipped, supporter_count,
	active_subscriptions, token_balance, computed_at`

func scanUserMetrics(row pgx.Row) (*recon.UserMetrics, error) {
	var m recon.UserMetrics
	err := row.Scan(&m.UserID, &m.TotalEarned, &m.TotalTipped, &m.SupporterCount,
		&m.ActiveSubscriptions, &m.TokenBalance, &m.ComputedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecomputeUserMetrics implements recon.Store. Aggregates are rebuilt from the
// ledger in one statement, so a concurrent recompute can only overwrite with an
// equally fresh snapshot.
func (s *Store) RecomputeUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	m, err := scanUserMetrics(s.pool.QueryRow(ctx, `
		INSERT INTO user_metrics (`+userMetricsColumns+`)
		SELECT
			$1,
			(SELECT COALESCE(SUM(payee_amount), 0) FROM transactions
				WHERE status = 'completed' AND payee_id = $1),
			(SELECT COALESCE(SUM(total_amount), 0) FROM transactions
				WHERE status = 'completed' AND payer_id = $1 AND type = 'tip'),
			(SELECT COUNT(DISTINCT supporter) FROM (
				SELECT payer_id AS supporter FROM transactions
					WHERE status = 'completed' AND payee_id = $1 AND payer_id <> ''
				UNION
				SELECT user_id FROM subscriptions
					WHERE racer_id = $1 AND status IN ('active', 'trialing') AND user_id <> ''
			) supporters),
			(SELECT COUNT(*) FROM subscriptions
				WHERE racer_id = $1 AND status IN ('active', 'trialing')),
			(SELECT COALESCE((SELECT balance FROM token_balances WHERE user_id = $1), 0)),
			NOW()
		ON CONFLICT (user_id) DO UPDATE SET
			total_earned = EXCLUDED.total_earned,
			total_tipped = EXCLUDED.total_tipped,
			supporter_count = EXCLUDED.supporter_count,
			active_subscriptions = EXCLUDED.active_subscriptions,
			token_balance = EXCLUDED.token_balance,
			computed_at = EXCLUDED.computed_at
		RETURNING `+userMetricsColumns, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to recompute user metrics: %w", err)
	}
	return m, nil
}

// GetUserMetrics implements recon.Store
func (s *Store) GetUserMetrics(ctx context.Context, userID string) (*recon.UserMetrics, error) {
	m, err := scanUserMetrics(s.pool.QueryRow(ctx,
		`SELECT `+userMetricsColumns+` FROM user_metrics WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &recon.UserMetrics{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user metrics: %w", err)
	}
	return m, nil
}

// RecordIncident implements recon.Store
func (s *Store) RecordIncident(ctx context.Context, inc *recon.Incident) error {
	created := inc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, event_id, event_type, kind, natural_key, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, kind) DO NOTHING
	`, inc.ID, inc.EventID, string(inc.EventType), string(inc.Kind), inc.NaturalKey, inc.Detail, created)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrDuplicate
	}
	return nil
}

// ListIncidents implements recon.Store
func (s *Store) ListIncidents(ctx context.Context, filter recon.IncidentFilter) ([]recon.Incident, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
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
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []recon.Incident
	for rows.Next() {
		var (
			inc       recon.Incident
			eventType string
			kind      string
		)
		if err := rows.Scan(&inc.ID, &inc.EventID, &eventType, &kind, &inc.NaturalKey, &inc.Detail,
			&inc.CreatedAt, &inc.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.EventType = recon.EventType(eventType)
		inc.Kind = recon.IncidentKind(kind)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ResolveIncident implements recon.Store
func (s *Store) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE incidents SET resolved_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrIncidentNotFound
	}
	return nil
}

var _ recon.Store = (*Store)(nil)
