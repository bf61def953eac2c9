package sqlite

import (
	"context"
	"fmt"
)

// Times are stored as unix nanoseconds so ordering comparisons are numeric.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	payment_intent_id TEXT PRIMARY KEY,
	subscription_id   TEXT NOT NULL DEFAULT '',
	customer_id       TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	payer_id          TEXT NOT NULL DEFAULT '',
	payee_id          TEXT NOT NULL DEFAULT '',
	total_amount      INTEGER NOT NULL CHECK (total_amount >= 0),
	payee_amount      INTEGER NOT NULL DEFAULT 0,
	platform_amount   INTEGER NOT NULL DEFAULT 0,
	currency          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed')),
	processed_at      INTEGER,
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_payee ON transactions(payee_id, status);
CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions(payer_id, status);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	racer_id           TEXT NOT NULL DEFAULT '',
	customer_id        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	current_period_end INTEGER,
	event_created      INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_racer ON subscriptions(racer_id);

CREATE TABLE IF NOT EXISTS token_balances (
	user_id            TEXT PRIMARY KEY,
	balance            INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	lifetime_purchased INTEGER NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_purchases (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	amount            INTEGER NOT NULL CHECK (amount > 0),
	price_paid        INTEGER NOT NULL,
	payment_intent_id TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	UNIQUE (user_id, payment_intent_id)
);

CREATE TABLE IF NOT EXISTS user_metrics (
	user_id              TEXT PRIMARY KEY,
	total_earned         INTEGER NOT NULL DEFAULT 0,
	total_tipped         INTEGER NOT NULL DEFAULT 0,
	supporter_count      INTEGER NOT NULL DEFAULT 0,
	active_subscriptions INTEGER NOT NULL DEFAULT 0,
	token_balance        INTEGER NOT NULL DEFAULT 0,
	computed_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	natural_key TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	resolved_at INTEGER,
	UNIQUE (event_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);
`

// InitSchema creates the ledger tables if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
