package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

var errDiskIO = errors.New("disk I/O error")

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlite")), mock
}

func TestMock_PingFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errDiskIO)

	assert.ErrorIs(t, s.Ping(context.Background()), errDiskIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_CreatePendingDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreatePendingTransaction(context.Background(), &recon.Transaction{
		PaymentIntentID: "pi_1", Type: recon.TypeTip, TotalAmount: 100, Currency: "usd",
	})
	assert.ErrorIs(t, err, recon.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_CreatePendingStoreError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnError(errDiskIO)

	err := s.CreatePendingTransaction(context.Background(), &recon.Transaction{
		PaymentIntentID: "pi_1", Type: recon.TypeTip, TotalAmount: 100, Currency: "usd",
	})
	require.ErrorIs(t, err, errDiskIO)
	assert.False(t, errors.Is(err, recon.ErrDuplicate))
}

func TestMock_CompleteDistinguishesMissingFromApplied(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{"missing row", false, recon.ErrTransactionNotFound},
		{"already completed", true, recon.ErrAlreadyApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta("UPDATE transactions SET")).
				WithArgs(int64(100), int64(80), int64(20), sqlmock.AnyArg(), sqlmock.AnyArg(), "", "", "pi_1").
				WillReturnRows(sqlmock.NewRows([]string{"payment_intent_id"}))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
				WithArgs("pi_1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			_, err := s.CompleteTransaction(context.Background(), &recon.CompleteRequest{
				PaymentIntentID: "pi_1", TotalAmount: 100, PayeeAmount: 80, PlatformAmount: 20,
				ProcessedAt: time.Now(),
			})
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMock_RunInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_purchases")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_balances")).
		WillReturnError(errDiskIO)
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx recon.LedgerTx) error {
		if err := tx.InsertTokenPurchase(ctx, &recon.TokenPurchase{
			ID: "tp_1", UserID: "U1", Amount: 5, PaymentIntentID: "pi_1", Status: recon.TokenPurchaseCompleted,
		}); err != nil {
			return err
		}
		return tx.IncrementBalance(ctx, "U1", 5)
	})
	assert.ErrorIs(t, err, errDiskIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_RunInTxCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errDiskIO)

	err := s.RunInTx(context.Background(), func(context.Context, recon.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, errDiskIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_DuplicatePurchaseInsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_purchases")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx recon.LedgerTx) error {
		return tx.InsertTokenPurchase(ctx, &recon.TokenPurchase{ID: "tp_1", UserID: "U1", Amount: 5, PaymentIntentID: "pi_1"})
	})
	assert.ErrorIs(t, err, recon.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_UpsertSubscriptionSkipped(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO subscriptions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := s.UpsertSubscription(context.Background(), &recon.Subscription{
		ID: "sub_1", UserID: "U1", Status: recon.SubscriptionActive, EventCreated: time.Now(),
	}, recon.OrderingEventCreated)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_ResolveIncidentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE incidents SET resolved_at")).
		WithArgs(sqlmock.AnyArg(), "inc_x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ResolveIncident(context.Background(), "inc_x", time.Now())
	assert.ErrorIs(t, err, recon.ErrIncidentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_RecomputeAggregateFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("R1").WillReturnError(errDiskIO)

	_, err := s.RecomputeUserMetrics(context.Background(), "R1")
	assert.ErrorIs(t, err, errDiskIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}
