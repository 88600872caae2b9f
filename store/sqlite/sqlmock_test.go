package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStore(sqlx.NewDb(db, "sqlite3")), mock
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestMock_DebitBalanceGuardFailed(t *testing.T) {
	s, mock := newMockStore(t)

	// GIVEN: the guarded UPDATE matches no row but the account exists
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET points_balance = points_balance - ?")).
		WithArgs(int64(300), sqlmock.AnyArg(), "u1", int64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"points_balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM accounts WHERE id = ?")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	// WHEN
	_, err := s.DebitBalance(context.Background(), "u1", 300)

	// THEN
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_WithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lock_audit_log")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(st generic.Store) error {
		if err := st.AppendLockLog(context.Background(), generic.LockAuditEntry{ID: "l1", AccountID: "u1", Action: generic.LockActionLock}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_CommitFailureIsRetryableInternal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.WithTx(context.Background(), func(generic.Store) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrInternal)
	assert.True(t, generic.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_DriverErrorIsInternal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = ?")).
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetAccount(context.Background(), "u1")

	assert.Equal(t, generic.KindInternal, generic.KindOf(err))
	var ie *generic.InternalError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "get account", ie.Op)
}

func TestMock_UpdateOrderLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM orders WHERE id = ?")).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := s.UpdateOrder(context.Background(), generic.RedemptionOrder{ID: "o1", Status: generic.OrderCancelled}, generic.OrderPending)

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_DecrementStockMissingProduct(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET stock_total = stock_total - ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM products WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := s.DecrementStock(context.Background(), "ghost", "", 1)

	assert.Equal(t, generic.KindNotFound, generic.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
