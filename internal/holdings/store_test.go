package holdings

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStore_Get_ReturnsNilWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at\n\t\tFROM holdings")).
		WillReturnError(sql.ErrNoRows)

	h, err := s.Get(context.Background(), s.DB(), "alice", "BTC")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStore_Adjust_CreditsViaUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO holdings")).
		WithArgs("alice", "BTC", d("5")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Adjust(context.Background(), s.DB(), "alice", "BTC", d("5"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Adjust_DebitsViaGuardedUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET quantity = quantity + $3")).
		WithArgs("alice", "BTC", d("-5")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Adjust(context.Background(), s.DB(), "alice", "BTC", d("-5"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Adjust_InsufficientFunds_ExistingRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET quantity = quantity + $3")).
		WithArgs("alice", "BTC", d("-5")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Adjust(context.Background(), s.DB(), "alice", "BTC", d("-5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestStore_Adjust_NegativeDeltaNeverInsertsAbsentRow(t *testing.T) {
	s, mock := newMockStore(t)
	// No prior row: the guarded UPDATE matches nothing, so the debit must
	// fail rather than fall through to an unconditional INSERT that would
	// create a holding with a negative quantity.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET quantity = quantity + $3")).
		WithArgs("alice", "BTC", d("-5")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Adjust(context.Background(), s.DB(), "alice", "BTC", d("-5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet(), "no INSERT must ever run for a negative delta")
}

func TestStore_Adjust_ZeroDeltaIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.Adjust(context.Background(), s.DB(), "alice", "BTC", decimal.Zero)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "a zero delta must not touch the database")
}

func TestStore_Reserve_SucceedsWhenEnoughBalance(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET quantity = quantity - $3")).
		WithArgs("alice", "BTC", d("3")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Reserve(context.Background(), s.DB(), "alice", "BTC", d("3"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_Reserve_FailsWhenInsufficientBalance(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET quantity = quantity - $3")).
		WithArgs("alice", "BTC", d("300")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Reserve(context.Background(), s.DB(), "alice", "BTC", d("300"))
	require.NoError(t, err)
	assert.False(t, ok, "Reserve reports false rather than erroring on insufficient balance")
}

func TestStore_AdjustBuy_RollsWeightedAverageCostForward(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"account_id", "asset_id", "quantity", "average_cost_basis", "total_cost", "updated_at"}).
		AddRow("alice", "BTC", "2", "100", "200", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO holdings")).
		WithArgs("alice", "BTC", d("3"), d("120"), d("360")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Buying 1 more unit at price 160: newQty=3, newTotalCost=200+160=360, newAvg=120.
	err := s.AdjustBuy(context.Background(), s.DB(), "alice", "BTC", d("1"), d("160"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AdjustSell_ReducesTotalCostProportionallyWithoutTouchingQuantity(t *testing.T) {
	s, mock := newMockStore(t)
	// Account currently holds 6 (post-reservation) after a 4-unit order was
	// reserved out of an original 10; selling 4 recovers the pre-reservation
	// basis of 10.
	rows := sqlmock.NewRows([]string{"account_id", "asset_id", "quantity", "average_cost_basis", "total_cost", "updated_at"}).
		AddRow("alice", "BTC", "6", "100", "1000", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE holdings SET total_cost")).
		WithArgs("alice", "BTC", d("600")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AdjustSell(context.Background(), s.DB(), "alice", "BTC", d("4"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AdjustSell_NoHoldingIsInsufficientFunds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnError(sql.ErrNoRows)

	err := s.AdjustSell(context.Background(), s.DB(), "alice", "BTC", d("1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
