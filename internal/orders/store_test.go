package orders

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

func sampleOrder() domain.Order {
	return domain.Order{
		ID: "o1", MarketID: "BTC-USDC", AccountID: "alice", Side: domain.Bid,
		Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("1"),
		QuoteAssetID: "USDC", CreatedAt: time.Now(),
	}
}

func TestStore_Create(t *testing.T) {
	s, mock := newMockStore(t)
	o := sampleOrder()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WithArgs(o.ID, o.MarketID, o.AccountID, int(o.Side), o.Price, o.Quantity, o.QuoteAssetID, o.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Create(context.Background(), s.DB(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetByID_NotFoundReturnsNilNil(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, market_id, account_id, side, price, quantity, quote_asset_id, created_at")).
		WillReturnError(sql.ErrNoRows)

	o, err := s.GetByID(context.Background(), s.DB(), "missing")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestStore_GetByID_Found(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "market_id", "account_id", "side", "price", "quantity", "quote_asset_id", "created_at"}).
		AddRow("o1", "BTC-USDC", "alice", 0, "100", "1", "USDC", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, market_id, account_id, side, price, quantity, quote_asset_id, created_at")).
		WillReturnRows(rows)

	o, err := s.GetByID(context.Background(), s.DB(), "o1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, domain.Bid, o.Side)
}

func TestStore_GetByMarketAndSideForMatching_BidDescAskAsc(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY price DESC, created_at ASC")).
		WithArgs("BTC-USDC", int(domain.Bid)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "market_id", "account_id", "side", "price", "quantity", "quote_asset_id", "created_at"}))
	_, err := s.GetByMarketAndSideForMatching(context.Background(), s.DB(), "BTC-USDC", domain.Bid)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY price ASC, created_at ASC")).
		WithArgs("BTC-USDC", int(domain.Ask)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "market_id", "account_id", "side", "price", "quantity", "quote_asset_id", "created_at"}))
	_, err = s.GetByMarketAndSideForMatching(context.Background(), s.DB(), "BTC-USDC", domain.Ask)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateQuantity_RejectsNonPositive(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.UpdateQuantity(context.Background(), s.DB(), "o1", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestStore_Batch_AppliesUpdatesThenDeletes(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET quantity")).
		WithArgs("o1", decimal.RequireFromString("2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM orders WHERE id IN")).
		WithArgs("o2", "o3").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.Batch(context.Background(), s.DB(),
		[]Update{{ID: "o1", Quantity: decimal.RequireFromString("2")}},
		[]string{"o2", "o3"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Batch_NoDeletesSkipsDeleteQuery(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET quantity")).
		WithArgs("o1", decimal.RequireFromString("2")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Batch(context.Background(), s.DB(), []Update{{ID: "o1", Quantity: decimal.RequireFromString("2")}}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarketExists(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)")).
		WithArgs("BTC-USDC").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.MarketExists(context.Background(), s.DB(), "BTC-USDC")
	require.NoError(t, err)
	assert.True(t, ok)
}
