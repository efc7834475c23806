// Package trades implements the Trade Store (C3): an append-only trade
// log with recent-trades and last-price queries. No updates or deletes on
// live trades, per spec §4.3 — deleteByMarket exists only for
// administrative teardown/test cleanup.
//
// Grounded on other_examples/6aaf77ca_LeoMoonStar…service.go's
// GetTrades/insertTradeQuery (ORDER BY executed_at DESC, price-only
// last-trade lookup) and the batched trade insert pattern used alongside
// matchOrder in the same file.
package trades

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"fenrir/internal/domain"
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sqlx.DB { return s.db }

type row struct {
	ID             string          `db:"id"`
	MarketID       string          `db:"market_id"`
	TakerOrderID   string          `db:"taker_order_id"`
	MakerOrderID   string          `db:"maker_order_id"`
	TakerSide      int             `db:"taker_side"`
	Price          decimal.Decimal `db:"price"`
	Quantity       decimal.Decimal `db:"quantity"`
	TakerAccountID string          `db:"taker_account_id"`
	MakerAccountID string          `db:"maker_account_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r row) toDomain() domain.Trade {
	return domain.Trade{
		ID:             r.ID,
		MarketID:       r.MarketID,
		TakerOrderID:   r.TakerOrderID,
		MakerOrderID:   r.MakerOrderID,
		TakerSide:      domain.Side(r.TakerSide),
		Price:          r.Price,
		Quantity:       r.Quantity,
		TakerAccountID: r.TakerAccountID,
		MakerAccountID: r.MakerAccountID,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *Store) Create(ctx context.Context, e sqlx.ExtContext, t domain.Trade) error {
	const query = `
		INSERT INTO trades (id, market_id, taker_order_id, maker_order_id, taker_side, price, quantity, taker_account_id, maker_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := e.ExecContext(ctx, query,
		t.ID, t.MarketID, t.TakerOrderID, t.MakerOrderID, int(t.TakerSide),
		t.Price, t.Quantity, t.TakerAccountID, t.MakerAccountID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: create trade: %v", domain.ErrStorageError, err)
	}
	return nil
}

// BatchCreate inserts one trade per match produced by a single matching
// walk, all inside the caller's transaction.
func (s *Store) BatchCreate(ctx context.Context, e sqlx.ExtContext, ts []domain.Trade) error {
	for _, t := range ts {
		if err := s.Create(ctx, e, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetRecent(ctx context.Context, q sqlx.QueryerContext, marketID string, limit int) ([]domain.Trade, error) {
	const query = `
		SELECT id, market_id, taker_order_id, maker_order_id, taker_side, price, quantity, taker_account_id, maker_account_id, created_at
		FROM trades WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2`

	var rows []row
	if err := sqlx.SelectContext(ctx, q, &rows, query, marketID, limit); err != nil {
		return nil, fmt.Errorf("%w: get recent trades: %v", domain.ErrStorageError, err)
	}
	out := make([]domain.Trade, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetLastPrice returns (nil, nil) if the market has never traded.
func (s *Store) GetLastPrice(ctx context.Context, q sqlx.QueryerContext, marketID string) (*decimal.Decimal, error) {
	const query = `SELECT price FROM trades WHERE market_id = $1 ORDER BY created_at DESC LIMIT 1`

	var price decimal.Decimal
	err := sqlx.GetContext(ctx, q, &price, query, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get last trade price: %v", domain.ErrStorageError, err)
	}
	return &price, nil
}

func (s *Store) DeleteByMarket(ctx context.Context, e sqlx.ExtContext, marketID string) error {
	_, err := e.ExecContext(ctx, `DELETE FROM trades WHERE market_id = $1`, marketID)
	if err != nil {
		return fmt.Errorf("%w: delete trades by market: %v", domain.ErrStorageError, err)
	}
	return nil
}
