// Package orders implements the Order Store (C2): durable resting-order
// records, transactional batch updates/deletes, and the
// getByMarketAndSideForMatching read that is the sole source of
// price-time priority (spec §4.2).
//
// Grounded on other_examples/6aaf77ca_LeoMoonStar…service.go, whose
// matchOrder/CreateOrder/CancelOrder/GetUserOrders methods are the direct
// model for Create/GetByID/UpdateQuantity/Delete/GetByMarketAndSideForMatching below,
// down to the ORDER BY price {ASC,DESC}, created_at ASC sort that encodes
// price-time priority.
package orders

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
	ID           string          `db:"id"`
	MarketID     string          `db:"market_id"`
	AccountID    string          `db:"account_id"`
	Side         int             `db:"side"`
	Price        decimal.Decimal `db:"price"`
	Quantity     decimal.Decimal `db:"quantity"`
	QuoteAssetID string          `db:"quote_asset_id"`
	CreatedAt    time.Time       `db:"created_at"`
}

func (r row) toDomain() domain.Order {
	return domain.Order{
		ID:           r.ID,
		MarketID:     r.MarketID,
		AccountID:    r.AccountID,
		Side:         domain.Side(r.Side),
		Price:        r.Price,
		Quantity:     r.Quantity,
		QuoteAssetID: r.QuoteAssetID,
		CreatedAt:    r.CreatedAt,
	}
}

// Create persists a new order row with its full (initial) quantity.
func (s *Store) Create(ctx context.Context, e sqlx.ExtContext, o domain.Order) error {
	const query = `
		INSERT INTO orders (id, market_id, account_id, side, price, quantity, quote_asset_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := e.ExecContext(ctx, query, o.ID, o.MarketID, o.AccountID, int(o.Side), o.Price, o.Quantity, o.QuoteAssetID, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: create order: %v", domain.ErrStorageError, err)
	}
	return nil
}

// GetByID returns nil, nil if the order does not exist (already filled or
// cancelled).
func (s *Store) GetByID(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Order, error) {
	const query = `
		SELECT id, market_id, account_id, side, price, quantity, quote_asset_id, created_at
		FROM orders WHERE id = $1`

	var r row
	if err := sqlx.GetContext(ctx, q, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get order: %v", domain.ErrStorageError, err)
	}
	o := r.toDomain()
	return &o, nil
}

// GetByMarket returns every resting order for a market, both sides, in no
// particular priority order. Cache restore does not use it; it reads each
// side through GetByMarketAndSideForMatching.
func (s *Store) GetByMarket(ctx context.Context, q sqlx.QueryerContext, marketID string) ([]domain.Order, error) {
	const query = `
		SELECT id, market_id, account_id, side, price, quantity, quote_asset_id, created_at
		FROM orders WHERE market_id = $1`

	var rows []row
	if err := sqlx.SelectContext(ctx, q, &rows, query, marketID); err != nil {
		return nil, fmt.Errorf("%w: get orders by market: %v", domain.ErrStorageError, err)
	}
	return toDomainSlice(rows), nil
}

// GetByMarketAndSideForMatching returns orders sorted by price (bid
// descending / ask ascending), ties broken by created_at ascending. This
// sort is the sole source of price-time priority (spec §4.2).
func (s *Store) GetByMarketAndSideForMatching(ctx context.Context, q sqlx.QueryerContext, marketID string, side domain.Side) ([]domain.Order, error) {
	priceOrder := "ASC"
	if side == domain.Bid {
		priceOrder = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, market_id, account_id, side, price, quantity, quote_asset_id, created_at
		FROM orders
		WHERE market_id = $1 AND side = $2
		ORDER BY price %s, created_at ASC`, priceOrder)

	var rows []row
	if err := sqlx.SelectContext(ctx, q, &rows, query, marketID, int(side)); err != nil {
		return nil, fmt.Errorf("%w: get orders for matching: %v", domain.ErrStorageError, err)
	}
	return toDomainSlice(rows), nil
}

// UpdateQuantity sets the order's remaining quantity. newQuantity must be
// > 0 — a fully-consumed order is deleted, never updated to zero.
func (s *Store) UpdateQuantity(ctx context.Context, e sqlx.ExtContext, id string, newQuantity decimal.Decimal) error {
	if !newQuantity.IsPositive() {
		return fmt.Errorf("%w: update quantity must be positive, got %s", domain.ErrInvalidOrder, newQuantity)
	}
	const query = `UPDATE orders SET quantity = $2 WHERE id = $1`
	_, err := e.ExecContext(ctx, query, id, newQuantity)
	if err != nil {
		return fmt.Errorf("%w: update order quantity: %v", domain.ErrStorageError, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, e sqlx.ExtContext, id string) error {
	_, err := e.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete order: %v", domain.ErrStorageError, err)
	}
	return nil
}

func (s *Store) DeleteByMarket(ctx context.Context, e sqlx.ExtContext, marketID string) error {
	_, err := e.ExecContext(ctx, `DELETE FROM orders WHERE market_id = $1`, marketID)
	if err != nil {
		return fmt.Errorf("%w: delete orders by market: %v", domain.ErrStorageError, err)
	}
	return nil
}

// Update is one queued quantity mutation for Batch.
type Update struct {
	ID       string
	Quantity decimal.Decimal
}

// Batch applies every maker-side mutation the matching walk produced in a
// single round-trip: deletes for fully-consumed makers, quantity updates
// for partially-consumed ones. Grounded on the single-transaction batching
// spec §4.2/§4.5 call for.
func (s *Store) Batch(ctx context.Context, e sqlx.ExtContext, updates []Update, deletes []string) error {
	for _, u := range updates {
		if err := s.UpdateQuantity(ctx, e, u.ID, u.Quantity); err != nil {
			return err
		}
	}
	if len(deletes) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM orders WHERE id IN (?)`, deletes)
	if err != nil {
		return fmt.Errorf("%w: build batch delete: %v", domain.ErrStorageError, err)
	}
	query = e.Rebind(query)
	if _, err := e.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: batch delete orders: %v", domain.ErrStorageError, err)
	}
	return nil
}

func (s *Store) MarketExists(ctx context.Context, q sqlx.QueryerContext, marketID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, marketID)
	if err != nil {
		return false, fmt.Errorf("%w: market exists: %v", domain.ErrStorageError, err)
	}
	return exists, nil
}

func toDomainSlice(rows []row) []domain.Order {
	out := make([]domain.Order, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}
