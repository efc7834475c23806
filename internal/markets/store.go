// Package markets provides read access to the market/asset registry.
// Asset/market CRUD itself is an external collaborator's concern; the core
// only ever reads a market's matching parameters (asset ids, increments,
// maxQuantity, active flag), so this store exposes lookups only.
//
// Grounded on the same pattern as internal/orders.Store and
// internal/trades.Store: a thin sqlx wrapper over one table, following
// other_examples/6aaf77ca_LeoMoonStar…service.go's query style.
package markets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

type marketRow struct {
	ID                   string          `db:"id"`
	BaseAssetID          string          `db:"base_asset_id"`
	QuoteAssetID         string          `db:"quote_asset_id"`
	MinPriceIncrement    decimal.Decimal `db:"min_price_increment"`
	MinQuantityIncrement decimal.Decimal `db:"min_quantity_increment"`
	MaxQuantity          sql.NullString  `db:"max_quantity"`
	Active               bool            `db:"active"`
}

func (r marketRow) toDomain() (domain.Market, error) {
	m := domain.Market{
		ID:                   r.ID,
		BaseAssetID:          r.BaseAssetID,
		QuoteAssetID:         r.QuoteAssetID,
		MinPriceIncrement:    r.MinPriceIncrement,
		MinQuantityIncrement: r.MinQuantityIncrement,
		Active:               r.Active,
	}
	if r.MaxQuantity.Valid {
		q, err := decimal.NewFromString(r.MaxQuantity.String)
		if err != nil {
			return domain.Market{}, fmt.Errorf("parse max_quantity: %w", err)
		}
		m.MaxQuantity = &q
	}
	return m, nil
}

// GetMarket returns (nil, nil) if marketId does not exist — callers on the
// matching path convert that into ErrMarketNotFound.
func (s *Store) GetMarket(ctx context.Context, q sqlx.QueryerContext, marketID string) (*domain.Market, error) {
	const query = `
		SELECT id, base_asset_id, quote_asset_id, min_price_increment, min_quantity_increment, max_quantity, active
		FROM markets WHERE id = $1`

	var r marketRow
	err := sqlx.GetContext(ctx, q, &r, query, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get market: %v", domain.ErrStorageError, err)
	}
	m, err := r.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: decode market: %v", domain.ErrStorageError, err)
	}
	return &m, nil
}

// ListActive returns every active market's id, used by restoreAll to know
// which markets to rebuild the cache for at process start.
func (s *Store) ListActive(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, q, &ids, `SELECT id FROM markets WHERE active = true`); err != nil {
		return nil, fmt.Errorf("%w: list active markets: %v", domain.ErrStorageError, err)
	}
	return ids, nil
}

// ListActiveMarketIDs satisfies internal/maintenance.MarketLister by
// binding ListActive to the store's own default handle.
func (s *Store) ListActiveMarketIDs(ctx context.Context) ([]string, error) {
	return s.ListActive(ctx, s.db)
}

type assetRow struct {
	ID       string `db:"id"`
	Symbol   string `db:"symbol"`
	Decimals int32  `db:"decimals"`
}

func (s *Store) GetAsset(ctx context.Context, q sqlx.QueryerContext, assetID string) (*domain.Asset, error) {
	const query = `SELECT id, symbol, decimals FROM assets WHERE id = $1`

	var r assetRow
	err := sqlx.GetContext(ctx, q, &r, query, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get asset: %v", domain.ErrStorageError, err)
	}
	return &domain.Asset{ID: r.ID, Symbol: r.Symbol, Decimals: r.Decimals}, nil
}
