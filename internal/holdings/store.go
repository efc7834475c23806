// Package holdings implements the Holdings Store (C1): the authoritative
// per-account per-asset balance ledger, with CAS-guarded reserve/release
// used by the matching path and plain adjust/set used administratively.
//
// Grounded on other_examples/6aaf77ca_LeoMoonStar…service.go (sql.Tx,
// $N placeholders, balance rows updated under the enclosing transaction)
// and other_examples/971328fc_afsheenb-hashhedge…orderbook.go
// (WithTransaction(ctx, func(tx *sqlx.Tx) error) wrapping a chain of store
// calls). Every mutating method accepts a sqlx Querier/Extender so it can
// run either standalone (auto-committed) or nested inside the caller's
// transaction, per spec §4.1.
package holdings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/domain"
)

// Store is the Holdings Store. It holds the default DB handle used when a
// caller does not supply its own transaction.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the store's default handle, usable as a Querier/Extender when
// the caller has no transaction of its own.
func (s *Store) DB() *sqlx.DB { return s.db }

type row struct {
	AccountID        string          `db:"account_id"`
	AssetID          string          `db:"asset_id"`
	Quantity         decimal.Decimal `db:"quantity"`
	AverageCostBasis decimal.Decimal `db:"average_cost_basis"`
	TotalCost        decimal.Decimal `db:"total_cost"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r row) toDomain() domain.Holding {
	return domain.Holding{
		AccountID:        r.AccountID,
		AssetID:          r.AssetID,
		Quantity:         r.Quantity,
		AverageCostBasis: r.AverageCostBasis,
		TotalCost:        r.TotalCost,
		UpdatedAt:        r.UpdatedAt,
	}
}

// Get reads the current holding for (accountID, assetID). Returns
// (nil, nil) if the row has never been created.
func (s *Store) Get(ctx context.Context, q sqlx.QueryerContext, accountID, assetID string) (*domain.Holding, error) {
	const query = `
		SELECT account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at
		FROM holdings WHERE account_id = $1 AND asset_id = $2`

	var r row
	err := sqlx.GetContext(ctx, q, &r, query, accountID, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get holding: %v", domain.ErrStorageError, err)
	}
	h := r.toDomain()
	return &h, nil
}

// Adjust adds a signed delta to the holding. A negative delta is applied
// with a plain guarded UPDATE so it can never drive a holding below zero
// *or* fabricate a new row with a negative starting quantity when none
// exists yet — either case fails with ErrInsufficientFunds. A positive
// delta creates the row if it is absent, since crediting an absent holding
// can never violate the quantity >= 0 invariant (spec §3).
func (s *Store) Adjust(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}

	if delta.IsNegative() {
		const debit = `
			UPDATE holdings SET quantity = quantity + $3, updated_at = now()
			WHERE account_id = $1 AND asset_id = $2 AND quantity + $3 >= 0`

		res, err := e.ExecContext(ctx, debit, accountID, assetID, delta)
		if err != nil {
			return fmt.Errorf("%w: adjust holding: %v", domain.ErrStorageError, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: adjust holding rows affected: %v", domain.ErrStorageError, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: adjust %s/%s by %s", domain.ErrInsufficientFunds, accountID, assetID, delta)
		}
		return nil
	}

	const credit = `
		INSERT INTO holdings (account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at)
		VALUES ($1, $2, $3, 0, 0, now())
		ON CONFLICT (account_id, asset_id) DO UPDATE
		SET quantity = holdings.quantity + EXCLUDED.quantity, updated_at = now()`

	if _, err := e.ExecContext(ctx, credit, accountID, assetID, delta); err != nil {
		return fmt.Errorf("%w: adjust holding: %v", domain.ErrStorageError, err)
	}
	return nil
}

// Set performs an absolute, administrative assignment of a holding's
// quantity. Forbidden on the matching path — callers there must use
// Adjust/Reserve/Release so that concurrent matches compose correctly.
func (s *Store) Set(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty decimal.Decimal) error {
	const upsert = `
		INSERT INTO holdings (account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at)
		VALUES ($1, $2, $3, 0, 0, now())
		ON CONFLICT (account_id, asset_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = now()`

	_, err := e.ExecContext(ctx, upsert, accountID, assetID, qty)
	if err != nil {
		return fmt.Errorf("%w: set holding: %v", domain.ErrStorageError, err)
	}
	log.Debug().Str("accountId", accountID).Str("assetId", assetID).Str("quantity", qty.String()).Msg("holding set administratively")
	return nil
}

// Reserve atomically debits q from the account's holding, guarded by
// `WHERE quantity >= q`. It returns (true, nil) iff a row was updated —
// callers on the matching path convert a false return into
// ErrInsufficientFunds; Reserve itself never returns that error.
func (s *Store) Reserve(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty decimal.Decimal) (bool, error) {
	const query = `
		UPDATE holdings SET quantity = quantity - $3, updated_at = now()
		WHERE account_id = $1 AND asset_id = $2 AND quantity >= $3`

	res, err := e.ExecContext(ctx, query, accountID, assetID, qty)
	if err != nil {
		return false, fmt.Errorf("%w: reserve holding: %v", domain.ErrStorageError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: reserve holding rows affected: %v", domain.ErrStorageError, err)
	}
	return n == 1, nil
}

// Release is the inverse of Reserve: it credits q back. Its caller is order
// cancellation, which releases the cancelled order's remaining reservation.
func (s *Store) Release(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty decimal.Decimal) error {
	return s.Adjust(ctx, e, accountID, assetID, qty)
}

// AdjustBuy credits qty at the given price and rolls the weighted-average
// cost basis forward from the authoritative pre-update state read inside
// this same call (spec §9's Open Question: the source's cost-basis
// calculation treats the "already-adjusted" quantity inconsistently; this
// implementation always reads-then-writes from the pre-update row so it
// composes correctly under concurrent buys of the same asset).
func (s *Store) AdjustBuy(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: buy quantity must be positive, got %s", domain.ErrInvalidOrder, qty)
	}

	var cur row
	err := sqlx.GetContext(ctx, e, &cur, `
		SELECT account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at
		FROM holdings WHERE account_id = $1 AND asset_id = $2 FOR UPDATE`, accountID, assetID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: read holding for cost basis: %v", domain.ErrStorageError, err)
	}

	newQty := cur.Quantity.Add(qty)
	newTotalCost := cur.TotalCost.Add(qty.Mul(price))
	newAvgCost := newTotalCost.Div(newQty)

	const upsert = `
		INSERT INTO holdings (account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (account_id, asset_id) DO UPDATE
		SET quantity = $3, average_cost_basis = $4, total_cost = $5, updated_at = now()`

	if _, err := e.ExecContext(ctx, upsert, accountID, assetID, newQty, newAvgCost, newTotalCost); err != nil {
		return fmt.Errorf("%w: upsert holding cost basis: %v", domain.ErrStorageError, err)
	}
	return nil
}

// AdjustSell reduces total cost proportionally to matchedQty, leaving the
// average cost basis of the remaining units unchanged, per spec §4.6. The
// quantity itself is NOT debited here: the full order quantity was already
// debited by Reserve at order-placement time (spec §4.1), before matching
// decided how much of it actually trades. So the holding's current
// quantity already reflects every reservation still outstanding for this
// account/asset, and (quantity + matchedQty) recovers the pre-reservation
// quantity this particular match's share of total cost should be computed
// against.
func (s *Store) AdjustSell(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, matchedQty decimal.Decimal) error {
	if !matchedQty.IsPositive() {
		return fmt.Errorf("%w: sell quantity must be positive, got %s", domain.ErrInvalidOrder, matchedQty)
	}

	var cur row
	err := sqlx.GetContext(ctx, e, &cur, `
		SELECT account_id, asset_id, quantity, average_cost_basis, total_cost, updated_at
		FROM holdings WHERE account_id = $1 AND asset_id = $2 FOR UPDATE`, accountID, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: sell %s/%s with no holding", domain.ErrInsufficientFunds, accountID, assetID)
		}
		return fmt.Errorf("%w: read holding for cost basis: %v", domain.ErrStorageError, err)
	}

	preReservationQty := cur.Quantity.Add(matchedQty)
	if preReservationQty.IsZero() {
		return nil
	}
	proportionSold := matchedQty.Div(preReservationQty)
	newTotalCost := cur.TotalCost.Mul(decimal.NewFromInt(1).Sub(proportionSold))

	const update = `
		UPDATE holdings SET total_cost = $3, updated_at = now()
		WHERE account_id = $1 AND asset_id = $2`
	if _, err := e.ExecContext(ctx, update, accountID, assetID, newTotalCost); err != nil {
		return fmt.Errorf("%w: update holding cost basis: %v", domain.ErrStorageError, err)
	}
	return nil
}
