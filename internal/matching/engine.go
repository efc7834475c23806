// Package matching implements the Matching Engine (C5): price-time
// priority matching, taker/maker classification, the maker-price rule and
// partial-fill accounting, per spec §4.5.
//
// Grounded on the teacher's internal/engine/orderbook.go Match()/
// handleLimit(): a crossing-test loop walking the opposing side in
// priority order, decrementing both quantities by min(taker, maker) and
// stopping the walk the moment prices stop crossing. The quantity
// accounting (decrement both sides, queue maker deletion at zero else a
// quantity update) is the same algorithm; this version operates against
// the transactional Order Store (C2) instead of an in-memory slice: it
// pre-computes the maker mutation set during the walk, applies it in one
// batched round-trip (spec §4.5 step 4), and also returns it so the caller
// can reconcile the book cache.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/domain"
	"fenrir/internal/orders"
)

// TakerInput is what a caller submits to PlaceOrder before it becomes a
// persisted Order.
type TakerInput struct {
	Side         domain.Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	AccountID    string
	QuoteAssetID string
}

// Match is one fill produced by a single maker/taker crossing.
type Match struct {
	MakerOrderID         string
	TakerOrderID         string
	MakerAccountID       string
	TakerAccountID       string
	Side                 domain.Side // taker's side
	Quantity             decimal.Decimal
	Price                decimal.Decimal // maker-price rule (spec §4.5)
	Timestamp            time.Time
	TakerRemainingAfter  decimal.Decimal
	MakerRemainingAfter  decimal.Decimal
}

// Result is the outcome of one PlaceOrder call.
type Result struct {
	Matches           []Match
	RemainingOrder    *domain.Order
	UpdatedMakers     []orders.Update
	CompletedMakerIDs []string
}

// OrderStore is the subset of orders.Store the engine drives, all against
// a single already-open transaction supplied by the concurrency
// controller (C7).
type OrderStore interface {
	Create(ctx context.Context, e sqlx.ExtContext, o domain.Order) error
	GetByMarketAndSideForMatching(ctx context.Context, q sqlx.QueryerContext, marketID string, side domain.Side) ([]domain.Order, error)
	UpdateQuantity(ctx context.Context, e sqlx.ExtContext, id string, newQuantity decimal.Decimal) error
	Delete(ctx context.Context, e sqlx.ExtContext, id string) error
	Batch(ctx context.Context, e sqlx.ExtContext, updates []orders.Update, deletes []string) error
}

// Engine is the matching engine. It is stateless across calls — all
// per-market state lives in the Order Store and the book cache; the
// engine only orchestrates one placeOrder walk at a time (the caller is
// expected to hold the per-market lock, per spec §4.7).
type Engine struct {
	orderStore OrderStore
}

func New(orderStore OrderStore) *Engine {
	return &Engine{orderStore: orderStore}
}

// Validate applies the pre-matching rejections of spec §4.5: non-positive
// price/quantity, and maxQuantity if the market sets one.
func Validate(in TakerInput, maxQuantity *decimal.Decimal) error {
	if !in.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", domain.ErrInvalidOrder, in.Price)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", domain.ErrInvalidOrder, in.Quantity)
	}
	if maxQuantity != nil && in.Quantity.GreaterThan(*maxQuantity) {
		return fmt.Errorf("%w: quantity %s exceeds market max %s", domain.ErrInvalidOrder, in.Quantity, *maxQuantity)
	}
	return nil
}

// PlaceOrder runs the matching steps of spec §4.5 (persist the taker, walk
// the opposing side, batch the maker mutations, rest or discard the taker
// remainder) against the transaction handle e. It does not touch the book
// cache, settle holdings or insert trades — those are the caller's
// responsibility (concurrency controller C7, settlement C6 and the trade
// store C3 respectively), so that this type stays focused purely on
// price-time-priority matching.
func (eng *Engine) PlaceOrder(ctx context.Context, e sqlx.ExtContext, marketID string, taker domain.Order, minQuantityIncrement decimal.Decimal) (*Result, error) {
	// Step 1: persist the taker with its full quantity.
	if err := eng.orderStore.Create(ctx, e, taker); err != nil {
		return nil, err
	}

	// Step 2: read the opposing side in priority order.
	makers, err := eng.orderStore.GetByMarketAndSideForMatching(ctx, e, marketID, taker.Side.Opposite())
	if err != nil {
		return nil, err
	}

	result := &Result{}
	takerRemaining := taker.Quantity

	// Step 3: walk the opposing list, matching while prices cross.
	for _, maker := range makers {
		if takerRemaining.IsZero() {
			break
		}
		if !crosses(taker.Side, taker.Price, maker.Price) {
			// Sorted list: no further maker can match either.
			break
		}

		matchQty := decimal.Min(takerRemaining, maker.Quantity)
		takerRemaining = takerRemaining.Sub(matchQty)
		makerRemaining := maker.Quantity.Sub(matchQty)

		result.Matches = append(result.Matches, Match{
			MakerOrderID:        maker.ID,
			TakerOrderID:        taker.ID,
			MakerAccountID:      maker.AccountID,
			TakerAccountID:      taker.AccountID,
			Side:                taker.Side,
			Quantity:            matchQty,
			Price:               maker.Price, // maker-price rule
			Timestamp:           time.Now(),
			TakerRemainingAfter: takerRemaining,
			MakerRemainingAfter: makerRemaining,
		})

		if makerRemaining.IsZero() {
			result.CompletedMakerIDs = append(result.CompletedMakerIDs, maker.ID)
		} else {
			result.UpdatedMakers = append(result.UpdatedMakers, orders.Update{ID: maker.ID, Quantity: makerRemaining})
		}
	}

	// Step 4: apply all queued maker mutations as one batched operation.
	if err := eng.orderStore.Batch(ctx, e, result.UpdatedMakers, result.CompletedMakerIDs); err != nil {
		return nil, err
	}

	// Step 6: rest or discard the remaining taker quantity. A dust
	// remainder below the market's minQuantityIncrement is discarded
	// rather than left resting (Open Question, resolved in DESIGN.md).
	if takerRemaining.IsPositive() && takerRemaining.GreaterThanOrEqual(minQuantityIncrement) {
		if err := eng.orderStore.UpdateQuantity(ctx, e, taker.ID, takerRemaining); err != nil {
			return nil, err
		}
		rest := taker
		rest.Quantity = takerRemaining
		result.RemainingOrder = &rest
	} else {
		if err := eng.orderStore.Delete(ctx, e, taker.ID); err != nil {
			return nil, err
		}
		if takerRemaining.IsPositive() {
			log.Debug().
				Str("orderId", taker.ID).
				Str("dust", takerRemaining.String()).
				Msg("discarding sub-increment taker remainder instead of resting it")
		}
	}

	return result, nil
}

// crosses implements the crossing test of spec §4.5.
func crosses(takerSide domain.Side, takerPrice, makerPrice decimal.Decimal) bool {
	if takerSide == domain.Bid {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

// NewOrderID mints an order id the way the teacher's
// internal/net/messages.go does for incoming orders.
func NewOrderID() string { return uuid.New().String() }
