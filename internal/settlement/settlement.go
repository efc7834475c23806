// Package settlement implements Settlement (C6): the transfer of base and
// quote between maker and taker holdings at the match price, inside the
// same transaction as the match that produced it.
//
// Grounded on other_examples/6aaf77ca_LeoMoonStar…service.go's matchOrder,
// which credits buyer/seller holdings (there: fee-adjusted cash/token
// balances) from inside the same *sql.Tx the order mutations run in —
// generalized here to the reserve-at-placement / credit-at-match model
// spec §4.6 specifies (LeoMoonStar instead debits/credits both sides at
// match time, with no separate reservation step).
package settlement

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"fenrir/internal/domain"
	"fenrir/internal/matching"
)

// HoldingsStore is the subset of holdings.Store settlement drives.
type HoldingsStore interface {
	Adjust(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, delta decimal.Decimal) error
	AdjustBuy(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty, price decimal.Decimal) error
	AdjustSell(ctx context.Context, e sqlx.ExtContext, accountID, assetID string, qty decimal.Decimal) error
}

type Settler struct {
	holdings HoldingsStore
}

func New(holdings HoldingsStore) *Settler {
	return &Settler{holdings: holdings}
}

// Settle applies one match's transfer. Both sides' reservations were
// already debited at order-placement time (spec §4.6): the matched
// quantity/notional is never re-released, only the counterparty is
// credited. m.Side is the side of the order that triggered this match.
func (s *Settler) Settle(ctx context.Context, e sqlx.ExtContext, market domain.Market, m matching.Match) error {
	notional := m.Price.Mul(m.Quantity)

	switch m.Side {
	case domain.Bid:
		// Taker buys base from maker at the match price: credit taker base
		// and roll its weighted-average cost basis forward.
		if err := s.holdings.AdjustBuy(ctx, e, m.TakerAccountID, market.BaseAssetID, m.Quantity, m.Price); err != nil {
			return fmt.Errorf("credit taker base: %w", err)
		}
		// Maker's base was already debited by Reserve at ask placement;
		// credit the quote notional and reduce the maker's base cost
		// basis proportionally to the matched quantity.
		if err := s.holdings.Adjust(ctx, e, m.MakerAccountID, market.QuoteAssetID, notional); err != nil {
			return fmt.Errorf("credit maker quote: %w", err)
		}
		if err := s.holdings.AdjustSell(ctx, e, m.MakerAccountID, market.BaseAssetID, m.Quantity); err != nil {
			return fmt.Errorf("reduce maker base cost basis: %w", err)
		}
	case domain.Ask:
		// Symmetric: taker's base was already debited by Reserve at
		// placement; credit quote and reduce cost basis proportionally.
		if err := s.holdings.Adjust(ctx, e, m.TakerAccountID, market.QuoteAssetID, notional); err != nil {
			return fmt.Errorf("credit taker quote: %w", err)
		}
		if err := s.holdings.AdjustSell(ctx, e, m.TakerAccountID, market.BaseAssetID, m.Quantity); err != nil {
			return fmt.Errorf("reduce taker base cost basis: %w", err)
		}
		// Maker buys base at the match price: credit and roll cost basis.
		if err := s.holdings.AdjustBuy(ctx, e, m.MakerAccountID, market.BaseAssetID, m.Quantity, m.Price); err != nil {
			return fmt.Errorf("credit maker base: %w", err)
		}
	}
	return nil
}

// SettleAll applies every match from one matching walk, in order.
func (s *Settler) SettleAll(ctx context.Context, e sqlx.ExtContext, market domain.Market, matches []matching.Match) error {
	for _, m := range matches {
		if err := s.Settle(ctx, e, market, m); err != nil {
			return err
		}
	}
	return nil
}
