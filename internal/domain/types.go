// Package domain holds the core types shared by every store and the
// matching engine: assets, markets, holdings, orders and trades. The core
// never mutates Asset or Market once they are handed to it.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is which side of the book an order rests on.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Opposite returns the side an incoming order of this side matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Asset is immutable to the core; id, symbol and decimals are assigned by
// the asset/market CRUD layer, which lives outside this module.
type Asset struct {
	ID       string
	Symbol   string
	Decimals int32
}

// Market is immutable to the core once created.
type Market struct {
	ID                   string
	BaseAssetID          string
	QuoteAssetID         string
	MinPriceIncrement    decimal.Decimal
	MinQuantityIncrement decimal.Decimal
	MaxQuantity          *decimal.Decimal
	Active               bool
}

// Holding is the authoritative per-account per-asset balance. Rows are
// created lazily on first reference and are never deleted by the core.
type Holding struct {
	AccountID        string
	AssetID          string
	Quantity         decimal.Decimal
	AverageCostBasis decimal.Decimal
	TotalCost        decimal.Decimal
	UpdatedAt        time.Time
}

// Order is a resting or in-flight limit order. Quantity is always the
// remaining, unfilled amount — it is mutated in place by the matching
// engine as it fills, and the row is destroyed once it reaches zero or is
// cancelled.
type Order struct {
	ID           string
	MarketID     string
	AccountID    string
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	QuoteAssetID string
	CreatedAt    time.Time
}

// Trade is an append-only record of one match. Trades are never mutated
// after insertion.
type Trade struct {
	ID             string
	MarketID       string
	TakerOrderID   string
	MakerOrderID   string
	TakerSide      Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	TakerAccountID string
	MakerAccountID string
	CreatedAt      time.Time
}
