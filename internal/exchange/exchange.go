// Package exchange is the orchestrator that wires C1-C8 together and
// implements the core's External API (spec §6): placeOrder, cancelOrder,
// and the read-only order-book/trade queries. It is the only package that
// opens a concurrency.Controller transaction — matching.Engine and
// settlement.Settler never see *sql.DB directly.
//
// Grounded on the teacher's internal/engine.Engine, whose Books map keyed
// matching state by AssetType; this generalizes that to marketId and
// splits what the teacher kept as one monolithic Engine type across the
// dedicated stores/cache/matching/settlement/concurrency/events packages.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/bookcache"
	"fenrir/internal/concurrency"
	"fenrir/internal/domain"
	"fenrir/internal/events"
	"fenrir/internal/holdings"
	"fenrir/internal/markets"
	"fenrir/internal/matching"
	"fenrir/internal/metrics"
	"fenrir/internal/orders"
	"fenrir/internal/settlement"
	"fenrir/internal/trades"
)

// cacheOrderSource adapts orders.Store (whose matching-read method takes a
// Querier) to bookcache.OrderSource (which does not) by always reading
// against the store's own default DB handle — cache restores never need
// to see inside an in-flight transaction.
type cacheOrderSource struct {
	store *orders.Store
}

func (a cacheOrderSource) GetByMarketAndSideForMatching(ctx context.Context, marketID string, side domain.Side) ([]domain.Order, error) {
	return a.store.GetByMarketAndSideForMatching(ctx, a.store.DB(), marketID, side)
}

// Exchange implements spec §6's Core API.
type Exchange struct {
	orderStore    *orders.Store
	holdingStore  *holdings.Store
	tradeStore    *trades.Store
	marketStore   *markets.Store
	cache         *bookcache.Cache
	controller    *concurrency.Controller
	engine        *matching.Engine
	settler       *settlement.Settler
	publisher     *events.Publisher
	metrics       *metrics.Collector
	recentDefault int
}

// New wires C1-C8 around db. lockTimeout configures the per-market lock's
// wait bound (spec §4.7); a non-positive value keeps
// concurrency.DefaultLockTimeout instead.
func New(db *sqlx.DB, publisher *events.Publisher, collector *metrics.Collector, lockTimeout time.Duration) *Exchange {
	orderStore := orders.New(db)
	controller := concurrency.New(db)
	if lockTimeout > 0 {
		controller = controller.WithLockTimeout(lockTimeout)
	}
	controller = controller.WithLockWaitObserver(func(d time.Duration) {
		collector.LockWaitSeconds.Observe(d.Seconds())
	})
	ex := &Exchange{
		orderStore:    orderStore,
		holdingStore:  holdings.New(db),
		tradeStore:    trades.New(db),
		marketStore:   markets.New(db),
		controller:    controller,
		engine:        matching.New(orderStore),
		publisher:     publisher,
		metrics:       collector,
		recentDefault: 50,
	}
	ex.cache = bookcache.New(cacheOrderSource{store: orderStore})
	ex.settler = settlement.New(ex.holdingStore)
	return ex
}

// RestoreAll rebuilds the order-book cache for every active market from
// the Order Store, invoked once at process start per spec §4.4.
func (ex *Exchange) RestoreAll(ctx context.Context) error {
	ids, err := ex.marketStore.ListActive(ctx, ex.marketStore.DB())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ex.Restore(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveMarketIDs and Restore satisfy internal/maintenance's
// MarketLister and Restorer interfaces, so the periodic sweep can drive
// this Exchange directly without a separate adapter type.
func (ex *Exchange) ListActiveMarketIDs(ctx context.Context) ([]string, error) {
	return ex.marketStore.ListActiveMarketIDs(ctx)
}

// Restore rebuilds one market's cache and refreshes its orderbook_depth
// gauge, so both the maintenance sweep and any desync recovery keep that
// series honest (spec §10).
func (ex *Exchange) Restore(ctx context.Context, marketID string) error {
	if err := ex.cache.Restore(ctx, marketID); err != nil {
		return err
	}
	ex.updateDepthGauge(marketID)
	return nil
}

// updateDepthGauge reports the current resting-order count per side, the
// cheapest faithful proxy for "orderbook depth" the cache exposes without
// a dedicated counter per market/side.
func (ex *Exchange) updateDepthGauge(marketID string) {
	snap := ex.cache.GetOrderBook(marketID)
	ex.metrics.OrderbookDepth.WithLabelValues(marketID, domain.Bid.String()).Set(float64(len(snap.Bids)))
	ex.metrics.OrderbookDepth.WithLabelValues(marketID, domain.Ask.String()).Set(float64(len(snap.Asks)))
}

func (ex *Exchange) requireMarket(ctx context.Context, q sqlx.QueryerContext, marketID string) (*domain.Market, error) {
	m, err := ex.marketStore.GetMarket(ctx, q, marketID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrMarketNotFound, marketID)
	}
	return m, nil
}

// PlaceOrder implements spec §4.5/§4.6's full placeOrder flow under one
// per-market lock and one DB transaction.
func (ex *Exchange) PlaceOrder(ctx context.Context, marketID string, in matching.TakerInput) (*matching.Result, error) {
	start := time.Now()
	var placeErr error
	defer func() {
		ex.metrics.MatchingLatency.WithLabelValues(marketID).Observe(time.Since(start).Seconds())
		if placeErr != nil {
			ex.metrics.OrdersRejected.WithLabelValues(marketID, rejectReason(placeErr)).Inc()
		}
	}()

	market, err := ex.requireMarket(ctx, ex.marketStore.DB(), marketID)
	if err != nil {
		placeErr = err
		return nil, err
	}
	if err := matching.Validate(in, market.MaxQuantity); err != nil {
		placeErr = err
		return nil, err
	}

	reserveAssetID, reserveQty := reservation(market, in)

	result, err := concurrency.Execute(ctx, ex.controller, marketID, func(tx *sqlx.Tx) (concurrency.Outcome[*matching.Result], error) {
		ok, err := ex.holdingStore.Reserve(ctx, tx, in.AccountID, reserveAssetID, reserveQty)
		if err != nil {
			return concurrency.Outcome[*matching.Result]{}, err
		}
		if !ok {
			return concurrency.Outcome[*matching.Result]{}, fmt.Errorf("%w: reserve %s %s for account %s", domain.ErrInsufficientFunds, reserveQty, reserveAssetID, in.AccountID)
		}

		taker := domain.Order{
			ID:           matching.NewOrderID(),
			MarketID:     marketID,
			AccountID:    in.AccountID,
			Side:         in.Side,
			Price:        in.Price,
			Quantity:     in.Quantity,
			QuoteAssetID: in.QuoteAssetID,
			CreatedAt:    time.Now(),
		}

		res, err := ex.engine.PlaceOrder(ctx, tx, marketID, taker, market.MinQuantityIncrement)
		if err != nil {
			return concurrency.Outcome[*matching.Result]{}, err
		}

		if err := ex.settler.SettleAll(ctx, tx, *market, res.Matches); err != nil {
			return concurrency.Outcome[*matching.Result]{}, err
		}

		tradeRows := make([]domain.Trade, 0, len(res.Matches))
		for _, m := range res.Matches {
			tradeRows = append(tradeRows, domain.Trade{
				ID:             matching.NewOrderID(),
				MarketID:       marketID,
				TakerOrderID:   m.TakerOrderID,
				MakerOrderID:   m.MakerOrderID,
				TakerSide:      m.Side,
				Price:          m.Price,
				Quantity:       m.Quantity,
				TakerAccountID: m.TakerAccountID,
				MakerAccountID: m.MakerAccountID,
				CreatedAt:      m.Timestamp,
			})
		}
		if err := ex.tradeStore.BatchCreate(ctx, tx, tradeRows); err != nil {
			return concurrency.Outcome[*matching.Result]{}, err
		}

		return concurrency.Outcome[*matching.Result]{
			Value:     res,
			Reconcile: func() error { return ex.reconcileAfterPlace(ctx, marketID, taker, res) },
			Publish:   func() { ex.publishPlace(marketID, res, tradeRows) },
		}, nil
	})
	if err != nil {
		placeErr = err
		return nil, err
	}

	ex.metrics.OrdersPlaced.WithLabelValues(marketID, in.Side.String()).Inc()
	if n := len(result.Matches); n > 0 {
		ex.metrics.MatchesTotal.WithLabelValues(marketID).Add(float64(n))
		for _, m := range result.Matches {
			qty, _ := m.Quantity.Float64()
			ex.metrics.TradeVolume.WithLabelValues(marketID).Add(qty)
		}
	}
	return result, nil
}

// rejectReason maps a placeOrder error to a low-cardinality label value
// for the orders_rejected_total counter.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, domain.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrStorageError):
		return "storage_error"
	default:
		return "other"
	}
}

// reservation decides which asset and how much placeOrder must reserve
// before matching, per spec §4.6: bids reserve quote notional, asks
// reserve base quantity.
func reservation(market *domain.Market, in matching.TakerInput) (assetID string, qty decimal.Decimal) {
	if in.Side == domain.Bid {
		return market.QuoteAssetID, in.Price.Mul(in.Quantity)
	}
	return market.BaseAssetID, in.Quantity
}

// reconcileAfterPlace applies the same mutations the committed transaction
// made to C2, to C4, per spec §4.4's consistency policy. On any
// inconsistency it falls back to a full restore of the market.
func (ex *Exchange) reconcileAfterPlace(ctx context.Context, marketID string, taker domain.Order, res *matching.Result) error {
	desynced := false
	for _, id := range res.CompletedMakerIDs {
		ex.cache.Remove(marketID, id)
	}
	for _, u := range res.UpdatedMakers {
		if !ex.cache.Update(marketID, u.ID, u.Quantity) {
			desynced = true
		}
	}
	if res.RemainingOrder != nil {
		ex.cache.Add(marketID, *res.RemainingOrder)
	}
	if desynced {
		log.Warn().Str("marketId", marketID).Msg("cache desync detected during reconcile, rebuilding from order store")
		return ex.Restore(ctx, marketID)
	}
	ex.updateDepthGauge(marketID)
	return nil
}

// publishPlace queues the ORDER_MATCH and TRADE_EXECUTION event for every
// match, plus one ORDER_FILL event per side of each match (spec §4.8) —
// the taker's fill is only "complete" on the last match of the walk, and
// only if the taker order did not end up resting; a maker's fill is
// complete iff the walk fully consumed it.
func (ex *Exchange) publishPlace(marketID string, res *matching.Result, tradeRows []domain.Trade) {
	completedMakers := make(map[string]bool, len(res.CompletedMakerIDs))
	for _, id := range res.CompletedMakerIDs {
		completedMakers[id] = true
	}

	for i, m := range res.Matches {
		ex.publisher.Queue(events.Event{Type: events.OrderMatch, MarketID: marketID, Match: m})
		ex.publisher.Queue(events.Event{Type: events.TradeExecution, MarketID: marketID, Trade: tradeRows[i]})

		takerComplete := i == len(res.Matches)-1 && res.RemainingOrder == nil
		ex.publisher.Queue(events.Event{Type: events.OrderFill, MarketID: marketID, Fill: events.Fill{
			OrderID: m.TakerOrderID, Side: m.Side, Filled: m.Quantity,
			Remaining: m.TakerRemainingAfter, Price: m.Price, IsComplete: takerComplete,
		}})
		ex.publisher.Queue(events.Event{Type: events.OrderFill, MarketID: marketID, Fill: events.Fill{
			OrderID: m.MakerOrderID, Side: m.Side.Opposite(), Filled: m.Quantity,
			Remaining: m.MakerRemainingAfter, Price: m.Price, IsComplete: completedMakers[m.MakerOrderID],
		}})
	}
	ex.publisher.Flush()
}

// CancelOrder removes a resting order and releases its reservation, per
// spec §6. Returns false if the order no longer exists (already filled or
// previously cancelled) rather than erroring.
func (ex *Exchange) CancelOrder(ctx context.Context, marketID, orderID string) (bool, error) {
	market, err := ex.requireMarket(ctx, ex.marketStore.DB(), marketID)
	if err != nil {
		return false, err
	}

	cancelled, err := concurrency.Execute(ctx, ex.controller, marketID, func(tx *sqlx.Tx) (concurrency.Outcome[bool], error) {
		order, err := ex.orderStore.GetByID(ctx, tx, orderID)
		if err != nil {
			return concurrency.Outcome[bool]{}, err
		}
		if order == nil {
			return concurrency.Outcome[bool]{Value: false}, nil
		}

		if err := ex.orderStore.Delete(ctx, tx, orderID); err != nil {
			return concurrency.Outcome[bool]{}, err
		}

		releaseAssetID, releaseQty := reservation(market, matching.TakerInput{Side: order.Side, Price: order.Price, Quantity: order.Quantity})
		if err := ex.holdingStore.Release(ctx, tx, order.AccountID, releaseAssetID, releaseQty); err != nil {
			return concurrency.Outcome[bool]{}, err
		}

		return concurrency.Outcome[bool]{
			Value:     true,
			Reconcile: func() error { ex.cache.Remove(marketID, orderID); ex.updateDepthGauge(marketID); return nil },
			Publish:   func() {},
		}, nil
	})
	if err == nil && cancelled {
		ex.metrics.OrdersCancelled.WithLabelValues(marketID).Inc()
	}
	return cancelled, err
}

// GetOrderBook, BestBid/BestAsk/Spread/Depth, RecentTrades/LastTradePrice
// and ClearOrderBook are pure reads or administrative cache-only writes;
// none of them need the per-market lock.

func (ex *Exchange) GetOrderBook(marketID string) bookcache.Snapshot {
	return ex.cache.GetOrderBook(marketID)
}

func (ex *Exchange) BestBid(marketID string) (bookcache.Level, bool) { return ex.cache.BestBid(marketID) }
func (ex *Exchange) BestAsk(marketID string) (bookcache.Level, bool) { return ex.cache.BestAsk(marketID) }

func (ex *Exchange) Spread(marketID string) (decimal.Decimal, bool) {
	return ex.cache.Spread(marketID)
}

func (ex *Exchange) Depth(marketID string, levels int) (bids, asks []bookcache.DepthLevel) {
	return ex.cache.Depth(marketID, levels)
}

func (ex *Exchange) RecentTrades(ctx context.Context, marketID string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = ex.recentDefault
	}
	return ex.tradeStore.GetRecent(ctx, ex.tradeStore.DB(), marketID, limit)
}

func (ex *Exchange) LastTradePrice(ctx context.Context, marketID string) (*decimal.Decimal, error) {
	return ex.tradeStore.GetLastPrice(ctx, ex.tradeStore.DB(), marketID)
}

// ClearOrderBook drops marketID's cache without touching the Order Store.
// Administrative/test-only, per spec §6; a subsequent read rebuilds
// lazily only if the caller calls RestoreAll or Restore again.
func (ex *Exchange) ClearOrderBook(marketID string) {
	ex.cache.Clear(marketID)
}
