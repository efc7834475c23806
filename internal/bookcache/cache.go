// Package bookcache implements the Order-Book Cache (C4): a fast
// per-market, per-side price-sorted view of resting orders, rebuildable
// from the Order Store at any time.
//
// Grounded directly on the teacher's internal/engine/orderbook.go, which
// keeps bids/asks as a github.com/tidwall/btree.BTreeG[*PriceLevel] sorted
// by `a.priceLevel > b.priceLevel` (bids) / `a.priceLevel < b.priceLevel`
// (asks). That shape is generalized here from one implicit book per
// process to one book per market, and an order-id index is added (absent
// in the teacher) so add/update/remove by order id do not require a
// linear scan, mirroring the Orders map in
// other_examples/…TanishqAgarwal…/internal/matching/engine.go.
//
// No concrete Redis client library appears anywhere in the reference pack
// (see DESIGN.md), so the cache keyspace spec §6 describes
// (orderbook:<marketId>:<side>, etc.) is realized as this in-process,
// mutex-guarded structure rather than a literal network round trip; the
// operations it exposes are exactly the ones spec §4.4 names.
package bookcache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"fenrir/internal/domain"
)

// Entry is one resting order as seen by the cache.
type Entry struct {
	OrderID   string
	AccountID string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      domain.Side
	CreatedAt time.Time
}

// priceLevel groups every resting order at one price, ordered by
// createdAt ascending (earlier first) — the teacher's "push-back'd" order
// list in internal/engine/orderbook.go.
type priceLevel struct {
	price   decimal.Decimal
	entries []*Entry
}

type levels = btree.BTreeG[*priceLevel]

// sideBook is one side (bids or asks) of one market's book.
type sideBook struct {
	tree    *levels
	byOrder map[string]*Entry
}

func newSideBook(less func(a, b *priceLevel) bool) *sideBook {
	return &sideBook{
		tree:    btree.NewBTreeG(less),
		byOrder: make(map[string]*Entry),
	}
}

func (b *sideBook) add(e *Entry) {
	dummy := &priceLevel{price: e.Price}
	lvl, ok := b.tree.Get(dummy)
	if !ok {
		lvl = &priceLevel{price: e.Price}
		b.tree.Set(lvl)
	}
	lvl.entries = append(lvl.entries, e)
	b.byOrder[e.OrderID] = e
}

func (b *sideBook) remove(orderID string) {
	e, ok := b.byOrder[orderID]
	if !ok {
		return
	}
	delete(b.byOrder, orderID)

	dummy := &priceLevel{price: e.Price}
	lvl, ok := b.tree.Get(dummy)
	if !ok {
		return
	}
	for i, entry := range lvl.entries {
		if entry.OrderID == orderID {
			lvl.entries = append(lvl.entries[:i], lvl.entries[i+1:]...)
			break
		}
	}
	if len(lvl.entries) == 0 {
		b.tree.Delete(lvl)
	}
}

func (b *sideBook) update(orderID string, newQty decimal.Decimal) bool {
	e, ok := b.byOrder[orderID]
	if !ok {
		return false
	}
	e.Quantity = newQty
	return true
}

func (b *sideBook) items() []*priceLevel {
	out := make([]*priceLevel, 0, b.tree.Len())
	b.tree.Scan(func(lvl *priceLevel) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

func (b *sideBook) best() (*Entry, bool) {
	lvl, ok := b.tree.Min()
	if !ok || len(lvl.entries) == 0 {
		return nil, false
	}
	return lvl.entries[0], true
}

// marketBook is both sides of one market's resting orders.
type marketBook struct {
	bids *sideBook
	asks *sideBook
}

func newMarketBook() *marketBook {
	return &marketBook{
		// Sorted greatest first, as in the teacher.
		bids: newSideBook(func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }),
		// Sorted least first.
		asks: newSideBook(func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }),
	}
}

func (m *marketBook) side(s domain.Side) *sideBook {
	if s == domain.Bid {
		return m.bids
	}
	return m.asks
}

// OrderSource is the subset of the Order Store the cache needs to rebuild
// itself (spec §4.2's getByMarketAndSideForMatching).
type OrderSource interface {
	GetByMarketAndSideForMatching(ctx context.Context, marketID string, side domain.Side) ([]domain.Order, error)
}

// Cache is the Order-Book Cache. It is safe for concurrent use; one mutex
// per market would reduce contention further, but spec §4.7 already
// serializes writes to a given market through the per-market lock, so a
// single map-protecting mutex here is sufficient — the matching walk
// itself never touches the cache concurrently with another call for the
// same market.
type Cache struct {
	mu      sync.RWMutex
	markets map[string]*marketBook
	source  OrderSource
}

func New(source OrderSource) *Cache {
	return &Cache{
		markets: make(map[string]*marketBook),
		source:  source,
	}
}

func (c *Cache) marketBookLocked(marketID string) *marketBook {
	mb, ok := c.markets[marketID]
	if !ok {
		mb = newMarketBook()
		c.markets[marketID] = mb
	}
	return mb
}

// Restore rebuilds one market's cache fully from the Order Store.
func (c *Cache) Restore(ctx context.Context, marketID string) error {
	bids, err := c.source.GetByMarketAndSideForMatching(ctx, marketID, domain.Bid)
	if err != nil {
		return err
	}
	asks, err := c.source.GetByMarketAndSideForMatching(ctx, marketID, domain.Ask)
	if err != nil {
		return err
	}

	mb := newMarketBook()
	for _, o := range bids {
		mb.bids.add(toEntry(o))
	}
	for _, o := range asks {
		mb.asks.add(toEntry(o))
	}

	c.mu.Lock()
	c.markets[marketID] = mb
	c.mu.Unlock()
	return nil
}

// RestoreAll rebuilds every named market, invoked at process start.
func (c *Cache) RestoreAll(ctx context.Context, marketIDs []string) error {
	for _, id := range marketIDs {
		if err := c.Restore(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func toEntry(o domain.Order) *Entry {
	return &Entry{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Side:      o.Side,
		CreatedAt: o.CreatedAt,
	}
}

func (c *Cache) Add(marketID string, o domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb := c.marketBookLocked(marketID)
	mb.side(o.Side).add(toEntry(o))
}

// Update reports false if orderID is not resident — the caller should
// treat that as a desync and trigger a restore.
func (c *Cache) Update(marketID string, orderID string, newQty decimal.Decimal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb, ok := c.markets[marketID]
	if !ok {
		return false
	}
	return mb.bids.update(orderID, newQty) || mb.asks.update(orderID, newQty)
}

func (c *Cache) Remove(marketID string, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb, ok := c.markets[marketID]
	if !ok {
		return
	}
	mb.bids.remove(orderID)
	mb.asks.remove(orderID)
}

// Level is one aggregated or individual order-book row.
type Level struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      domain.Side
	OrderID   string
	AccountID string
}

// Snapshot is both sides of a market's book in priority order.
type Snapshot struct {
	Bids        []Level
	Asks        []Level
	LastUpdated time.Time
}

// GetOrderBook returns both sides in priority order, one row per resting
// order (not aggregated — depth() aggregates; this does not).
func (c *Cache) GetOrderBook(marketID string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mb, ok := c.markets[marketID]
	if !ok {
		return Snapshot{LastUpdated: time.Now()}
	}
	return Snapshot{
		Bids:        flatten(mb.bids, domain.Bid),
		Asks:        flatten(mb.asks, domain.Ask),
		LastUpdated: time.Now(),
	}
}

func flatten(b *sideBook, side domain.Side) []Level {
	var out []Level
	for _, lvl := range b.items() {
		for _, e := range lvl.entries {
			out = append(out, Level{
				Price:     e.Price,
				Quantity:  e.Quantity,
				Side:      side,
				OrderID:   e.OrderID,
				AccountID: e.AccountID,
			})
		}
	}
	return out
}

func (c *Cache) BestBid(marketID string) (Level, bool) { return c.best(marketID, domain.Bid) }
func (c *Cache) BestAsk(marketID string) (Level, bool) { return c.best(marketID, domain.Ask) }

func (c *Cache) best(marketID string, side domain.Side) (Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mb, ok := c.markets[marketID]
	if !ok {
		return Level{}, false
	}
	e, ok := mb.side(side).best()
	if !ok {
		return Level{}, false
	}
	return Level{Price: e.Price, Quantity: e.Quantity, Side: side, OrderID: e.OrderID, AccountID: e.AccountID}, true
}

// Spread returns ask - bid; the second value is false if either side is
// empty.
func (c *Cache) Spread(marketID string) (decimal.Decimal, bool) {
	bid, ok1 := c.BestBid(marketID)
	ask, ok2 := c.BestAsk(marketID)
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth returns up to `levels` aggregated price levels per side.
func (c *Cache) Depth(marketID string, levels int) (bids []DepthLevel, asks []DepthLevel) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mb, ok := c.markets[marketID]
	if !ok {
		return nil, nil
	}
	bids = aggregate(mb.bids, levels)
	asks = aggregate(mb.asks, levels)
	return
}

func aggregate(b *sideBook, limit int) []DepthLevel {
	items := b.items()
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]DepthLevel, 0, len(items))
	for _, lvl := range items {
		total := decimal.Zero
		for _, e := range lvl.entries {
			total = total.Add(e.Quantity)
		}
		out = append(out, DepthLevel{Price: lvl.price, Quantity: total})
	}
	return out
}

func (c *Cache) Clear(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, marketID)
}

func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets = make(map[string]*marketBook)
}
