package bookcache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/domain"
)

type fakeSource struct {
	bids, asks []domain.Order
	err        error
}

func (f *fakeSource) GetByMarketAndSideForMatching(_ context.Context, _ string, side domain.Side) ([]domain.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	if side == domain.Bid {
		return f.bids, nil
	}
	return f.asks, nil
}

const mkt = "ETH-USDC"

func TestCache_AddUpdateRemove(t *testing.T) {
	c := New(&fakeSource{})

	o := domain.Order{ID: "o1", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("10"), Quantity: decimal.RequireFromString("5"), CreatedAt: time.Now()}
	c.Add(mkt, o)

	best, ok := c.BestBid(mkt)
	require.True(t, ok)
	assert.True(t, best.Quantity.Equal(decimal.RequireFromString("5")))

	assert.True(t, c.Update(mkt, "o1", decimal.RequireFromString("2")))
	best, _ = c.BestBid(mkt)
	assert.True(t, best.Quantity.Equal(decimal.RequireFromString("2")))

	assert.False(t, c.Update(mkt, "does-not-exist", decimal.RequireFromString("1")), "unknown order id reports desync")

	c.Remove(mkt, "o1")
	_, ok = c.BestBid(mkt)
	assert.False(t, ok)
}

func TestCache_BestBidAsk_And_Spread(t *testing.T) {
	c := New(&fakeSource{})
	c.Add(mkt, domain.Order{ID: "b1", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("99"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})
	c.Add(mkt, domain.Order{ID: "b2", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})
	c.Add(mkt, domain.Order{ID: "a1", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("102"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})
	c.Add(mkt, domain.Order{ID: "a2", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("101"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})

	bid, _ := c.BestBid(mkt)
	ask, _ := c.BestAsk(mkt)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("100")), "best bid is the highest price")
	assert.True(t, ask.Price.Equal(decimal.RequireFromString("101")), "best ask is the lowest price")

	spread, ok := c.Spread(mkt)
	require.True(t, ok)
	assert.True(t, spread.Equal(decimal.RequireFromString("1")))
}

func TestCache_Depth_AggregatesByPriceLevel(t *testing.T) {
	c := New(&fakeSource{})
	c.Add(mkt, domain.Order{ID: "a1", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("3"), CreatedAt: time.Now()})
	c.Add(mkt, domain.Order{ID: "a2", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("4"), CreatedAt: time.Now()})
	c.Add(mkt, domain.Order{ID: "a3", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("101"), Quantity: decimal.RequireFromString("2"), CreatedAt: time.Now()})

	_, asks := c.Depth(mkt, 10)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Price.Equal(decimal.RequireFromString("100")))
	assert.True(t, asks[0].Quantity.Equal(decimal.RequireFromString("7")), "both 100-level orders are summed")
	assert.True(t, asks[1].Price.Equal(decimal.RequireFromString("101")))
}

func TestCache_Restore_RebuildsFromSource(t *testing.T) {
	base := time.Now()
	src := &fakeSource{
		bids: []domain.Order{
			{ID: "b1", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("50"), Quantity: decimal.RequireFromString("1"), CreatedAt: base},
		},
		asks: []domain.Order{
			{ID: "a1", MarketID: mkt, Side: domain.Ask, Price: decimal.RequireFromString("55"), Quantity: decimal.RequireFromString("2"), CreatedAt: base},
		},
	}
	c := New(src)

	// Pre-populate with stale data that Restore must replace, not merge.
	c.Add(mkt, domain.Order{ID: "stale", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("1"), Quantity: decimal.RequireFromString("1"), CreatedAt: base})

	require.NoError(t, c.Restore(context.Background(), mkt))

	best, ok := c.BestBid(mkt)
	require.True(t, ok)
	assert.Equal(t, "b1", best.OrderID)

	snap := c.GetOrderBook(mkt)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)
}

func TestCache_ClearAndClearAll(t *testing.T) {
	c := New(&fakeSource{})
	c.Add(mkt, domain.Order{ID: "o1", MarketID: mkt, Side: domain.Bid, Price: decimal.RequireFromString("1"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})
	c.Add("other-market", domain.Order{ID: "o2", MarketID: "other-market", Side: domain.Bid, Price: decimal.RequireFromString("1"), Quantity: decimal.RequireFromString("1"), CreatedAt: time.Now()})

	c.Clear(mkt)
	_, ok := c.BestBid(mkt)
	assert.False(t, ok)
	_, ok = c.BestBid("other-market")
	assert.True(t, ok, "clearing one market leaves others intact")

	c.ClearAll()
	_, ok = c.BestBid("other-market")
	assert.False(t, ok)
}

func TestCache_Update_UnknownMarket_ReportsDesync(t *testing.T) {
	c := New(&fakeSource{})
	assert.False(t, c.Update("never-seen", "o1", decimal.RequireFromString("1")))
}
