package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestLatestReducesUnorderedLevels(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	live := NewLivePrices(discard())
	live.ApplySnapshot(domain.OrderbookSnapshot{
		AssetID: "tok",
		Bids: []domain.PriceLevel{
			{Price: 0.01, Size: 500},
			{Price: 0.58, Size: 10},
			{Price: 0.55, Size: 30},
		},
		Asks: []domain.PriceLevel{
			{Price: 0.99, Size: 100},
			{Price: 0.61, Size: 20},
		},
		Timestamp: ts,
	})

	q, ok := live.Latest("tok")
	require.True(t, ok)
	assert.Equal(t, 0.58, q.BestBid)
	assert.Equal(t, 0.61, q.BestAsk)
	assert.True(t, q.HasAsk)
	assert.Equal(t, domain.PriceSourceFeed, q.Source)
	assert.Equal(t, ts, q.ObservedAt)

	_, ok = live.Latest("unknown")
	assert.False(t, ok)
}

func TestApplyChange(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	live := NewLivePrices(discard())

	// Changes before the first snapshot are dropped.
	live.ApplyChange(domain.PriceChange{AssetID: "tok", Side: "BUY", Price: 0.5, Size: 1, Timestamp: ts})
	assert.Equal(t, 0, live.Len())

	live.ApplySnapshot(domain.OrderbookSnapshot{
		AssetID:   "tok",
		Bids:      []domain.PriceLevel{{Price: 0.50, Size: 10}},
		Asks:      []domain.PriceLevel{{Price: 0.55, Size: 10}},
		Timestamp: ts,
	})

	live.ApplyChange(domain.PriceChange{AssetID: "tok", Side: "BUY", Price: 0.52, Size: 4, Timestamp: ts.Add(time.Second)})
	q, ok := live.Latest("tok")
	require.True(t, ok)
	assert.Equal(t, 0.52, q.BestBid)
	assert.Equal(t, ts.Add(time.Second), q.ObservedAt)

	live.ApplyChange(domain.PriceChange{AssetID: "tok", Side: "BUY", Price: 0.52, Size: 0, Timestamp: ts.Add(2 * time.Second)})
	q, _ = live.Latest("tok")
	assert.Equal(t, 0.50, q.BestBid)

	live.ApplyChange(domain.PriceChange{AssetID: "tok", Side: "SELL", Price: 0.55, Size: 0, Timestamp: ts.Add(3 * time.Second)})
	q, ok = live.Latest("tok")
	require.True(t, ok)
	assert.False(t, q.HasAsk)

	live.ApplyChange(domain.PriceChange{AssetID: "tok", Side: "BUY", Price: 0.50, Size: 0, Timestamp: ts.Add(4 * time.Second)})
	_, ok = live.Latest("tok")
	assert.False(t, ok, "no bids left")
}

func TestRetain(t *testing.T) {
	live := NewLivePrices(discard())
	for _, id := range []string{"a", "b", "c"} {
		live.ApplySnapshot(domain.OrderbookSnapshot{AssetID: id, Bids: []domain.PriceLevel{{Price: 0.4, Size: 1}}})
	}
	assert.Equal(t, 2, live.Retain(map[string]bool{"b": true}))
	assert.Equal(t, 1, live.Len())
}

type memQuotes struct {
	mu   sync.Mutex
	set  map[string]domain.Quote
	fail bool
}

func (m *memQuotes) SetQuote(_ context.Context, q domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	if m.set == nil {
		m.set = make(map[string]domain.Quote)
	}
	m.set[q.AssetID] = q
	return nil
}

func (m *memQuotes) GetQuote(_ context.Context, id string) (domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.set[id]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func TestMirror(t *testing.T) {
	cache := &memQuotes{}
	live := NewLivePrices(discard()).WithQuoteCache(cache)
	live.ApplySnapshot(domain.OrderbookSnapshot{AssetID: "a", Bids: []domain.PriceLevel{{Price: 0.4, Size: 1}}})
	live.ApplySnapshot(domain.OrderbookSnapshot{AssetID: "empty"})

	assert.Equal(t, 1, live.Mirror(context.Background()))
	q, err := cache.GetQuote(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0.4, q.BestBid)

	cache.fail = true
	assert.Equal(t, 0, live.Mirror(context.Background()))
}

type fakeStream struct {
	mu      sync.Mutex
	assets  [][]string
	onBook  polymarket.BookUpdateHandler
	onPrice polymarket.PriceChangeHandler
}

func (f *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeStream) SetAssets(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, ids)
	return nil
}

func (f *fakeStream) OnBookUpdate(h polymarket.BookUpdateHandler) { f.onBook = h }
func (f *fakeStream) OnPriceChange(h polymarket.PriceChangeHandler) { f.onPrice = h }

type staticHoldings map[string]bool

func (s staticHoldings) HeldTokens() map[string]bool { return s }

func TestFeedSyncsSubscriptionWithHoldings(t *testing.T) {
	stream := &fakeStream{}
	live := NewLivePrices(discard())
	f := NewPolymarketWSFeed(stream, live, staticHoldings{"b": true, "a": true}, time.Hour, discard())

	stream.onBook(domain.OrderbookSnapshot{AssetID: "a", Bids: []domain.PriceLevel{{Price: 0.3, Size: 1}}})
	stream.onBook(domain.OrderbookSnapshot{AssetID: "gone", Bids: []domain.PriceLevel{{Price: 0.3, Size: 1}}})
	stream.onPrice(domain.PriceChange{AssetID: "a", Side: "BUY", Price: 0.35, Size: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return len(stream.assets) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a", "b"}, stream.assets[0])
	assert.Equal(t, 1, live.Len())
	q, ok := live.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 0.35, q.BestBid)
}
