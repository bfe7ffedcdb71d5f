// Package feed turns the venue's push order-book stream into the latest
// quote per held token.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/pricing"
)

// localBook is the reconstructed book for one asset, keyed by price.
type localBook struct {
	bids map[float64]float64
	asks map[float64]float64
	ts   time.Time
}

// LivePrices keeps a local book per asset built from snapshots and level
// changes. Changes for an asset that has had no snapshot yet are ignored.
type LivePrices struct {
	mu     sync.RWMutex
	books  map[string]*localBook
	cache  domain.QuoteCache
	logger *slog.Logger
}

// NewLivePrices creates an empty LivePrices.
func NewLivePrices(logger *slog.Logger) *LivePrices {
	return &LivePrices{
		books:  make(map[string]*localBook),
		logger: logger.With(slog.String("component", "live_prices")),
	}
}

// WithQuoteCache mirrors quotes into cache on every Mirror call.
func (l *LivePrices) WithQuoteCache(cache domain.QuoteCache) *LivePrices {
	l.cache = cache
	return l
}

// ApplySnapshot replaces the book for snap.AssetID.
func (l *LivePrices) ApplySnapshot(snap domain.OrderbookSnapshot) {
	if snap.AssetID == "" {
		return
	}
	b := &localBook{
		bids: make(map[float64]float64, len(snap.Bids)),
		asks: make(map[float64]float64, len(snap.Asks)),
		ts:   snap.Timestamp,
	}
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}

	l.mu.Lock()
	l.books[snap.AssetID] = b
	l.mu.Unlock()
}

// ApplyChange sets or removes one level. A zero size removes the level.
func (l *LivePrices) ApplyChange(c domain.PriceChange) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[c.AssetID]
	if !ok {
		return
	}
	side := b.bids
	switch c.Side {
	case string(domain.OrderSideBuy):
	case string(domain.OrderSideSell):
		side = b.asks
	default:
		return
	}
	if c.Size <= 0 {
		delete(side, c.Price)
	} else {
		side[c.Price] = c.Size
	}
	if c.Timestamp.After(b.ts) {
		b.ts = c.Timestamp
	}
}

// Latest returns the reduced quote for tokenID. It reports false when no
// book is held or the book has no usable bid.
func (l *LivePrices) Latest(tokenID string) (domain.Quote, bool) {
	l.mu.RLock()
	b, ok := l.books[tokenID]
	if !ok {
		l.mu.RUnlock()
		return domain.Quote{}, false
	}
	snap := b.snapshot(tokenID)
	l.mu.RUnlock()

	q, err := pricing.QuoteFromSnapshot(snap, domain.PriceSourceFeed)
	if err != nil {
		return domain.Quote{}, false
	}
	return q, true
}

// Retain drops books for assets not in keep.
func (l *LivePrices) Retain(keep map[string]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for id := range l.books {
		if !keep[id] {
			delete(l.books, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of books held.
func (l *LivePrices) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.books)
}

// Mirror writes the current quote of every book to the quote cache.
func (l *LivePrices) Mirror(ctx context.Context) int {
	if l.cache == nil {
		return 0
	}
	l.mu.RLock()
	ids := make([]string, 0, len(l.books))
	for id := range l.books {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	n := 0
	for _, id := range ids {
		q, ok := l.Latest(id)
		if !ok {
			continue
		}
		if err := l.cache.SetQuote(ctx, q); err != nil {
			l.logger.WarnContext(ctx, "quote cache write failed",
				slog.String("asset_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	return n
}

func (b *localBook) snapshot(assetID string) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		AssetID:   assetID,
		Bids:      make([]domain.PriceLevel, 0, len(b.bids)),
		Asks:      make([]domain.PriceLevel, 0, len(b.asks)),
		Timestamp: b.ts,
	}
	for p, s := range b.bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: p, Size: s})
	}
	for p, s := range b.asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: p, Size: s})
	}
	return snap
}
