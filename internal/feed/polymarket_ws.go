package feed

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
)

// Stream is the push side of the venue.
type Stream interface {
	Run(ctx context.Context) error
	SetAssets(ids []string) error
	OnBookUpdate(handler polymarket.BookUpdateHandler)
	OnPriceChange(handler polymarket.PriceChangeHandler)
}

// Holdings reports which tokens currently need live prices.
type Holdings interface {
	HeldTokens() map[string]bool
}

// PolymarketWSFeed keeps the WebSocket subscription in step with the held
// positions and feeds every frame into LivePrices.
type PolymarketWSFeed struct {
	stream   Stream
	live     *LivePrices
	holdings Holdings
	interval time.Duration
	logger   *slog.Logger
}

// NewPolymarketWSFeed wires stream into live. interval is how often the
// subscription is re-synced with holdings.
func NewPolymarketWSFeed(stream Stream, live *LivePrices, holdings Holdings, interval time.Duration, logger *slog.Logger) *PolymarketWSFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stream.OnBookUpdate(live.ApplySnapshot)
	stream.OnPriceChange(live.ApplyChange)
	return &PolymarketWSFeed{
		stream:   stream,
		live:     live,
		holdings: holdings,
		interval: interval,
		logger:   logger.With(slog.String("component", "polymarket_ws_feed")),
	}
}

// Run starts the stream and the sync loop and returns when ctx is
// cancelled or the stream fails for good.
func (f *PolymarketWSFeed) Run(ctx context.Context) error {
	f.Sync(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.stream.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				f.Sync(ctx)
			}
		}
	})
	return g.Wait()
}

// Sync subscribes to every held token, unsubscribes the rest, drops their
// books, and mirrors the remaining quotes to the cache.
func (f *PolymarketWSFeed) Sync(ctx context.Context) {
	held := f.holdings.HeldTokens()
	ids := make([]string, 0, len(held))
	for id := range held {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	if err := f.stream.SetAssets(ids); err != nil {
		f.logger.WarnContext(ctx, "feed subscription update failed",
			slog.Int("assets", len(ids)),
			slog.String("error", err.Error()),
		)
	}
	if dropped := f.live.Retain(held); dropped > 0 {
		f.logger.DebugContext(ctx, "dropped books for closed positions", slog.Int("dropped", dropped))
	}
	f.live.Mirror(ctx)
}
