// Package exit decides whether a held position should be sold, using the
// freshest price available: a pushed feed sample when it is recent enough,
// otherwise an order book pulled on demand.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/pricing"
	"github.com/alanyoungcy/polyguard/internal/ratelimit"
)

// Evaluate compares live to the position thresholds. Take-profit fires at
// or above TP, stop-loss at or below SL.
func Evaluate(p domain.Position, live float64) domain.ExitDecision {
	switch {
	case live >= p.TakeProfit:
		return domain.ExitTakeProfit
	case live <= p.StopLoss:
		return domain.ExitStopLoss
	default:
		return domain.ExitNone
	}
}

// LiveSource serves the latest pushed quote per token.
type LiveSource interface {
	Latest(tokenID string) (domain.Quote, bool)
}

// BookSource pulls an order book snapshot from the venue.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// Config holds evaluator tuning.
type Config struct {
	// Staleness is the maximum quote age accepted without marking the
	// decision degraded.
	Staleness   time.Duration
	CallTimeout time.Duration
}

// Result carries the decision together with the price it was based on.
type Result struct {
	Decision domain.ExitDecision
	Price    float64
	Quote    domain.Quote
	Degraded bool
	Age      time.Duration
}

// Evaluator resolves a live price for a position and evaluates it.
type Evaluator struct {
	live    LiveSource
	books   BookSource
	limiter ratelimit.Limiter
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Evaluator. live may be nil when no push feed runs.
func New(live LiveSource, books BookSource, limiter ratelimit.Limiter, cfg Config, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		live:    live,
		books:   books,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "exit_evaluator")),
	}
}

// Check resolves the live price of p and evaluates it. The price used is
// the best bid, since that is what a sell would hit. An error means no
// usable price exists this cycle (for example an empty book) and no
// decision should be acted on.
func (e *Evaluator) Check(ctx context.Context, p domain.Position) (Result, error) {
	now := e.now()

	var (
		feedQuote domain.Quote
		haveFeed  bool
	)
	if e.live != nil {
		feedQuote, haveFeed = e.live.Latest(p.TokenID)
	}

	q := feedQuote
	if !haveFeed || e.stale(feedQuote, now) {
		pulled, err := e.pull(ctx, p.TokenID)
		switch {
		case err == nil:
			q = pulled
		case haveFeed && !errors.Is(err, domain.ErrNoLiquidity):
			e.logger.WarnContext(ctx, "snapshot pull failed, using stale feed quote",
				slog.String("position_id", p.ID),
				slog.String("token_id", p.TokenID),
				slog.String("error", err.Error()),
			)
		default:
			return Result{}, err
		}
	}

	res := Result{
		Price:    q.BestBid,
		Quote:    q,
		Age:      q.Age(now),
		Degraded: e.stale(q, now),
	}
	res.Decision = Evaluate(p, res.Price)

	if res.Degraded {
		e.logger.WarnContext(ctx, "exit evaluated on stale price",
			slog.String("position_id", p.ID),
			slog.String("token_id", p.TokenID),
			slog.String("price_source", string(q.Source)),
			slog.Duration("age", res.Age),
			slog.Duration("staleness", e.cfg.Staleness),
			slog.String("decision", string(res.Decision)),
		)
	}
	return res, nil
}

func (e *Evaluator) stale(q domain.Quote, now time.Time) bool {
	return e.cfg.Staleness > 0 && q.Age(now) >= e.cfg.Staleness
}

// pull fetches a fresh book. The quote is stamped with the fetch time: the
// venue timestamp is the last book change, not the age of our view of it.
func (e *Evaluator) pull(ctx context.Context, tokenID string) (domain.Quote, error) {
	if e.books == nil {
		return domain.Quote{}, fmt.Errorf("exit: no book source for %s: %w", tokenID, domain.ErrTransientFetch)
	}
	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			return domain.Quote{}, fmt.Errorf("exit: rate limiter: %w", err)
		}
	}
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}
	snap, err := e.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("exit: fetch book %s: %w", tokenID, err)
	}
	if snap.AssetID == "" {
		snap.AssetID = tokenID
	}
	q, err := pricing.QuoteFromSnapshot(snap, domain.PriceSourceSnapshot)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("exit: %w", err)
	}
	q.ObservedAt = e.now()
	return q, nil
}
