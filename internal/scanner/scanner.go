// Package scanner discovers entry candidates: it pages through the venue's
// market listing under the shared rate limiter, expands each market into its
// outcome tokens, and runs every token through the filter Pipeline.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/pricing"
	"github.com/alanyoungcy/polyguard/internal/ratelimit"
)

const scanLockKey = "scan"

// MarketLister retrieves one page of markets by offset.
type MarketLister interface {
	ListMarkets(ctx context.Context, offset, limit int) ([]domain.Market, error)
}

// Exclusions reports tokens that must not be offered again, such as tokens
// already held or blacklisted after a stop-loss.
type Exclusions interface {
	Excluded(tokenID string) bool
}

// Config holds scan sizing and fault tolerance settings.
type Config struct {
	PageSize               int
	MaxMarkets             int
	MaxDetailFetch         int
	MaxConsecutiveFailures int
	FetchTimeout           time.Duration
	Weights                ScoreWeights
}

// Result is the output of one scan cycle. Accepted is sorted by score,
// best first, with at most one outcome per market.
type Result struct {
	Accepted []domain.MarketCandidate
	Stats    domain.ScanStats
}

// Scanner runs scan cycles. One Scanner may be shared; concurrent scans are
// prevented by the scheduler and, across processes, by the optional lock.
type Scanner struct {
	lister     MarketLister
	pipeline   *Pipeline
	limiter    ratelimit.Limiter
	exclusions Exclusions
	cfg        Config
	logger     *slog.Logger

	lock    domain.LockManager
	lockTTL time.Duration

	mu           sync.RWMutex
	lastStats    domain.ScanStats
	lastAccepted []domain.MarketCandidate
}

// Option customises a Scanner.
type Option func(*Scanner)

// WithLock serialises scans across processes through a distributed lock.
func WithLock(lm domain.LockManager, ttl time.Duration) Option {
	return func(s *Scanner) {
		s.lock = lm
		s.lockTTL = ttl
	}
}

// New creates a Scanner. exclusions may be nil.
func New(lister MarketLister, pipeline *Pipeline, limiter ratelimit.Limiter, exclusions Exclusions, cfg Config, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		lister:     lister,
		pipeline:   pipeline,
		limiter:    limiter,
		exclusions: exclusions,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "scanner")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan pages through up to maxMarkets markets. A failed page is recorded
// and skipped; the scan only stops early after MaxConsecutiveFailures
// failed pages in a row or when ctx is done, in which case the partial
// result is returned together with the context error.
func (s *Scanner) Scan(ctx context.Context, pageSize, maxMarkets int) (Result, error) {
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	if maxMarkets <= 0 {
		maxMarkets = s.cfg.MaxMarkets
	}
	if pageSize <= 0 || maxMarkets <= 0 {
		return Result{}, fmt.Errorf("scanner: %w: page size %d, max markets %d", domain.ErrConfiguration, pageSize, maxMarkets)
	}

	if s.lock != nil {
		unlock, err := s.lock.Acquire(ctx, scanLockKey, s.lockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("scanner: acquire scan lock: %w", err)
		}
		defer unlock()
	}

	stats := domain.NewScanStats(time.Now())
	budget := NewDetailBudget(s.cfg.MaxDetailFetch)
	var (
		accepted    []domain.MarketCandidate
		consecutive int
		scanErr     error
	)

	for offset := 0; offset < maxMarkets && stats.MarketsSeen < maxMarkets; offset += pageSize {
		if err := ctx.Err(); err != nil {
			scanErr = err
			break
		}

		markets, err := s.fetchPage(ctx, offset, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				scanErr = ctx.Err()
				break
			}
			stats.PageFailures++
			consecutive++
			s.logger.WarnContext(ctx, "market page fetch failed",
				slog.Int("offset", offset),
				slog.Int("consecutive_failures", consecutive),
				slog.Bool("transient", domain.IsTransient(err)),
				slog.String("error", err.Error()),
			)
			if s.cfg.MaxConsecutiveFailures > 0 && consecutive >= s.cfg.MaxConsecutiveFailures {
				s.logger.WarnContext(ctx, "scan stopped after consecutive page failures",
					slog.Int("failures", consecutive),
				)
				break
			}
			continue
		}
		consecutive = 0
		stats.PagesFetched++
		if len(markets) == 0 {
			break
		}

		for i := range markets {
			if stats.MarketsSeen >= maxMarkets {
				break
			}
			stats.MarketsSeen++
			if best, ok := s.evaluateMarket(ctx, markets[i], budget, &stats); ok {
				accepted = append(accepted, best)
			}
		}

		if len(markets) < pageSize {
			break
		}
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Score > accepted[j].Score
	})
	stats.DetailFetches = budget.Used()
	stats.FinishedAt = time.Now()

	s.mu.Lock()
	s.lastStats = stats.Clone()
	s.lastAccepted = append([]domain.MarketCandidate(nil), accepted...)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scan complete",
		slog.Int("markets_seen", stats.MarketsSeen),
		slog.Int("pages_fetched", stats.PagesFetched),
		slog.Int("page_failures", stats.PageFailures),
		slog.Int("accepted", stats.Accepted),
		slog.Int("rejected", stats.Rejected),
		slog.Int("excluded", stats.Excluded),
		slog.Int("detail_fetches", stats.DetailFetches),
		slog.Any("reject_reasons", stats.RejectReasons),
		slog.Duration("elapsed", stats.FinishedAt.Sub(stats.StartedAt)),
	)

	res := Result{Accepted: accepted, Stats: stats}
	if scanErr != nil {
		return res, fmt.Errorf("scanner: scan interrupted: %w", scanErr)
	}
	return res, nil
}

// LastStats returns the statistics of the most recent completed scan.
func (s *Scanner) LastStats() domain.ScanStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStats.Clone()
}

// LastAccepted returns the ranked candidates of the most recent scan.
func (s *Scanner) LastAccepted() []domain.MarketCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.MarketCandidate(nil), s.lastAccepted...)
}

func (s *Scanner) fetchPage(ctx context.Context, offset, limit int) ([]domain.Market, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("scanner: rate limiter: %w", err)
	}
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	markets, err := s.lister.ListMarkets(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("scanner: list markets offset=%d: %w", offset, err)
	}
	return markets, nil
}

// evaluateMarket runs every outcome of m through the pipeline and returns
// the best accepted one.
func (s *Scanner) evaluateMarket(ctx context.Context, m domain.Market, budget *DetailBudget, stats *domain.ScanStats) (domain.MarketCandidate, bool) {
	if !m.Tradeable() {
		return domain.MarketCandidate{}, false
	}

	var (
		best  domain.MarketCandidate
		found bool
	)
	for _, c := range Candidates(m) {
		if s.exclusions != nil && c.TokenID != "" && s.exclusions.Excluded(c.TokenID) {
			stats.Excluded++
			continue
		}
		d := s.pipeline.Evaluate(ctx, &c, budget)
		stats.Record(d)
		if !d.Accepted {
			continue
		}
		c.Score = Score(c, s.cfg.Weights)
		if !found || c.Score > best.Score {
			best = c
			found = true
		}
	}
	return best, found
}

// Candidates expands a market into one candidate per outcome token. The
// market-level best bid/ask quote the first outcome; for a binary market
// the second outcome's book is the complement.
func Candidates(m domain.Market) []domain.MarketCandidate {
	out := make([]domain.MarketCandidate, 0, len(m.Tokens))
	for i, tok := range m.Tokens {
		c := domain.MarketCandidate{
			MarketID:  m.ID,
			TokenID:   tok.TokenID,
			Outcome:   tok.Outcome,
			Question:  m.Question,
			Odds:      tok.Price,
			Liquidity: m.Liquidity,
			Volume:    m.Volume,
			EndDate:   m.EndDate,
		}
		if m.BestBid > 0 && m.BestAsk > 0 {
			switch {
			case i == 0:
				c.BestBid, c.BestAsk = m.BestBid, m.BestAsk
			case i == 1 && len(m.Tokens) == 2:
				c.BestBid, c.BestAsk = 1-m.BestAsk, 1-m.BestBid
			}
		}
		if spread, ok := pricing.SpreadPercent(c.BestBid, c.BestAsk); ok {
			c.SpreadPercent = spread
			c.HasSpread = true
			if c.Odds <= 0 {
				c.Odds = pricing.Mid(c.BestBid, c.BestAsk)
			}
		}
		out = append(out, c)
	}
	return out
}

// Limited wraps a DetailFetcher so every order book pull goes through the
// shared limiter and carries a timeout.
func Limited(f DetailFetcher, limiter ratelimit.Limiter, timeout time.Duration) DetailFetcher {
	return &limitedFetcher{inner: f, limiter: limiter, timeout: timeout}
}

type limitedFetcher struct {
	inner   DetailFetcher
	limiter ratelimit.Limiter
	timeout time.Duration
}

func (l *limitedFetcher) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	if err := l.limiter.Acquire(ctx); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("scanner: rate limiter: %w", err)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.inner.GetOrderBook(ctx, tokenID)
}
