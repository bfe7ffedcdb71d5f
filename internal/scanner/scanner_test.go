package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return ctx.Err()
}

// pagedLister serves fixed pages and fails the pages listed in failAt.
type pagedLister struct {
	mu     sync.Mutex
	pages  [][]domain.Market
	failAt map[int]bool
	calls  []int
}

func (l *pagedLister) ListMarkets(_ context.Context, offset, limit int) ([]domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	page := offset / limit
	l.calls = append(l.calls, page)
	if l.failAt[page] {
		return nil, fmt.Errorf("%w: 502 bad gateway", domain.ErrTransientFetch)
	}
	if page >= len(l.pages) {
		return nil, nil
	}
	return l.pages[page], nil
}

func market(id string, volume float64, tokens ...domain.OutcomeToken) domain.Market {
	end := time.Now().Add(5 * 24 * time.Hour)
	if len(tokens) == 0 {
		tokens = []domain.OutcomeToken{{TokenID: "tok-" + id, Outcome: "Yes", Price: 0.5}}
	}
	return domain.Market{
		ID:        id,
		Question:  "Will " + id + " happen?",
		Tokens:    tokens,
		Volume:    volume,
		Liquidity: 1000,
		BestBid:   0.49,
		BestAsk:   0.51,
		Status:    domain.MarketStatusActive,
		EndDate:   &end,
	}
}

func buildPages(n, size int) [][]domain.Market {
	pages := make([][]domain.Market, n)
	for p := range pages {
		for i := 0; i < size; i++ {
			pages[p] = append(pages[p], market(fmt.Sprintf("p%d-m%d", p, i), 500))
		}
	}
	return pages
}

func newTestScanner(lister MarketLister, limiter *countingLimiter, excl Exclusions, cfg Config, opts ...Option) *Scanner {
	pipeline := NewPipeline(defaultFilter(), nil, slog.New(slog.DiscardHandler))
	if cfg.Weights == (ScoreWeights{}) {
		cfg.Weights = DefaultScoreWeights()
	}
	return New(lister, pipeline, limiter, excl, cfg, slog.New(slog.DiscardHandler), opts...)
}

func TestScanSurvivesFailedPage(t *testing.T) {
	lister := &pagedLister{pages: buildPages(5, 2), failAt: map[int]bool{1: true}}
	limiter := &countingLimiter{}
	s := newTestScanner(lister, limiter, nil, Config{MaxConsecutiveFailures: 3})

	res, err := s.Scan(context.Background(), 2, 10)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, lister.calls)
	assert.Equal(t, 5, limiter.calls, "limiter acquired before every page")
	assert.Equal(t, 1, res.Stats.PageFailures)
	assert.Equal(t, 4, res.Stats.PagesFetched)
	require.Len(t, res.Accepted, 8)

	got := map[string]bool{}
	for _, c := range res.Accepted {
		got[c.MarketID] = true
	}
	for _, page := range []int{0, 2, 3, 4} {
		for i := 0; i < 2; i++ {
			assert.True(t, got[fmt.Sprintf("p%d-m%d", page, i)])
		}
	}
	assert.False(t, got["p1-m0"])
	assert.Equal(t, 1, s.LastStats().PageFailures)
}

func TestScanStopsAfterConsecutiveFailures(t *testing.T) {
	lister := &pagedLister{pages: buildPages(5, 2), failAt: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{MaxConsecutiveFailures: 2})

	res, err := s.Scan(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Len(t, lister.calls, 2)
	assert.Equal(t, 2, res.Stats.PageFailures)
	assert.Empty(t, res.Accepted)
}

func TestScanStopsAtExhaustionAndMaxMarkets(t *testing.T) {
	pages := buildPages(2, 3)
	pages[1] = pages[1][:1]
	lister := &pagedLister{pages: pages}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{})

	res, err := s.Scan(context.Background(), 3, 100)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, lister.calls)
	assert.Equal(t, 4, res.Stats.MarketsSeen)

	lister = &pagedLister{pages: buildPages(5, 3)}
	s = newTestScanner(lister, &countingLimiter{}, nil, Config{})
	res, err = s.Scan(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Stats.MarketsSeen)
	assert.Len(t, res.Accepted, 4)
}

func TestScanEvaluatesEveryOutcome(t *testing.T) {
	m := market("multi", 500,
		domain.OutcomeToken{TokenID: "a", Outcome: "A", Price: 0.85},
		domain.OutcomeToken{TokenID: "b", Outcome: "B", Price: 0.45},
		domain.OutcomeToken{TokenID: "c", Outcome: "C", Price: 0.05},
	)
	lister := &pagedLister{pages: [][]domain.Market{{m}}}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{})

	res, err := s.Scan(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "b", res.Accepted[0].TokenID)
	assert.Equal(t, 3, res.Stats.Evaluated)
	assert.Equal(t, 2, res.Stats.RejectReasons[domain.RejectOddsOutOfRange])
}

type setExclusions map[string]bool

func (s setExclusions) Excluded(tokenID string) bool { return s[tokenID] }

func TestScanSkipsExcludedTokens(t *testing.T) {
	lister := &pagedLister{pages: [][]domain.Market{{market("held", 500), market("free", 500)}}}
	s := newTestScanner(lister, &countingLimiter{}, setExclusions{"tok-held": true}, Config{})

	res, err := s.Scan(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "free", res.Accepted[0].MarketID)
	assert.Equal(t, 1, res.Stats.Excluded)
}

func TestScanRanksByScore(t *testing.T) {
	lister := &pagedLister{pages: [][]domain.Market{{market("thin", 100), market("deep", 5000)}}}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{})

	res, err := s.Scan(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	assert.Equal(t, "deep", res.Accepted[0].MarketID)
	assert.Greater(t, res.Accepted[0].Score, res.Accepted[1].Score)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestScanRespectsDistributedLock(t *testing.T) {
	lister := &pagedLister{pages: buildPages(1, 1)}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{}, WithLock(heldLock{}, time.Minute))

	_, err := s.Scan(context.Background(), 10, 10)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.Empty(t, lister.calls)
}

func TestScanReturnsPartialResultOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lister := &pagedLister{pages: buildPages(2, 2)}
	s := newTestScanner(lister, &countingLimiter{}, nil, Config{})

	res, err := s.Scan(ctx, 2, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Accepted)
}

func TestCandidatesComplementSecondOutcome(t *testing.T) {
	m := market("bin", 500,
		domain.OutcomeToken{TokenID: "yes", Outcome: "Yes", Price: 0.5},
		domain.OutcomeToken{TokenID: "no", Outcome: "No", Price: 0.5},
	)
	cs := Candidates(m)
	require.Len(t, cs, 2)
	assert.InDelta(t, 0.49, cs[0].BestBid, 1e-9)
	assert.InDelta(t, 0.49, cs[1].BestBid, 1e-9)
	assert.InDelta(t, 0.51, cs[1].BestAsk, 1e-9)
	assert.True(t, cs[1].HasSpread)
}

func TestScore(t *testing.T) {
	c := domain.MarketCandidate{Odds: 0.35, SpreadPercent: 3, HasSpread: true, Volume: 500, DaysToResolve: 7}
	// spread 70, volume 50, odds 75, time 76.67
	assert.InDelta(t, 65.67, Score(c, DefaultScoreWeights()), 0.01)
	assert.Zero(t, Score(c, ScoreWeights{}))
}
