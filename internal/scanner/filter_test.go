package scanner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func defaultFilter() FilterConfig {
	return FilterConfig{
		MinOdds:          0.30,
		MaxOdds:          0.70,
		MinDays:          0,
		MaxDays:          30,
		MinLiquidityUSD:  100,
		MaxSpreadPercent: 5,
	}
}

func newTestPipeline(cfg FilterConfig, detail DetailFetcher) *Pipeline {
	p := NewPipeline(cfg, detail, slog.New(slog.DiscardHandler))
	p.now = func() time.Time { return testNow }
	return p
}

func inDays(d float64) *time.Time {
	t := testNow.Add(time.Duration(d * 24 * float64(time.Hour)))
	return &t
}

func goodCandidate() domain.MarketCandidate {
	return domain.MarketCandidate{
		MarketID:      "m1",
		TokenID:       "tok1",
		Odds:          0.50,
		BestBid:       0.49,
		BestAsk:       0.51,
		SpreadPercent: 4,
		HasSpread:     true,
		Liquidity:     500,
		Volume:        2000,
		EndDate:       inDays(7),
	}
}

type stubDetail struct {
	snap  domain.OrderbookSnapshot
	err   error
	calls int
}

func (s *stubDetail) GetOrderBook(_ context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	s.calls++
	if s.err != nil {
		return domain.OrderbookSnapshot{}, s.err
	}
	snap := s.snap
	snap.AssetID = tokenID
	return snap, nil
}

func TestPipelineStages(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*FilterConfig)
		mutate func(*domain.MarketCandidate)
		want   domain.FilterDecision
	}{
		{
			name: "accepts candidate inside every threshold",
			want: domain.Accept(),
		},
		{
			name:   "odds below configured minimum",
			cfg:    func(c *FilterConfig) { c.MinOdds = 0.60 },
			mutate: func(c *domain.MarketCandidate) { c.Odds = 0.45 },
			want:   domain.Reject(domain.RejectOddsOutOfRange, 0.45, 0.60),
		},
		{
			name:   "odds above maximum",
			mutate: func(c *domain.MarketCandidate) { c.Odds = 0.82 },
			want:   domain.Reject(domain.RejectOddsOutOfRange, 0.82, 0.70),
		},
		{
			name:   "missing odds fail the odds check",
			mutate: func(c *domain.MarketCandidate) { c.Odds = 0 },
			want:   domain.Reject(domain.RejectOddsOutOfRange, 0, 0.30),
		},
		{
			name:   "missing end date resolves too far",
			mutate: func(c *domain.MarketCandidate) { c.EndDate = nil },
			want:   domain.Reject(domain.RejectResolvesTooFar, -1, 30),
		},
		{
			name:   "resolves beyond max days",
			mutate: func(c *domain.MarketCandidate) { c.EndDate = inDays(40) },
			want:   domain.Reject(domain.RejectResolvesTooFar, 40, 30),
		},
		{
			name:   "resolves before min days",
			cfg:    func(c *FilterConfig) { c.MinDays = 2 },
			mutate: func(c *domain.MarketCandidate) { c.EndDate = inDays(1) },
			want:   domain.Reject(domain.RejectResolvesTooSoon, 1, 2),
		},
		{
			name:   "insufficient liquidity",
			mutate: func(c *domain.MarketCandidate) { c.Liquidity = 50 },
			want:   domain.Reject(domain.RejectInsufficientLiquidity, 50, 100),
		},
		{
			name:   "spread too wide",
			mutate: func(c *domain.MarketCandidate) { c.SpreadPercent = 12 },
			want:   domain.Reject(domain.RejectSpreadTooWide, 12, 5),
		},
		{
			name:   "missing token id",
			mutate: func(c *domain.MarketCandidate) { c.TokenID = "" },
			want:   domain.Reject(domain.RejectDetailFetchUnavailable, 0, 0),
		},
		{
			name: "odds checked before liquidity",
			mutate: func(c *domain.MarketCandidate) {
				c.Odds = 0.9
				c.Liquidity = 0
			},
			want: domain.Reject(domain.RejectOddsOutOfRange, 0.9, 0.70),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultFilter()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			c := goodCandidate()
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			got := newTestPipeline(cfg, nil).Evaluate(context.Background(), &c, NewDetailBudget(0))
			assert.Equal(t, tt.want.Accepted, got.Accepted)
			assert.Equal(t, tt.want.Reason, got.Reason)
			assert.InDelta(t, tt.want.Value, got.Value, 1e-6)
			assert.InDelta(t, tt.want.Threshold, got.Threshold, 1e-6)
		})
	}
}

func TestPipelineDetailStage(t *testing.T) {
	book := domain.OrderbookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.40, Size: 10}, {Price: 0.48, Size: 5}},
		Asks: []domain.PriceLevel{{Price: 0.60, Size: 10}, {Price: 0.50, Size: 5}},
	}
	noSpread := func() domain.MarketCandidate {
		c := goodCandidate()
		c.BestBid, c.BestAsk, c.SpreadPercent, c.HasSpread = 0, 0, 0, false
		return c
	}

	t.Run("enriches from the order book", func(t *testing.T) {
		detail := &stubDetail{snap: book}
		c := noSpread()
		d := newTestPipeline(defaultFilter(), detail).Evaluate(context.Background(), &c, NewDetailBudget(1))
		require.True(t, d.Accepted)
		assert.Equal(t, 1, detail.calls)
		assert.True(t, c.Detailed)
		assert.InDelta(t, 0.48, c.BestBid, 1e-9)
		assert.InDelta(t, 0.50, c.BestAsk, 1e-9)
		assert.InDelta(t, 0.49, c.Odds, 1e-9)
	})

	t.Run("zero budget skips the stage", func(t *testing.T) {
		detail := &stubDetail{snap: book}
		c := noSpread()
		d := newTestPipeline(defaultFilter(), detail).Evaluate(context.Background(), &c, NewDetailBudget(0))
		assert.True(t, d.Accepted)
		assert.Zero(t, detail.calls)
		assert.False(t, c.Detailed)
		assert.True(t, c.NeedsDetail)
	})

	t.Run("exhausted budget skips later candidates", func(t *testing.T) {
		detail := &stubDetail{snap: book}
		p := newTestPipeline(defaultFilter(), detail)
		budget := NewDetailBudget(1)
		first, second := noSpread(), noSpread()
		assert.True(t, p.Evaluate(context.Background(), &first, budget).Accepted)
		assert.True(t, p.Evaluate(context.Background(), &second, budget).Accepted)
		assert.Equal(t, 1, detail.calls)
		assert.Equal(t, 1, budget.Used())
		assert.True(t, first.Detailed)
		assert.False(t, second.Detailed)
	})

	t.Run("fetch failure rejects the candidate", func(t *testing.T) {
		detail := &stubDetail{err: errors.New("boom")}
		c := noSpread()
		d := newTestPipeline(defaultFilter(), detail).Evaluate(context.Background(), &c, NewDetailBudget(3))
		assert.False(t, d.Accepted)
		assert.Equal(t, domain.RejectDetailFetchUnavailable, d.Reason)
	})

	t.Run("wide book spread rejects", func(t *testing.T) {
		wide := domain.OrderbookSnapshot{
			Bids: []domain.PriceLevel{{Price: 0.40, Size: 10}},
			Asks: []domain.PriceLevel{{Price: 0.55, Size: 10}},
		}
		c := noSpread()
		d := newTestPipeline(defaultFilter(), &stubDetail{snap: wide}).Evaluate(context.Background(), &c, NewDetailBudget(1))
		assert.False(t, d.Accepted)
		assert.Equal(t, domain.RejectSpreadTooWide, d.Reason)
	})
}

func TestFilterConfigValidate(t *testing.T) {
	assert.NoError(t, defaultFilter().Validate())

	bad := defaultFilter()
	bad.MinOdds = 0.8
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfiguration)

	bad = defaultFilter()
	bad.MinDays = 40
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfiguration)
}
