package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/pricing"
)

// FilterConfig holds the acceptance thresholds applied to every candidate.
type FilterConfig struct {
	MinOdds          float64
	MaxOdds          float64
	MinDays          float64
	MaxDays          float64
	MinLiquidityUSD  float64
	MaxSpreadPercent float64
}

// Validate checks threshold ordering.
func (c FilterConfig) Validate() error {
	if c.MinOdds < 0 || c.MaxOdds > 1 || c.MinOdds > c.MaxOdds {
		return fmt.Errorf("scanner: %w: odds range [%.2f, %.2f]", domain.ErrConfiguration, c.MinOdds, c.MaxOdds)
	}
	if c.MinDays < 0 || c.MaxDays <= 0 || c.MinDays > c.MaxDays {
		return fmt.Errorf("scanner: %w: days range [%.1f, %.1f]", domain.ErrConfiguration, c.MinDays, c.MaxDays)
	}
	if c.MaxSpreadPercent <= 0 {
		return fmt.Errorf("scanner: %w: max spread %.2f", domain.ErrConfiguration, c.MaxSpreadPercent)
	}
	return nil
}

// DetailFetcher pulls the full order book for one outcome token. It is the
// expensive call the detail stage budgets.
type DetailFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// DetailBudget caps detail fetches within one scan cycle. Safe for
// concurrent use.
type DetailBudget struct {
	mu        sync.Mutex
	remaining int
	used      int
}

// NewDetailBudget returns a budget of n fetches. n <= 0 disables the detail
// stage.
func NewDetailBudget(n int) *DetailBudget {
	if n < 0 {
		n = 0
	}
	return &DetailBudget{remaining: n}
}

// Take consumes one fetch, reporting false when the budget is spent.
func (b *DetailBudget) Take() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	b.used++
	return true
}

// Used returns how many fetches were consumed.
func (b *DetailBudget) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Pipeline runs the filter stages in fixed order, cheapest first, stopping
// at the first rejection.
type Pipeline struct {
	cfg    FilterConfig
	detail DetailFetcher
	now    func() time.Time
	logger *slog.Logger
}

// NewPipeline creates a Pipeline. detail may be nil, in which case the
// detail stage is always skipped.
func NewPipeline(cfg FilterConfig, detail DetailFetcher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		detail: detail,
		now:    time.Now,
		logger: logger.With(slog.String("component", "filter")),
	}
}

// Evaluate classifies c. It fills in derived fields (days to resolve, and
// order book prices when the detail stage runs) and never returns an error:
// malformed candidates are rejected instead.
func (p *Pipeline) Evaluate(ctx context.Context, c *domain.MarketCandidate, budget *DetailBudget) domain.FilterDecision {
	d := p.evaluate(ctx, c, budget)
	if !d.Accepted {
		p.logger.DebugContext(ctx, "candidate rejected",
			slog.String("market_id", c.MarketID),
			slog.String("token_id", c.TokenID),
			slog.String("reason", string(d.Reason)),
			slog.Float64("value", d.Value),
			slog.Float64("threshold", d.Threshold),
		)
	}
	return d
}

func (p *Pipeline) evaluate(ctx context.Context, c *domain.MarketCandidate, budget *DetailBudget) domain.FilterDecision {
	if c.TokenID == "" {
		return domain.Reject(domain.RejectDetailFetchUnavailable, 0, 0)
	}
	if d := p.checkOdds(c.Odds); !d.Accepted {
		return d
	}
	if d := p.checkDays(c); !d.Accepted {
		return d
	}
	if d := p.checkLiquidity(c); !d.Accepted {
		return d
	}
	return p.enrich(ctx, c, budget)
}

func (p *Pipeline) checkOdds(odds float64) domain.FilterDecision {
	if math.IsNaN(odds) || odds <= 0 {
		return domain.Reject(domain.RejectOddsOutOfRange, 0, p.cfg.MinOdds)
	}
	if odds < p.cfg.MinOdds {
		return domain.Reject(domain.RejectOddsOutOfRange, odds, p.cfg.MinOdds)
	}
	if odds > p.cfg.MaxOdds {
		return domain.Reject(domain.RejectOddsOutOfRange, odds, p.cfg.MaxOdds)
	}
	return domain.Accept()
}

func (p *Pipeline) checkDays(c *domain.MarketCandidate) domain.FilterDecision {
	if c.EndDate == nil {
		// No end date reads as unbounded time to resolution.
		return domain.Reject(domain.RejectResolvesTooFar, -1, p.cfg.MaxDays)
	}
	days := c.EndDate.Sub(p.now()).Hours() / 24
	c.DaysToResolve = days
	if days < p.cfg.MinDays || days < 0 {
		return domain.Reject(domain.RejectResolvesTooSoon, days, p.cfg.MinDays)
	}
	if days > p.cfg.MaxDays {
		return domain.Reject(domain.RejectResolvesTooFar, days, p.cfg.MaxDays)
	}
	return domain.Accept()
}

func (p *Pipeline) checkLiquidity(c *domain.MarketCandidate) domain.FilterDecision {
	if math.IsNaN(c.Liquidity) {
		return domain.Reject(domain.RejectInsufficientLiquidity, 0, p.cfg.MinLiquidityUSD)
	}
	if c.Liquidity < p.cfg.MinLiquidityUSD {
		return domain.Reject(domain.RejectInsufficientLiquidity, c.Liquidity, p.cfg.MinLiquidityUSD)
	}
	if !c.HasSpread {
		c.NeedsDetail = true
		return domain.Accept()
	}
	if c.SpreadPercent > p.cfg.MaxSpreadPercent {
		return domain.Reject(domain.RejectSpreadTooWide, c.SpreadPercent, p.cfg.MaxSpreadPercent)
	}
	return domain.Accept()
}

// enrich is the budgeted detail stage. When no fetch is available the stage
// is skipped and the summary-level decision stands.
func (p *Pipeline) enrich(ctx context.Context, c *domain.MarketCandidate, budget *DetailBudget) domain.FilterDecision {
	if p.detail == nil || !budget.Take() {
		return domain.Accept()
	}

	snap, err := p.detail.GetOrderBook(ctx, c.TokenID)
	if err != nil {
		p.logger.WarnContext(ctx, "detail fetch failed",
			slog.String("token_id", c.TokenID),
			slog.String("error", err.Error()),
		)
		return domain.Reject(domain.RejectDetailFetchUnavailable, 0, 0)
	}
	q, err := pricing.QuoteFromSnapshot(snap, domain.PriceSourceSnapshot)
	if err != nil || !q.HasAsk {
		return domain.Reject(domain.RejectInsufficientLiquidity, 0, p.cfg.MinLiquidityUSD)
	}

	c.BestBid = q.BestBid
	c.BestAsk = q.BestAsk
	c.Odds = pricing.Mid(q.BestBid, q.BestAsk)
	c.Detailed = true
	c.NeedsDetail = false
	spread, ok := pricing.SpreadPercent(q.BestBid, q.BestAsk)
	if !ok {
		return domain.Reject(domain.RejectSpreadTooWide, 0, p.cfg.MaxSpreadPercent)
	}
	c.SpreadPercent = spread
	c.HasSpread = true

	if d := p.checkOdds(c.Odds); !d.Accepted {
		return d
	}
	if spread > p.cfg.MaxSpreadPercent {
		return domain.Reject(domain.RejectSpreadTooWide, spread, p.cfg.MaxSpreadPercent)
	}
	return domain.Accept()
}
