package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	maxTakeProfit = 0.99
	minStopLoss   = 0.01
	defaultBucket = "0.50-0.60"

	// Once open positions reach crowdedShare of the cap, new stakes shrink
	// by crowdedScale.
	crowdedShare = 0.8
	crowdedScale = 0.75
	minStakeUSD  = 0.10
)

// Bracket is the take-profit and stop-loss distance, in percent of entry,
// for one odds bucket.
type Bracket struct {
	TPPercent float64 `toml:"tp_percent"`
	SLPercent float64 `toml:"sl_percent"`
}

// DefaultBrackets returns the bracket table used when none is configured.
func DefaultBrackets() map[string]Bracket {
	return map[string]Bracket{
		"0.30-0.40": {TPPercent: 20, SLPercent: 12},
		"0.40-0.50": {TPPercent: 15, SLPercent: 10},
		"0.50-0.60": {TPPercent: 12, SLPercent: 10},
		"0.60-0.70": {TPPercent: 12, SLPercent: 10},
	}
}

// OddsBucket maps entry odds to their bracket key. Odds outside the traded
// band fall back to the middle bucket.
func OddsBucket(odds float64) string {
	switch {
	case odds >= 0.30 && odds < 0.40:
		return "0.30-0.40"
	case odds >= 0.40 && odds < 0.50:
		return "0.40-0.50"
	case odds >= 0.50 && odds < 0.60:
		return "0.50-0.60"
	case odds >= 0.60 && odds <= 0.70:
		return "0.60-0.70"
	default:
		return defaultBucket
	}
}

// GateConfig holds the entry risk limits.
type GateConfig struct {
	MaxPositions   int
	Cooldown       time.Duration
	DailyLossLimit float64
	Brackets       map[string]Bracket
}

// Plan is the threshold set for a new position.
type Plan struct {
	Entry      float64
	TakeProfit float64
	StopLoss   float64
	Bucket     string
}

// Gate decides whether a new position may be opened and on which terms.
type Gate struct {
	cfg       GateConfig
	store     *Store
	trades    domain.TradeStore
	blacklist *Blacklist
	now       func() time.Time
	logger    *slog.Logger
}

// NewGate creates a Gate. trades and blacklist may be nil.
func NewGate(cfg GateConfig, store *Store, trades domain.TradeStore, blacklist *Blacklist, logger *slog.Logger) *Gate {
	if len(cfg.Brackets) == 0 {
		cfg.Brackets = DefaultBrackets()
	}
	return &Gate{
		cfg:       cfg,
		store:     store,
		trades:    trades,
		blacklist: blacklist,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "risk_gate")),
	}
}

// CanOpen checks the position cap, the cooldown since the last entry and
// today's realized loss.
func (g *Gate) CanOpen(ctx context.Context) error {
	if g.cfg.MaxPositions > 0 {
		if n := g.store.Count(); n >= g.cfg.MaxPositions {
			return fmt.Errorf("risk: %w: %d/%d positions open", domain.ErrRiskLimit, n, g.cfg.MaxPositions)
		}
	}
	if g.cfg.Cooldown > 0 {
		last := g.store.LastOpenedAt()
		if !last.IsZero() {
			if since := g.now().Sub(last); since < g.cfg.Cooldown {
				return fmt.Errorf("risk: %w: cooldown %s remaining", domain.ErrRiskLimit, (g.cfg.Cooldown - since).Round(time.Second))
			}
		}
	}
	if g.cfg.DailyLossLimit > 0 && g.trades != nil {
		now := g.now().UTC()
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		pnl, err := g.trades.RealizedPnLSince(ctx, day)
		if err != nil {
			return fmt.Errorf("risk: daily pnl: %w", err)
		}
		if pnl <= -g.cfg.DailyLossLimit {
			return fmt.Errorf("risk: %w: daily loss %.2f reached limit %.2f", domain.ErrRiskLimit, -pnl, g.cfg.DailyLossLimit)
		}
	}
	return nil
}

// StakeUSD sizes the next entry from the configured stake in USD. The stake
// shrinks by a quarter when the book is nearly full, never drops below ten
// cents, and is rounded to the cent.
func (g *Gate) StakeUSD(base float64) float64 {
	stake := decimal.NewFromFloat(base)
	if g.cfg.MaxPositions > 0 && float64(g.store.Count()) >= crowdedShare*float64(g.cfg.MaxPositions) {
		stake = stake.Mul(decimal.NewFromFloat(crowdedScale))
	}
	stake = decimal.Max(stake, decimal.NewFromFloat(minStakeUSD)).Round(2)
	f, _ := stake.Float64()
	return f
}

// Excluded reports tokens the scanner must not offer: already held or
// blacklisted.
func (g *Gate) Excluded(tokenID string) bool {
	if g.store.Holds(tokenID) {
		return true
	}
	return g.blacklist != nil && g.blacklist.Blocked(tokenID)
}

// PlanEntry derives take-profit and stop-loss from the entry odds bucket.
// Thresholds are rounded to 0.001, clamped to [0.01, 0.99], and must
// straddle the entry.
func (g *Gate) PlanEntry(odds float64) (Plan, error) {
	bucket := OddsBucket(odds)
	br, ok := g.cfg.Brackets[bucket]
	if !ok {
		br = Bracket{TPPercent: 15, SLPercent: 10}
	}
	return planFor(odds, bucket, br)
}

func planFor(odds float64, bucket string, br Bracket) (Plan, error) {
	entry := decimal.NewFromFloat(odds)
	hundred := decimal.NewFromInt(100)
	tp := entry.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(br.TPPercent).Div(hundred))).Round(3)
	sl := entry.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(br.SLPercent).Div(hundred))).Round(3)
	tp = decimal.Min(tp, decimal.NewFromFloat(maxTakeProfit))
	sl = decimal.Max(sl, decimal.NewFromFloat(minStopLoss))

	plan := Plan{Entry: odds, Bucket: bucket}
	plan.TakeProfit, _ = tp.Float64()
	plan.StopLoss, _ = sl.Float64()

	if !(plan.StopLoss < odds && odds < plan.TakeProfit) {
		return Plan{}, fmt.Errorf("risk: %w: bucket %s gives sl %.3f tp %.3f around entry %.3f",
			domain.ErrConfiguration, bucket, plan.StopLoss, plan.TakeProfit, odds)
	}
	return plan, nil
}

// ValidateBrackets plans an entry at both edges of every bucket so a table
// that cannot straddle its own odds fails at startup.
func ValidateBrackets(brackets map[string]Bracket) error {
	for bucket, br := range brackets {
		if br.TPPercent <= 0 || br.SLPercent <= 0 || br.SLPercent >= 100 {
			return fmt.Errorf("risk: %w: bucket %s tp %.2f%% sl %.2f%%", domain.ErrConfiguration, bucket, br.TPPercent, br.SLPercent)
		}
		var lo, hi float64
		if _, err := fmt.Sscanf(bucket, "%f-%f", &lo, &hi); err != nil || lo <= 0 || hi >= 1 || lo >= hi {
			return fmt.Errorf("risk: %w: bad bucket key %q", domain.ErrConfiguration, bucket)
		}
		for _, odds := range []float64{lo, hi} {
			if _, err := planFor(odds, bucket, br); err != nil {
				return err
			}
		}
	}
	return nil
}
