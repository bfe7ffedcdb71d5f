package scanner

import (
	"math"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ScoreWeights weight the ranking components. Scores only order accepted
// candidates; they never accept or reject.
type ScoreWeights struct {
	Spread        float64 `toml:"spread"`
	Volume        float64 `toml:"volume"`
	OddsDistance  float64 `toml:"odds_distance"`
	TimeToResolve float64 `toml:"time_to_resolve"`
}

// DefaultScoreWeights favours tight spreads, then volume.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Spread: 40, Volume: 30, OddsDistance: 20, TimeToResolve: 10}
}

// Score rates c on a 0-100 scale. Each component is normalised to 0-100:
// a 0% spread scores 100 and 10% scores 0; $1000 of volume scores 100; odds
// 0.20 away from even score 100; one day to resolution scores near 100 and
// 30 days scores 0.
func Score(c domain.MarketCandidate, w ScoreWeights) float64 {
	total := w.Spread + w.Volume + w.OddsDistance + w.TimeToResolve
	if total <= 0 {
		return 0
	}

	var spreadScore float64
	if c.HasSpread {
		spreadScore = clamp(100 - c.SpreadPercent*10)
	}
	volumeScore := clamp(c.Volume / 1000 * 100)
	oddsScore := clamp(math.Abs(c.Odds-0.5) / 0.20 * 100)
	timeScore := clamp(100 - c.DaysToResolve/30*100)

	score := (spreadScore*w.Spread +
		volumeScore*w.Volume +
		oddsScore*w.OddsDistance +
		timeScore*w.TimeToResolve) / total
	return math.Round(score*100) / 100
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
