package domain

import "time"

// ClosedTrade is the persisted record of a position that reached CLOSED.
type ClosedTrade struct {
	PositionID  string     `json:"position_id"`
	MarketID    string     `json:"market_id"`
	TokenID     string     `json:"token_id"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	Size        float64    `json:"size"`
	RealizedPnL float64    `json:"realized_pnl"`
	Reason      ExitReason `json:"reason"`
	OddsBucket  string     `json:"odds_bucket"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    time.Time  `json:"closed_at"`
}

// Win reports whether the trade realised a gain.
func (t ClosedTrade) Win() bool {
	return t.RealizedPnL > 0
}

// TradeStats aggregates closed trades.
type TradeStats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

// BlacklistEntry blocks a token from re-entry after stop-losses.
type BlacklistEntry struct {
	TokenID      string    `json:"token_id"`
	Reason       string    `json:"reason"`
	BlockedUntil time.Time `json:"blocked_until"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
}

// Permanent reports whether the entry no longer expires.
func (b BlacklistEntry) Permanent() bool {
	return b.MaxAttempts > 0 && b.Attempts >= b.MaxAttempts
}
