package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// OutcomeToken is one tradeable outcome of a market.
type OutcomeToken struct {
	TokenID string
	Outcome string
	Price   float64 // last published outcome price, 0 when unknown
}

// Market represents a Polymarket prediction market as returned by discovery.
type Market struct {
	ID          string
	Question    string
	Slug        string
	ConditionID string
	Tokens      []OutcomeToken
	Volume      float64
	Volume24h   float64
	Liquidity   float64
	BestBid     float64
	BestAsk     float64
	NegRisk     bool
	OrderBook   bool
	Status      MarketStatus
	EndDate     *time.Time
}

// Tradeable reports whether the market can still take orders.
func (m Market) Tradeable() bool {
	return m.Status == MarketStatusActive
}

// MarketCandidate is one outcome of a market considered for entry during a
// scan cycle.
type MarketCandidate struct {
	MarketID      string     `json:"market_id"`
	TokenID       string     `json:"token_id"`
	Outcome       string     `json:"outcome"`
	Question      string     `json:"question"`
	Odds          float64    `json:"odds"`
	BestBid       float64    `json:"best_bid"`
	BestAsk       float64    `json:"best_ask"`
	SpreadPercent float64    `json:"spread_percent"`
	HasSpread     bool       `json:"-"`
	Liquidity     float64    `json:"liquidity"`
	Volume        float64    `json:"volume"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DaysToResolve float64    `json:"days_to_resolve"`
	NeedsDetail   bool       `json:"-"`
	Detailed      bool       `json:"detailed"`
	Score         float64    `json:"score"`
}
