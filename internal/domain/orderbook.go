package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a full snapshot of bids and asks for an asset. Level
// ordering is whatever the venue sent; callers must not assume index 0 is
// the best price.
type OrderbookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// PriceChange is an incremental orderbook level update.
type PriceChange struct {
	AssetID   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64 // 0 means remove level
	Timestamp time.Time
}

// Quote is the reduced top of book for an asset.
type Quote struct {
	AssetID    string      `json:"asset_id"`
	BestBid    float64     `json:"best_bid"`
	BestAsk    float64     `json:"best_ask,omitempty"`
	HasAsk     bool        `json:"has_ask"`
	Source     PriceSource `json:"source"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}
