// Package pricing reduces raw order book levels to the prices used for exit
// and entry decisions. Levels arrive in whatever order the venue sent them,
// so every helper scans the full side.
package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// BestBid returns the maximum price among bid levels with positive size.
func BestBid(bids []domain.PriceLevel) (float64, error) {
	best := math.Inf(-1)
	for _, lvl := range bids {
		if !usable(lvl) {
			continue
		}
		if lvl.Price > best {
			best = lvl.Price
		}
	}
	if math.IsInf(best, -1) {
		return 0, fmt.Errorf("pricing: best bid: %w", domain.ErrNoLiquidity)
	}
	return best, nil
}

// BestAsk returns the minimum price among ask levels with positive size.
func BestAsk(asks []domain.PriceLevel) (float64, error) {
	best := math.Inf(1)
	for _, lvl := range asks {
		if !usable(lvl) {
			continue
		}
		if lvl.Price < best {
			best = lvl.Price
		}
	}
	if math.IsInf(best, 1) {
		return 0, fmt.Errorf("pricing: best ask: %w", domain.ErrNoLiquidity)
	}
	return best, nil
}

// Mid returns the midpoint of bid and ask.
func Mid(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// SpreadPercent is (ask-bid)/mid expressed in percent. It returns false when
// the inputs cannot produce a meaningful spread.
func SpreadPercent(bid, ask float64) (float64, bool) {
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0, false
	}
	mid := Mid(bid, ask)
	if mid <= 0 {
		return 0, false
	}
	return (ask - bid) / mid * 100, true
}

// QuoteFromSnapshot reduces a snapshot to its top of book. A missing bid
// side is an error since a position can only be sold into bids; a missing
// ask side leaves HasAsk false.
func QuoteFromSnapshot(snap domain.OrderbookSnapshot, source domain.PriceSource) (domain.Quote, error) {
	bid, err := BestBid(snap.Bids)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricing: quote %s: %w", snap.AssetID, err)
	}
	q := domain.Quote{
		AssetID:    snap.AssetID,
		BestBid:    bid,
		Source:     source,
		ObservedAt: snap.Timestamp,
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now()
	}
	if ask, err := BestAsk(snap.Asks); err == nil {
		q.BestAsk = ask
		q.HasAsk = true
	}
	return q, nil
}

func usable(lvl domain.PriceLevel) bool {
	if math.IsNaN(lvl.Price) || math.IsInf(lvl.Price, 0) || lvl.Price <= 0 {
		return false
	}
	return lvl.Size > 0 && !math.IsInf(lvl.Size, 0)
}
