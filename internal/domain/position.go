package domain

import (
	"fmt"
	"math"
	"time"
)

// PositionStatus tracks where a position is in its exit lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusHolding PositionStatus = "holding"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// Active reports whether the position still carries exposure.
func (s PositionStatus) Active() bool {
	return s == PositionStatusOpen || s == PositionStatusHolding || s == PositionStatusClosing
}

// Position represents one open trade on an outcome token.
type Position struct {
	ID            string         `json:"id"`
	MarketID      string         `json:"market_id"`
	TokenID       string         `json:"token_id"`
	Outcome       string         `json:"outcome,omitempty"`
	Question      string         `json:"question,omitempty"`
	EntryPrice    float64        `json:"entry_price"`
	Size          float64        `json:"size"`
	TakeProfit    float64        `json:"take_profit"`
	StopLoss      float64        `json:"stop_loss"`
	Status        PositionStatus `json:"status"`
	LastPrice     float64        `json:"last_price,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	ExitPrice     *float64       `json:"exit_price,omitempty"`
	ExitReason    ExitReason     `json:"exit_reason,omitempty"`
	EntryOrderID  string         `json:"entry_order_id,omitempty"`
	PendingOrder  string         `json:"pending_order_id,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	LastCheckedAt time.Time      `json:"last_checked_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// Validate enforces the price invariants every position must satisfy at
// creation: 0 < entry < 1 and stop_loss < entry < take_profit.
func (p Position) Validate() error {
	if p.TokenID == "" {
		return fmt.Errorf("%w: position %s has no token id", ErrConfiguration, p.ID)
	}
	if !finite(p.EntryPrice) || p.EntryPrice <= 0 || p.EntryPrice >= 1 {
		return fmt.Errorf("%w: entry price %.4f outside (0,1)", ErrConfiguration, p.EntryPrice)
	}
	if !finite(p.StopLoss) || p.StopLoss >= p.EntryPrice {
		return fmt.Errorf("%w: stop loss %.4f must be below entry %.4f", ErrConfiguration, p.StopLoss, p.EntryPrice)
	}
	if !finite(p.TakeProfit) || p.TakeProfit <= p.EntryPrice {
		return fmt.Errorf("%w: take profit %.4f must be above entry %.4f", ErrConfiguration, p.TakeProfit, p.EntryPrice)
	}
	if !finite(p.Size) || p.Size <= 0 {
		return fmt.Errorf("%w: size %.4f must be positive", ErrConfiguration, p.Size)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
