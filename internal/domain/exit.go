package domain

import "time"

// ExitDecision is the result of comparing a live price to a position's
// thresholds.
type ExitDecision string

const (
	ExitNone       ExitDecision = "none"
	ExitTakeProfit ExitDecision = "take_profit"
	ExitStopLoss   ExitDecision = "stop_loss"
)

// ExitReason tags why a sell is being executed. The minimum-price floor is
// bypassed only for ExitReasonStopLoss.
type ExitReason string

const (
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonManual     ExitReason = "manual"
)

// Emergency reports whether the sell may go below the safety floor.
func (r ExitReason) Emergency() bool {
	return r == ExitReasonStopLoss
}

// Reason maps a firing decision to the reason carried into execution.
// It returns false for ExitNone.
func (d ExitDecision) Reason() (ExitReason, bool) {
	switch d {
	case ExitTakeProfit:
		return ExitReasonTakeProfit, true
	case ExitStopLoss:
		return ExitReasonStopLoss, true
	default:
		return "", false
	}
}

// ExitOutcome is the terminal result of one exit attempt.
type ExitOutcome string

const (
	OutcomeClosed       ExitOutcome = "closed"
	OutcomeMinPriceHeld ExitOutcome = "min_price_held"
	OutcomeTransient    ExitOutcome = "transient_failure"
	OutcomeUnfilled     ExitOutcome = "unfilled"
	OutcomeBusy         ExitOutcome = "busy"
	OutcomeReconciled   ExitOutcome = "reconciled"
)

// PriceSource names where a live price came from.
type PriceSource string

const (
	PriceSourceFeed     PriceSource = "feed"
	PriceSourceSnapshot PriceSource = "snapshot"
)

// ExitEvent is the structured record written for every exit decision that
// fires.
type ExitEvent struct {
	ID           string       `json:"id"`
	PositionID   string       `json:"position_id"`
	TokenID      string       `json:"token_id"`
	Decision     ExitDecision `json:"decision"`
	TriggerPrice float64      `json:"trigger_price"`
	Emergency    bool         `json:"emergency"`
	Outcome      ExitOutcome  `json:"outcome"`
	Degraded     bool         `json:"degraded"`
	PriceSource  PriceSource  `json:"price_source"`
	EntryPrice   float64      `json:"entry_price"`
	TakeProfit   float64      `json:"take_profit"`
	StopLoss     float64      `json:"stop_loss"`
	RealizedPnL  float64      `json:"realized_pnl,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	At           time.Time    `json:"at"`
}

// Detail flattens the event for the audit log.
func (e ExitEvent) Detail() map[string]any {
	d := map[string]any{
		"event_id":      e.ID,
		"position_id":   e.PositionID,
		"token_id":      e.TokenID,
		"decision":      string(e.Decision),
		"trigger_price": e.TriggerPrice,
		"emergency":     e.Emergency,
		"outcome":       string(e.Outcome),
		"degraded":      e.Degraded,
		"price_source":  string(e.PriceSource),
		"entry_price":   e.EntryPrice,
		"take_profit":   e.TakeProfit,
		"stop_loss":     e.StopLoss,
	}
	if e.RealizedPnL != 0 {
		d["realized_pnl"] = e.RealizedPnL
	}
	if e.OrderID != "" {
		d["order_id"] = e.OrderID
	}
	if e.Error != "" {
		d["error"] = e.Error
	}
	return d
}
