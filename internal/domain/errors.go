package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrTransientFetch marks a network, timeout, or 5xx failure on price or
	// market data. It is retried on the next cycle and never aborts a loop.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrMinPriceViolation is returned when a non-emergency sell would go
	// below entry_price * min_sell_ratio.
	ErrMinPriceViolation = errors.New("sell price below minimum floor")
	// ErrNoLiquidity is returned when an order book side has no levels.
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrRateLimitExceeded is the internal limiter's backpressure signal.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	ErrInvalidTransition = errors.New("invalid position status transition")
	ErrPositionBusy      = errors.New("position is already closing")
	ErrRiskLimit         = errors.New("risk limit reached")
)

// IsTransient reports whether err should be retried on the next cycle
// rather than surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
