// Package ratelimit bounds outbound venue calls per rolling window. Window is
// the in-process limiter shared by the scan and monitor paths; Distributed
// delegates the count to Redis when several processes share one API key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Window is a rolling-window limiter. Timestamps come from time.Now, whose
// monotonic reading is what Sub compares, so wall-clock jumps do not
// reset or stretch the window.
type Window struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	calls  []time.Time // ascending; oldest first

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a Window.
type Option func(*Window)

// WithClock injects the time source. Tests use it to drive synthetic time.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithSleep injects the function used to wait for the window to advance.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) { w.sleep = sleep }
}

// NewWindow creates a limiter allowing max calls per window.
func NewWindow(max int, window time.Duration, opts ...Option) (*Window, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit: %w: max calls must be positive, got %d", domain.ErrConfiguration, max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: %w: window must be positive, got %s", domain.ErrConfiguration, window)
	}
	w := &Window{
		max:    max,
		window: window,
		calls:  make([]time.Time, 0, max),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// TryAcquire records a call if one is available. Otherwise it returns how
// long until the oldest recorded call leaves the window.
func (w *Window) TryAcquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.compact(now)
	if len(w.calls) < w.max {
		w.calls = append(w.calls, now)
		return 0, true
	}
	wait := w.calls[0].Add(w.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// Allow is the non-blocking form: it returns ErrRateLimitExceeded instead of
// waiting.
func (w *Window) Allow() error {
	if _, ok := w.TryAcquire(); !ok {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

// Acquire blocks until a call may proceed or ctx is done.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.TryAcquire()
		if ok {
			return nil
		}
		if err := w.sleep(ctx, wait); err != nil {
			return fmt.Errorf("ratelimit: acquire: %w", err)
		}
	}
}

// Len returns the number of calls currently inside the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compact(w.now())
	return len(w.calls)
}

// compact drops timestamps at or beyond the window edge. Caller holds mu.
func (w *Window) compact(now time.Time) {
	i := 0
	for i < len(w.calls) && now.Sub(w.calls[i]) >= w.window {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.calls, w.calls[i:])
	w.calls = w.calls[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
