package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Keyed keeps one Window per key. It is the in-process stand-in for the
// Redis limiter when no Redis is configured.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*Window
	opts    []Option
}

// NewKeyed creates an empty Keyed limiter. opts apply to every window.
func NewKeyed(opts ...Option) *Keyed {
	return &Keyed{windows: make(map[string]*Window), opts: opts}
}

// Allow records a call for key if fewer than limit fell inside window. The
// first call for a key fixes its limit and window.
func (k *Keyed) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	k.mu.Lock()
	w, ok := k.windows[key]
	if !ok {
		var err error
		w, err = NewWindow(limit, window, k.opts...)
		if err != nil {
			k.mu.Unlock()
			return false, err
		}
		k.windows[key] = w
	}
	k.mu.Unlock()

	_, allowed := w.TryAcquire()
	return allowed, nil
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

var _ domain.RateLimiter = (*Keyed)(nil)
