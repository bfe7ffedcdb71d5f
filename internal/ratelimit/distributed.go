package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// minDistributedWait keeps a refused caller from hammering the backend when
// it reports no useful wait.
const minDistributedWait = 50 * time.Millisecond

// Backend is a shared window that tells a refused caller how long until a
// slot frees up. The Redis sliding window implements it.
type Backend interface {
	RetryAfter(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// allowOnly adapts a plain domain.RateLimiter. It never knows the wait, so
// callers fall back to the minimum.
type allowOnly struct {
	domain.RateLimiter
}

func (a allowOnly) RetryAfter(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ok, err := a.Allow(ctx, key, limit, window)
	return ok, 0, err
}

// Distributed adapts a shared window to the blocking Acquire contract.
type Distributed struct {
	backend Backend
	key     string
	max     int
	window  time.Duration
	minWait time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDistributed creates a limiter counting calls under key in backend.
// A backend without RetryAfter is polled at the minimum wait.
func NewDistributed(backend domain.RateLimiter, key string, max int, window time.Duration) *Distributed {
	b, ok := backend.(Backend)
	if !ok {
		b = allowOnly{backend}
	}
	return &Distributed{
		backend: b,
		key:     key,
		max:     max,
		window:  window,
		minWait: minDistributedWait,
		sleep:   sleepCtx,
	}
}

// Acquire waits out each refusal for as long as the backend says, until a
// call is admitted or ctx is done.
func (d *Distributed) Acquire(ctx context.Context) error {
	for {
		ok, wait, err := d.backend.RetryAfter(ctx, d.key, d.max, d.window)
		if err != nil {
			return fmt.Errorf("ratelimit: distributed acquire %s: %w", d.key, err)
		}
		if ok {
			return nil
		}
		if err := d.sleep(ctx, max(wait, d.minWait)); err != nil {
			return fmt.Errorf("ratelimit: distributed acquire %s: %w", d.key, err)
		}
	}
}

// Limiter is what callers of the venue APIs depend on.
type Limiter interface {
	Acquire(ctx context.Context) error
}

var (
	_ Limiter = (*Window)(nil)
	_ Limiter = (*Distributed)(nil)
	_ Backend = allowOnly{}
)
