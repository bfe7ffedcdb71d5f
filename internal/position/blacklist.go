package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Blacklist blocks re-entry into tokens that were stopped out. A block lasts
// for the configured duration; once a token reaches maxAttempts stop-losses
// the block becomes permanent.
type Blacklist struct {
	mu          sync.Mutex
	entries     map[string]domain.BlacklistEntry
	store       domain.BlacklistStore
	duration    time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// NewBlacklist creates a Blacklist. store may be nil.
func NewBlacklist(store domain.BlacklistStore, days, maxAttempts int, logger *slog.Logger) *Blacklist {
	return &Blacklist{
		entries:     make(map[string]domain.BlacklistEntry),
		store:       store,
		duration:    time.Duration(days) * 24 * time.Hour,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "blacklist")),
	}
}

// Load restores persisted entries.
func (b *Blacklist) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	entries, err := b.store.List(ctx)
	if err != nil {
		return fmt.Errorf("blacklist: load: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.entries[e.TokenID] = e
	}
	return nil
}

// Add blocks tokenID, or extends and counts an existing block.
func (b *Blacklist) Add(ctx context.Context, tokenID, reason string) (domain.BlacklistEntry, error) {
	b.mu.Lock()
	e, ok := b.entries[tokenID]
	if !ok {
		e = domain.BlacklistEntry{TokenID: tokenID, Reason: reason, MaxAttempts: b.maxAttempts}
	}
	e.Attempts++
	e.BlockedUntil = b.now().Add(b.duration).UTC()
	b.entries[tokenID] = e
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "token blacklisted",
		slog.String("token_id", tokenID),
		slog.String("reason", reason),
		slog.Int("attempts", e.Attempts),
		slog.Bool("permanent", e.Permanent()),
		slog.Time("blocked_until", e.BlockedUntil),
	)

	if b.store != nil {
		if err := b.store.Put(ctx, e); err != nil {
			return e, fmt.Errorf("blacklist: persist %s: %w", tokenID, err)
		}
	}
	return e, nil
}

// Blocked reports whether tokenID may not be entered.
func (b *Blacklist) Blocked(tokenID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[tokenID]
	if !ok {
		return false
	}
	return e.Permanent() || b.now().Before(e.BlockedUntil)
}

// Sweep drops expired, non-permanent entries and returns how many went.
func (b *Blacklist) Sweep(ctx context.Context) int {
	b.mu.Lock()
	now := b.now()
	var expired []string
	for token, e := range b.entries {
		if !e.Permanent() && !now.Before(e.BlockedUntil) {
			expired = append(expired, token)
			delete(b.entries, token)
		}
	}
	b.mu.Unlock()

	if b.store != nil {
		for _, token := range expired {
			if err := b.store.Delete(ctx, token); err != nil {
				b.logger.WarnContext(ctx, "blacklist delete failed",
					slog.String("token_id", token),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if len(expired) > 0 {
		b.logger.InfoContext(ctx, "blacklist swept", slog.Int("removed", len(expired)))
	}
	return len(expired)
}

// Len returns the number of entries, expired ones included until swept.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
