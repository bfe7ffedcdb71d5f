package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// BlacklistStore implements domain.BlacklistStore as one hash of token ID
// to JSON entry, so the blacklist survives restarts and is shared between
// instances.
type BlacklistStore struct {
	c *Client
}

// NewBlacklistStore creates a BlacklistStore backed by the given Client.
func NewBlacklistStore(c *Client) *BlacklistStore {
	return &BlacklistStore{c: c}
}

// Put inserts or replaces the entry for e.TokenID.
func (bs *BlacklistStore) Put(ctx context.Context, e domain.BlacklistEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal blacklist entry: %w", err)
	}
	if err := bs.c.rdb.HSet(ctx, bs.c.key("blacklist"), e.TokenID, data).Err(); err != nil {
		return fmt.Errorf("redis: put blacklist %s: %w", e.TokenID, err)
	}
	return nil
}

// Delete removes the entry for tokenID. Missing entries are not an error.
func (bs *BlacklistStore) Delete(ctx context.Context, tokenID string) error {
	if err := bs.c.rdb.HDel(ctx, bs.c.key("blacklist"), tokenID).Err(); err != nil {
		return fmt.Errorf("redis: delete blacklist %s: %w", tokenID, err)
	}
	return nil
}

// List returns every stored entry. Entries that fail to decode are skipped.
func (bs *BlacklistStore) List(ctx context.Context) ([]domain.BlacklistEntry, error) {
	vals, err := bs.c.rdb.HGetAll(ctx, bs.c.key("blacklist")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list blacklist: %w", err)
	}
	out := make([]domain.BlacklistEntry, 0, len(vals))
	for token, raw := range vals {
		var e domain.BlacklistEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.TokenID == "" {
			e.TokenID = token
		}
		out = append(out, e)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.BlacklistStore = (*BlacklistStore)(nil)
