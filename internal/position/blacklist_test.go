package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type memBlacklistStore struct {
	rows map[string]domain.BlacklistEntry
}

func (m *memBlacklistStore) Put(_ context.Context, e domain.BlacklistEntry) error {
	m.rows[e.TokenID] = e
	return nil
}

func (m *memBlacklistStore) Delete(_ context.Context, tokenID string) error {
	delete(m.rows, tokenID)
	return nil
}

func (m *memBlacklistStore) List(context.Context) ([]domain.BlacklistEntry, error) {
	out := make([]domain.BlacklistEntry, 0, len(m.rows))
	for _, e := range m.rows {
		out = append(out, e)
	}
	return out, nil
}

func TestBlacklistExpiryAndPermanence(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := &memBlacklistStore{rows: map[string]domain.BlacklistEntry{}}
	bl := NewBlacklist(store, 3, 2, discard())
	bl.now = func() time.Time { return now }

	e, err := bl.Add(ctx, "tok", "stop_loss")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.False(t, e.Permanent())
	assert.True(t, bl.Blocked("tok"))
	assert.Contains(t, store.rows, "tok")

	now = now.Add(72 * time.Hour)
	assert.False(t, bl.Blocked("tok"))
	assert.Equal(t, 1, bl.Sweep(ctx))
	assert.Empty(t, store.rows)

	_, err = bl.Add(ctx, "tok2", "stop_loss")
	require.NoError(t, err)
	e, err = bl.Add(ctx, "tok2", "stop_loss")
	require.NoError(t, err)
	assert.True(t, e.Permanent())

	now = now.Add(30 * 24 * time.Hour)
	assert.True(t, bl.Blocked("tok2"))
	assert.Zero(t, bl.Sweep(ctx))

	reloaded := NewBlacklist(store, 3, 2, discard())
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, reloaded.Blocked("tok2"))
}
