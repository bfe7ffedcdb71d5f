package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func samplePosition(id string, opened time.Time) domain.Position {
	return domain.Position{
		ID:         id,
		MarketID:   "m-" + id,
		TokenID:    "tok-" + id,
		EntryPrice: 0.5,
		Size:       10,
		TakeProfit: 0.56,
		StopLoss:   0.45,
		Status:     domain.PositionStatusHolding,
		OpenedAt:   opened,
	}
}

func TestPositionStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "positions.json")
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewPositionStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, samplePosition("b", at.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, samplePosition("a", at)))
	assert.ErrorIs(t, s.Create(ctx, samplePosition("a", at)), domain.ErrAlreadyExists)

	closing := samplePosition("a", at)
	closing.Status = domain.PositionStatusClosing
	closing.PendingOrder = "ord-1"
	require.NoError(t, s.Update(ctx, closing))

	closed := samplePosition("b", at.Add(time.Minute))
	closed.Status = domain.PositionStatusClosed
	require.NoError(t, s.Update(ctx, closed))
	assert.ErrorIs(t, s.Update(ctx, closed), domain.ErrNotFound)

	reopened, err := NewPositionStore(path)
	require.NoError(t, err)
	active, err := reopened.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, domain.PositionStatusClosing, active[0].Status)
	assert.Equal(t, "ord-1", active[0].PendingOrder)

	_, err = reopened.GetByID(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewPositionStore(path)
	assert.Error(t, err)
}

func TestMemoryOnlyStores(t *testing.T) {
	ctx := context.Background()
	s, err := NewPositionStore("")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, samplePosition("a", time.Now())))
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	trades, err := NewTradeStore("")
	require.NoError(t, err)
	require.NoError(t, trades.Record(ctx, domain.ClosedTrade{PositionID: "a", RealizedPnL: -1}))
	st, err := trades.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Trades)
}

func TestTradeStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trades.json")
	day := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	s, err := NewTradeStore(path)
	require.NoError(t, err)
	for _, tr := range []domain.ClosedTrade{
		{PositionID: "old", RealizedPnL: 4, ClosedAt: day.Add(-time.Hour)},
		{PositionID: "l1", RealizedPnL: -1.1, ClosedAt: day.Add(time.Hour)},
		{PositionID: "l2", RealizedPnL: -2.2, ClosedAt: day.Add(2 * time.Hour)},
		{PositionID: "l2", RealizedPnL: -2.2, ClosedAt: day.Add(2 * time.Hour)},
	} {
		require.NoError(t, s.Record(ctx, tr))
	}

	reopened, err := NewTradeStore(path)
	require.NoError(t, err)

	pnl, err := reopened.RealizedPnLSince(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, -3.3, pnl, 1e-9)

	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStats{Trades: 3, Wins: 1, Losses: 2, WinRate: 1.0 / 3, TotalPnL: 0.7}, roundStats(st))

	before, err := reopened.ListBefore(ctx, day)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "old", before[0].PositionID)
}

func roundStats(st domain.TradeStats) domain.TradeStats {
	st.TotalPnL = float64(int64(st.TotalPnL*1e6+0.5)) / 1e6
	return st
}
