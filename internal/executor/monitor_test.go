package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/exit"
)

type stubChecker map[string]float64

func (s stubChecker) Check(_ context.Context, p domain.Position) (exit.Result, error) {
	price, ok := s[p.TokenID]
	if !ok {
		return exit.Result{}, fmt.Errorf("book %s: %w", p.TokenID, domain.ErrTransientFetch)
	}
	if price == 0 {
		return exit.Result{}, fmt.Errorf("book %s: %w", p.TokenID, domain.ErrNoLiquidity)
	}
	return exit.Result{
		Decision: exit.Evaluate(p, price),
		Price:    price,
		Quote:    domain.Quote{AssetID: p.TokenID, BestBid: price, Source: domain.PriceSourceFeed},
	}, nil
}

func TestMonitorCheckAll(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	events := NewEventLog(16, nil, nil, discard())
	checker := stubChecker{
		"tp":    0.684,
		"none":  0.640,
		"sl":    0.548,
		"empty": 0,
	}
	m := NewMonitor(store, checker, ex, NewPool(2), events, discard())

	for _, tok := range []string{"tp", "none", "sl", "broken", "empty"} {
		openPosition(t, store, "p-"+tok, tok)
	}

	n, err := m.CheckAll(context.Background())
	assert.Equal(t, 5, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientFetch)
	assert.False(t, errors.Is(err, domain.ErrNoLiquidity))

	assert.False(t, store.Holds("tp"))
	assert.False(t, store.Holds("sl"))
	assert.True(t, store.Holds("none"))
	assert.True(t, store.Holds("broken"))
	assert.True(t, store.Holds("empty"))

	touched, ok := store.Get("p-none")
	require.True(t, ok)
	assert.InDelta(t, 0.640, touched.LastPrice, 1e-12)

	recent := events.Recent(0)
	require.Len(t, recent, 2)
	byPosition := map[string]domain.ExitEvent{}
	for _, ev := range recent {
		byPosition[ev.PositionID] = ev
	}

	sl := byPosition["p-sl"]
	assert.Equal(t, domain.ExitStopLoss, sl.Decision)
	assert.True(t, sl.Emergency)
	assert.Equal(t, domain.OutcomeClosed, sl.Outcome)
	assert.InDelta(t, 0.548, sl.TriggerPrice, 1e-12)
	assert.Equal(t, domain.PriceSourceFeed, sl.PriceSource)

	tp := byPosition["p-tp"]
	assert.Equal(t, domain.ExitTakeProfit, tp.Decision)
	assert.False(t, tp.Emergency)
	assert.InDelta(t, (0.684-0.61)*10, tp.RealizedPnL, 1e-9)
}

func TestMonitorReconcilesPendingOrder(t *testing.T) {
	venue := &fakeVenue{statuses: []domain.OrderStatus{domain.OrderStatusMatched}, fillPrice: 0.70}
	ex, store := newTestExecutor(t, liveConfig(), venue)
	events := NewEventLog(4, nil, nil, discard())
	m := NewMonitor(store, stubChecker{"tok": 0.65}, ex, NewPool(1), events, discard())

	ctx := context.Background()
	openPosition(t, store, "p1", "tok")
	_, err := store.BeginClose(ctx, "p1", domain.ExitReasonTakeProfit)
	require.NoError(t, err)
	_, err = store.AbortClose(ctx, "p1", "ord-5")
	require.NoError(t, err)

	_, err = m.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Count())

	recent := events.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeReconciled, recent[0].Outcome)
	assert.Equal(t, domain.ExitTakeProfit, recent[0].Decision)
	assert.Equal(t, "ord-5", recent[0].OrderID)
}
