package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/position"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeVenue struct {
	mu        sync.Mutex
	postErrs  []error
	posts     int
	lastOrder domain.Order
	statuses  []domain.OrderStatus
	gets      int
	getErr    error
	fillPrice float64
	cancelErr error
	cancelled []string
}

func (v *fakeVenue) PostOrder(_ context.Context, o domain.Order) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.posts++
	v.lastOrder = o
	if len(v.postErrs) > 0 {
		err := v.postErrs[0]
		v.postErrs = v.postErrs[1:]
		if err != nil {
			return domain.OrderResult{}, err
		}
	}
	return domain.OrderResult{Success: true, OrderID: "ord-1", Status: domain.OrderStatusOpen}, nil
}

func (v *fakeVenue) GetOrder(_ context.Context, id string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.getErr != nil {
		return domain.Order{}, v.getErr
	}
	idx := min(v.gets, len(v.statuses)-1)
	v.gets++
	o := domain.Order{ID: id, Status: v.statuses[idx], Price: v.fillPrice}
	if o.Status == domain.OrderStatusMatched {
		o.FilledSize = v.lastOrder.Size
	}
	return o, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.cancelled = append(v.cancelled, id)
	return nil
}

type fakeSigner struct{}

func (fakeSigner) SignOrder(crypto.OrderPayload) (string, error) { return "0xsig", nil }

func (fakeSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerts) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type memTrades struct {
	mu     sync.Mutex
	trades []domain.ClosedTrade
}

func (m *memTrades) Record(_ context.Context, t domain.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *memTrades) RealizedPnLSince(context.Context, time.Time) (float64, error) {
	return 0, nil
}

func (m *memTrades) Stats(context.Context) (domain.TradeStats, error) {
	return domain.TradeStats{}, nil
}

func (m *memTrades) ListBefore(context.Context, time.Time) ([]domain.ClosedTrade, error) {
	return nil, nil
}

func dryRunConfig() Config {
	return Config{MinSellRatio: 0.5, DryRun: true}
}

func liveConfig() Config {
	return Config{
		MinSellRatio:     0.5,
		RetryAttempts:    3,
		RetryBackoff:     time.Millisecond,
		OrderTimeout:     50 * time.Millisecond,
		FillPollInterval: 2 * time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func newTestExecutor(t *testing.T, cfg Config, venue Venue) (*Executor, *position.Store) {
	t.Helper()
	store := position.NewStore(nil, discard())
	var signer Signer
	if venue != nil {
		signer = fakeSigner{}
	}
	return New(cfg, store, venue, signer, nil, discard()), store
}

func openPosition(t *testing.T, store *position.Store, id, token string) domain.Position {
	t.Helper()
	p, err := store.Open(context.Background(), domain.Position{
		ID:         id,
		TokenID:    token,
		MarketID:   "m-" + token,
		EntryPrice: 0.61,
		Size:       10,
		TakeProfit: 0.683,
		StopLoss:   0.549,
	})
	require.NoError(t, err)
	return p
}

func TestExecuteSellStopLossBypassesFloor(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		wantPrice float64
	}{
		{name: "just below floor", price: 0.30, wantPrice: 0.30},
		{name: "far below floor", price: 0.05, wantPrice: 0.05},
		{name: "minimum tick", price: 0.001, wantPrice: 0.001},
		{name: "zero quote clamps to tick", price: 0, wantPrice: 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, store := newTestExecutor(t, dryRunConfig(), nil)
			p := openPosition(t, store, "p1", "tok")

			out, err := ex.ExecuteSell(context.Background(), p, tt.price, domain.ExitReasonStopLoss)
			require.NoError(t, err)
			assert.False(t, errors.Is(err, domain.ErrMinPriceViolation))
			assert.Equal(t, domain.OutcomeClosed, out.Outcome)
			assert.Equal(t, domain.PositionStatusClosed, out.Position.Status)
			assert.True(t, out.Fill.DryRun)
			assert.InDelta(t, tt.wantPrice, out.Fill.Price, 1e-12)
			assert.InDelta(t, (tt.wantPrice-0.61)*10, out.Position.RealizedPnL, 1e-9)
			assert.Equal(t, 0, store.Count())
		})
	}
}

func TestExecuteSellEnforcesFloorForNonEmergency(t *testing.T) {
	for _, reason := range []domain.ExitReason{domain.ExitReasonTakeProfit, domain.ExitReasonManual} {
		t.Run(string(reason), func(t *testing.T) {
			venue := &fakeVenue{statuses: []domain.OrderStatus{domain.OrderStatusMatched}}
			ex, store := newTestExecutor(t, liveConfig(), venue)
			alerts := &recordingAlerts{}
			ex.WithAlerts(alerts)
			p := openPosition(t, store, "p1", "tok")

			price := 0.61*0.5 - 1e-6
			for range 2 {
				out, err := ex.ExecuteSell(context.Background(), p, price, reason)
				require.ErrorIs(t, err, domain.ErrMinPriceViolation)
				assert.Equal(t, domain.OutcomeMinPriceHeld, out.Outcome)

				got, ok := store.Get("p1")
				require.True(t, ok)
				assert.Equal(t, domain.PositionStatusHolding, got.Status)
			}
			assert.Equal(t, 0, venue.posts)
			assert.Equal(t, 1, alerts.count("min_price_violation"))
		})
	}
}

func TestExecuteSellAtFloorProceeds(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	p := openPosition(t, store, "p1", "tok")

	out, err := ex.ExecuteSell(context.Background(), p, 0.305, domain.ExitReasonManual)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeClosed, out.Outcome)
	assert.InDelta(t, -3.05, out.Position.RealizedPnL, 1e-9)
}

func TestBelowFloor(t *testing.T) {
	assert.True(t, BelowFloor(0.61, 0.304999, 0.5))
	assert.False(t, BelowFloor(0.61, 0.305, 0.5))
	assert.False(t, BelowFloor(0.61, 0.7, 0.5))
}

func TestExecuteSellRetriesTransientSubmit(t *testing.T) {
	venue := &fakeVenue{
		postErrs:  []error{fmt.Errorf("post: %w", domain.ErrRateLimited)},
		statuses:  []domain.OrderStatus{domain.OrderStatusOpen, domain.OrderStatusMatched},
		fillPrice: 0.70,
	}
	ex, store := newTestExecutor(t, liveConfig(), venue)
	trades := &memTrades{}
	ex.WithTrades(trades)
	p := openPosition(t, store, "p1", "tok")

	out, err := ex.ExecuteSell(context.Background(), p, 0.69, domain.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, 2, venue.posts)
	assert.Equal(t, domain.OutcomeClosed, out.Outcome)
	assert.Equal(t, "ord-1", out.Fill.OrderID)
	assert.InDelta(t, 0.70, out.Fill.Price, 1e-12)
	assert.InDelta(t, 0.9, out.Position.RealizedPnL, 1e-9)

	assert.Equal(t, domain.OrderSideSell, venue.lastOrder.Side)
	assert.Equal(t, "0xsig", venue.lastOrder.Signature)

	require.Len(t, trades.trades, 1)
	assert.Equal(t, domain.ExitReasonTakeProfit, trades.trades[0].Reason)
	assert.Equal(t, "0.60-0.70", trades.trades[0].OddsBucket)
	assert.True(t, trades.trades[0].Win())
}

func TestExecuteSellPermanentSubmitFailure(t *testing.T) {
	venue := &fakeVenue{postErrs: []error{errors.New("invalid signature")}}
	ex, store := newTestExecutor(t, liveConfig(), venue)
	p := openPosition(t, store, "p1", "tok")

	out, err := ex.ExecuteSell(context.Background(), p, 0.70, domain.ExitReasonTakeProfit)
	require.Error(t, err)
	assert.Equal(t, 1, venue.posts)
	assert.Equal(t, domain.OutcomeTransient, out.Outcome)

	got, ok := store.Get("p1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusHolding, got.Status)
	assert.Empty(t, got.PendingOrder)
}

func TestExecuteSellUnfilledOrder(t *testing.T) {
	tests := []struct {
		name        string
		cancelErr   error
		wantPending string
	}{
		{name: "cancelled", wantPending: ""},
		{name: "cancel fails", cancelErr: errors.New("boom"), wantPending: "ord-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := &fakeVenue{
				statuses:  []domain.OrderStatus{domain.OrderStatusOpen},
				cancelErr: tt.cancelErr,
			}
			ex, store := newTestExecutor(t, liveConfig(), venue)
			p := openPosition(t, store, "p1", "tok")

			out, err := ex.ExecuteSell(context.Background(), p, 0.50, domain.ExitReasonStopLoss)
			require.ErrorIs(t, err, domain.ErrTransientFetch)
			assert.Equal(t, domain.OutcomeUnfilled, out.Outcome)

			got, ok := store.Get("p1")
			require.True(t, ok)
			assert.Equal(t, domain.PositionStatusHolding, got.Status)
			assert.Equal(t, tt.wantPending, got.PendingOrder)
			if tt.cancelErr == nil {
				assert.Equal(t, []string{"ord-1"}, venue.cancelled)
			}
		})
	}
}

func TestExecuteSellBusyPosition(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	p := openPosition(t, store, "p1", "tok")
	_, err := store.BeginClose(context.Background(), "p1", domain.ExitReasonTakeProfit)
	require.NoError(t, err)

	out, err := ex.ExecuteSell(context.Background(), p, 0.40, domain.ExitReasonStopLoss)
	require.ErrorIs(t, err, domain.ErrPositionBusy)
	assert.Equal(t, domain.OutcomeBusy, out.Outcome)
}

func TestStopLossBlacklistsToken(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	bl := position.NewBlacklist(nil, 3, 2, discard())
	ex.WithBlacklist(bl)
	p := openPosition(t, store, "p1", "tok")

	_, err := ex.ExecuteSell(context.Background(), p, 0.54, domain.ExitReasonStopLoss)
	require.NoError(t, err)
	assert.True(t, bl.Blocked("tok"))

	p2 := openPosition(t, store, "p2", "tok2")
	_, err = ex.ExecuteSell(context.Background(), p2, 0.69, domain.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.False(t, bl.Blocked("tok2"))
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name       string
		status     domain.OrderStatus
		getErr     error
		wantStatus domain.PositionStatus
		wantErr    bool
		wantCancel bool
		wantOrder  string
	}{
		{name: "matched closes", status: domain.OrderStatusMatched, wantStatus: domain.PositionStatusClosed},
		{name: "resting is cancelled", status: domain.OrderStatusOpen, wantStatus: domain.PositionStatusHolding, wantCancel: true},
		{name: "dead order cleared", status: domain.OrderStatusCancelled, wantStatus: domain.PositionStatusHolding},
		{name: "unreadable keeps pending", getErr: errors.New("timeout"), wantStatus: domain.PositionStatusHolding, wantErr: true, wantOrder: "ord-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := &fakeVenue{
				statuses:  []domain.OrderStatus{tt.status},
				getErr:    tt.getErr,
				fillPrice: 0.52,
			}
			ex, store := newTestExecutor(t, liveConfig(), venue)
			ctx := context.Background()
			openPosition(t, store, "p1", "tok")
			_, err := store.BeginClose(ctx, "p1", domain.ExitReasonStopLoss)
			require.NoError(t, err)
			pending, err := store.AbortClose(ctx, "p1", "ord-9")
			require.NoError(t, err)

			got, err := ex.Reconcile(ctx, pending)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantOrder, got.PendingOrder)
			if tt.wantCancel {
				assert.Equal(t, []string{"ord-9"}, venue.cancelled)
			}
			if tt.wantStatus == domain.PositionStatusClosed {
				require.NotNil(t, got.ExitPrice)
				assert.InDelta(t, 0.52, *got.ExitPrice, 1e-12)
				assert.Equal(t, domain.ExitReasonStopLoss, got.ExitReason)
			}
		})
	}
}

func TestExecuteBuyThroughGate(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	gate := position.NewGate(position.GateConfig{MaxPositions: 1}, store, nil, nil, discard())
	ex.WithGate(gate)
	ctx := context.Background()

	c := domain.MarketCandidate{MarketID: "m1", TokenID: "tok", Outcome: "Yes", Odds: 0.60, BestAsk: 0.61}
	p, err := ex.ExecuteBuy(ctx, c, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusHolding, p.Status)
	assert.InDelta(t, 0.61, p.EntryPrice, 1e-12)
	assert.InDelta(t, 0.683, p.TakeProfit, 1e-12)
	assert.InDelta(t, 0.549, p.StopLoss, 1e-12)
	assert.Contains(t, p.EntryOrderID, "dry-")
	assert.InDelta(t, 16.39, p.Size, 1e-9, "ten dollars buys 16.39 shares at 0.61")

	_, err = ex.ExecuteBuy(ctx, domain.MarketCandidate{TokenID: "tok2", BestAsk: 0.5}, 10)
	assert.ErrorIs(t, err, domain.ErrRiskLimit)
}

func TestExecuteBuyScalesStakeWhenCrowded(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	ex.WithGate(position.NewGate(position.GateConfig{MaxPositions: 5}, store, nil, nil, discard()))
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		openPosition(t, store, id, "held-"+id)
	}

	p, err := ex.ExecuteBuy(ctx, domain.MarketCandidate{MarketID: "m5", TokenID: "tok", BestAsk: 0.50}, 5)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, p.Size, 1e-9, "$3.75 at 0.50 once four of five slots are taken")
}

func TestOpenFromScanStopsAtGate(t *testing.T) {
	ex, store := newTestExecutor(t, dryRunConfig(), nil)
	ex.WithGate(position.NewGate(position.GateConfig{MaxPositions: 2}, store, nil, nil, discard()))

	accepted := []domain.MarketCandidate{
		{MarketID: "m1", TokenID: "a", BestAsk: 0.55},
		{MarketID: "m2", TokenID: "b", BestAsk: 0.45},
		{MarketID: "m3", TokenID: "c", BestAsk: 0.35},
	}
	assert.Equal(t, 2, ex.OpenFromScan(context.Background(), accepted, 5))
	assert.True(t, store.Holds("a"))
	assert.True(t, store.Holds("b"))
	assert.False(t, store.Holds("c"))
}

func TestOrderAmounts(t *testing.T) {
	maker, taker := orderAmounts(domain.OrderSideSell, 0.5, 10)
	assert.Equal(t, "10000000", maker.String())
	assert.Equal(t, "5000000", taker.String())

	maker, taker = orderAmounts(domain.OrderSideBuy, 0.61, 10)
	assert.Equal(t, "6100000", maker.String())
	assert.Equal(t, "10000000", taker.String())
}
