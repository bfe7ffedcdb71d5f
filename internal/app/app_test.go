package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// venue serves an empty market listing and counts listing requests.
func venue(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/markets" {
			pages.Add(1)
		}
		_, _ = io.WriteString(w, "[]")
	}))
	t.Cleanup(srv.Close)
	return srv, &pages
}

func testConfig(t *testing.T, mode, host string) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Local.DataDir = t.TempDir()
	cfg.Mode = mode
	cfg.Polymarket.GammaHost = host
	cfg.Polymarket.ClobHost = host
	cfg.Polymarket.WsHost = ""
	cfg.Server.Enabled = false
	return cfg
}

func TestScanModeRunsOnce(t *testing.T) {
	srv, pages := venue(t)
	cfg := testConfig(t, "scan", srv.URL)

	a := New(&cfg, discard())
	defer a.Close()
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, int32(1), pages.Load())
}

func TestMonitorModeStopsOnCancel(t *testing.T) {
	srv, pages := venue(t)
	cfg := testConfig(t, "monitor", srv.URL)
	cfg.Server.Enabled = true
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	a := New(&cfg, discard())
	defer a.Close()
	require.NoError(t, a.Run(ctx))
	assert.Zero(t, pages.Load(), "monitor mode never scans")
}

func TestFullModeStopsOnCancel(t *testing.T) {
	srv, _ := venue(t)
	cfg := testConfig(t, "full", srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	a := New(&cfg, discard())
	defer a.Close()
	assert.NoError(t, a.Run(ctx))
}

func TestLiveModeNeedsKey(t *testing.T) {
	srv, _ := venue(t)
	cfg := testConfig(t, "monitor", srv.URL)
	cfg.Execution.DryRun = false

	a := New(&cfg, discard())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestScanModeNeverLoadsWallet(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "no key", key: ""},
		{name: "unusable key", key: "0xnothex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, pages := venue(t)
			cfg := testConfig(t, "scan", srv.URL)
			cfg.Execution.DryRun = false
			cfg.Wallet.PrivateKey = tt.key
			require.NoError(t, cfg.Validate())

			a := New(&cfg, discard())
			defer a.Close()
			require.NoError(t, a.Run(context.Background()))
			assert.Equal(t, int32(1), pages.Load())
		})
	}
}

func TestWireFallsBackToLocalStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Local.DataDir = t.TempDir()

	deps, cleanup, err := Wire(ctx, &cfg, discard())
	require.NoError(t, err)
	require.NotNil(t, deps.Trades)
	require.NotNil(t, deps.Positions)
	require.NoError(t, deps.Positions.Create(ctx, domain.Position{
		ID:         "p1",
		TokenID:    "tok",
		EntryPrice: 0.5,
		Size:       10,
		TakeProfit: 0.56,
		StopLoss:   0.45,
		Status:     domain.PositionStatusHolding,
	}))
	require.NoError(t, deps.Trades.Record(ctx, domain.ClosedTrade{PositionID: "p0", RealizedPnL: -2, ClosedAt: time.Now()}))
	cleanup()

	deps, cleanup, err = Wire(ctx, &cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	active, err := deps.Positions.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ID)
	stats, err := deps.Trades.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Losses)
}

func TestRedisLimiterWithoutRedis(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.Backend = "redis"

	a := New(&cfg, discard())
	_, err := a.venueLimiter(&Dependencies{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))
	assert.Nil(t, originChecker([]string{"*"}))

	check := originChecker([]string{"https://dash.example"})
	require.NotNil(t, check)

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://dash.example", want: true},
		{origin: "https://evil.example", want: false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/exits", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), tt.origin)
	}
}
