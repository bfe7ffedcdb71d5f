package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/scheduler"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
)

type fakePositions []domain.Position

func (f fakePositions) Snapshot() []domain.Position { return f }

type fakeScans struct{}

func (fakeScans) LastStats() domain.ScanStats {
	st := domain.NewScanStats(time.Unix(0, 0))
	st.Record(domain.Accept())
	st.Record(domain.Reject(domain.RejectReason("spread"), 9, 5))
	return st
}

func (fakeScans) LastAccepted() []domain.MarketCandidate {
	return []domain.MarketCandidate{{MarketID: "m1", TokenID: "t1", Odds: 0.45}}
}

type fakeExits []domain.ExitEvent

func (f fakeExits) Recent(n int) []domain.ExitEvent {
	if n > len(f) {
		n = len(f)
	}
	return f[:n]
}

type fakeSched struct{}

func (fakeSched) Status() scheduler.Status {
	return scheduler.Status{State: scheduler.StateRunning, Checks: 12}
}

type fakeStats struct{ err error }

func (f fakeStats) Stats(context.Context) (domain.TradeStats, error) {
	return domain.TradeStats{Trades: 4, Wins: 3, Losses: 1, WinRate: 0.75, TotalPnL: 1.2}, f.err
}

type allowNone struct{}

func (allowNone) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestServer(t *testing.T, cfg Config, stats handler.StatsSource, health ...handler.Checker) (*httptest.Server, *ws.Hub) {
	t.Helper()
	exits := fakeExits{
		{ID: "e2", PositionID: "p2", Outcome: domain.OutcomeMinPriceHeld},
		{ID: "e1", PositionID: "p1", Outcome: domain.OutcomeClosed},
	}
	hub := ws.NewHub(exits, nil, quiet())
	s := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(quiet(), health...),
		Positions: handler.NewPositionHandler(fakePositions{
			{ID: "p1", TokenID: "t1", Status: domain.PositionStatusHolding},
			{ID: "p0", TokenID: "t0", Status: domain.PositionStatusClosed},
		}),
		Scan:   handler.NewScanHandler(fakeScans{}),
		Exits:  handler.NewExitHandler(exits),
		Status: handler.NewStatusHandler("monitor", true, fakeSched{}, stats, quiet()),
	}, hub, nil, quiet())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, hub
}

func getJSON(t *testing.T, url string, headers map[string]string, into any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestReportingEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, fakeStats{})

	var positions struct {
		Count     int               `json:"count"`
		Positions []domain.Position `json:"positions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/positions", nil, &positions))
	assert.Equal(t, 2, positions.Count)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/positions?active=true", nil, &positions))
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, "p1", positions.Positions[0].ID)

	var scan struct {
		Stats      domain.ScanStats         `json:"stats"`
		Candidates []domain.MarketCandidate `json:"candidates"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/scan/stats", nil, &scan))
	assert.Equal(t, 1, scan.Stats.Accepted)
	assert.Equal(t, 1, scan.Stats.RejectReasons["spread"])
	require.Len(t, scan.Candidates, 1)

	var exits struct {
		Events []domain.ExitEvent `json:"events"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/exits/recent?limit=1", nil, &exits))
	require.Len(t, exits.Events, 1)
	assert.Equal(t, "e2", exits.Events[0].ID)

	var status struct {
		Mode      string            `json:"mode"`
		DryRun    bool              `json:"dry_run"`
		Scheduler scheduler.Status  `json:"scheduler"`
		Trades    domain.TradeStats `json:"trades"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", nil, &status))
	assert.Equal(t, "monitor", status.Mode)
	assert.True(t, status.DryRun)
	assert.Equal(t, scheduler.StateRunning, status.Scheduler.State)
	assert.Equal(t, 0.75, status.Trades.WinRate)
}

func TestStatusStatsFailure(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, fakeStats{err: errors.New("db down")})
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/status", nil, nil))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks []handler.Checker
		want   int
	}{
		{name: "no deps", want: http.StatusOK},
		{
			name:   "all healthy",
			checks: []handler.Checker{{Name: "redis", Check: func(context.Context) error { return nil }}},
			want:   http.StatusOK,
		},
		{
			name: "one down",
			checks: []handler.Checker{
				{Name: "redis", Check: func(context.Context) error { return nil }},
				{Name: "postgres", Check: func(context.Context) error { return errors.New("refused") }},
			},
			want: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, Config{APIKey: "secret"}, nil, tt.checks...)
			var body map[string]any
			assert.Equal(t, tt.want, getJSON(t, srv.URL+"/api/health", nil, &body))
		})
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, Config{APIKey: "secret"}, nil)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong", headers: map[string]string{"X-API-Key": "nope"}, want: http.StatusUnauthorized},
		{name: "api key", headers: map[string]string{"X-API-Key": "secret"}, want: http.StatusOK},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer secret"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getJSON(t, srv.URL+"/api/positions", tt.headers, nil))
		})
	}
}

func TestRateLimitAndCORS(t *testing.T) {
	s := NewServer(Config{RateLimit: 10, CORSOrigins: []string{"https://dash.example"}}, Handlers{
		Health:    handler.NewHealthHandler(quiet()),
		Positions: handler.NewPositionHandler(fakePositions{}),
		Scan:      handler.NewScanHandler(fakeScans{}),
		Exits:     handler.NewExitHandler(fakeExits{}),
		Status:    handler.NewStatusHandler("monitor", false, nil, nil, quiet()),
	}, nil, allowNone{}, quiet())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Origin", "https://dash.example")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://evil.example")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestExitWebSocket(t *testing.T) {
	srv, hub := newTestServer(t, Config{APIKey: "secret"}, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/exits?token=secret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var backlog struct {
		Type    string             `json:"type"`
		Payload []domain.ExitEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&backlog))
	assert.Equal(t, "backlog", backlog.Type)
	assert.Len(t, backlog.Payload, 2)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(domain.ExitEvent{ID: "e3", Outcome: domain.OutcomeClosed})

	var live struct {
		Type    string           `json:"type"`
		Payload domain.ExitEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, "exit_event", live.Type)
	assert.Equal(t, "e3", live.Payload.ID)
}
