package local

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// TradeStore implements domain.TradeStore on a JSON file. It keeps the
// daily P&L the risk gate reads and the lifetime stats the status endpoint
// reports when PostgreSQL is disabled.
type TradeStore struct {
	mu     sync.Mutex
	path   string
	trades []domain.ClosedTrade
	seen   map[string]bool
}

// NewTradeStore loads path if it exists. An empty path keeps everything in
// memory.
func NewTradeStore(path string) (*TradeStore, error) {
	s := &TradeStore{path: path, seen: make(map[string]bool)}
	if path == "" {
		return s, nil
	}
	if err := readJSON(path, &s.trades); err != nil {
		return nil, err
	}
	for _, t := range s.trades {
		s.seen[t.PositionID] = true
	}
	return s, nil
}

// Record appends t. A second record for the same position is skipped.
func (s *TradeStore) Record(_ context.Context, t domain.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[t.PositionID] {
		return nil
	}
	s.trades = append(s.trades, t)
	s.seen[t.PositionID] = true
	if s.path == "" {
		return nil
	}
	return writeJSON(s.path, s.trades)
}

// RealizedPnLSince sums realised P&L over trades closed at or after since.
func (s *TradeStore) RealizedPnLSince(_ context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, t := range s.trades {
		if !t.ClosedAt.Before(since) {
			total = total.Add(decimal.NewFromFloat(t.RealizedPnL))
		}
	}
	f, _ := total.Float64()
	return f, nil
}

// Stats aggregates every stored trade.
func (s *TradeStore) Stats(context.Context) (domain.TradeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.TradeStats
	total := decimal.Zero
	for _, t := range s.trades {
		st.Trades++
		switch {
		case t.RealizedPnL > 0:
			st.Wins++
		case t.RealizedPnL < 0:
			st.Losses++
		}
		total = total.Add(decimal.NewFromFloat(t.RealizedPnL))
	}
	st.TotalPnL, _ = total.Float64()
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
	}
	return st, nil
}

// ListBefore returns the trades closed strictly before before, in record
// order.
func (s *TradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.ClosedTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ClosedTrade
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
