package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `position_id, market_id, token_id, entry_price, exit_price,
	size, realized_pnl, reason, odds_bucket, opened_at, closed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.ClosedTrade, error) {
	var trades []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var reason string
		if err := rows.Scan(
			&t.PositionID, &t.MarketID, &t.TokenID, &t.EntryPrice, &t.ExitPrice,
			&t.Size, &t.RealizedPnL, &reason, &t.OddsBucket, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		t.Reason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Record stores a closed trade. A second record for the same position is
// silently skipped via ON CONFLICT DO NOTHING.
func (s *TradeStore) Record(ctx context.Context, t domain.ClosedTrade) error {
	const query = `
		INSERT INTO closed_trades (` + tradeSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (position_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.PositionID, t.MarketID, t.TokenID, t.EntryPrice, t.ExitPrice,
		t.Size, t.RealizedPnL, string(t.Reason), t.OddsBucket, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", t.PositionID, err)
	}
	return nil
}

// RealizedPnLSince sums realised P&L over trades closed at or after since.
func (s *TradeStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(realized_pnl), 0) FROM closed_trades WHERE closed_at >= $1",
		since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: realized pnl since: %w", err)
	}
	return total, nil
}

// Stats aggregates every stored trade.
func (s *TradeStore) Stats(ctx context.Context) (domain.TradeStats, error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE realized_pnl > 0),
		       COUNT(*) FILTER (WHERE realized_pnl < 0),
		       COALESCE(SUM(realized_pnl), 0)
		FROM closed_trades`

	var st domain.TradeStats
	if err := s.pool.QueryRow(ctx, query).Scan(&st.Trades, &st.Wins, &st.Losses, &st.TotalPnL); err != nil {
		return domain.TradeStats{}, fmt.Errorf("postgres: trade stats: %w", err)
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
	}
	return st, nil
}

// ListBefore returns all trades closed strictly before the given time (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ClosedTrade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM closed_trades WHERE closed_at < $1 ORDER BY closed_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore deletes all trades closed before the given time. Returns the number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM closed_trades WHERE closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
