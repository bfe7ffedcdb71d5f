package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionStore implements domain.PositionRepository using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, token_id, outcome, question,
	entry_price, size, take_profit, stop_loss, status,
	last_price, realized_pnl, exit_price, exit_reason,
	entry_order_id, pending_order_id, opened_at, last_checked_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, reason string
	var checked *time.Time

	err := row.Scan(
		&p.ID, &p.MarketID, &p.TokenID, &p.Outcome, &p.Question,
		&p.EntryPrice, &p.Size, &p.TakeProfit, &p.StopLoss, &status,
		&p.LastPrice, &p.RealizedPnL, &p.ExitPrice, &reason,
		&p.EntryOrderID, &p.PendingOrder, &p.OpenedAt, &checked, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.ExitReason(reason)
	if checked != nil {
		p.LastCheckedAt = *checked
	}
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `INSERT INTO positions (` + positionSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `UPDATE positions SET
		status = $2, last_price = $3, realized_pnl = $4, exit_price = $5,
		exit_reason = $6, pending_order_id = $7, last_checked_at = $8,
		closed_at = $9, take_profit = $10, stop_loss = $11, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), p.LastPrice, p.RealizedPnL, p.ExitPrice,
		string(p.ExitReason), p.PendingOrder, nullTime(p.LastCheckedAt),
		p.ClosedAt, p.TakeProfit, p.StopLoss,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// ListActive returns every position that still carries exposure, oldest
// first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('open', 'holding', 'closing') ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active positions rows: %w", err)
	}
	return out, nil
}

// GetByID returns one position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func positionArgs(p domain.Position) []any {
	return []any{
		p.ID, p.MarketID, p.TokenID, p.Outcome, p.Question,
		p.EntryPrice, p.Size, p.TakeProfit, p.StopLoss, string(p.Status),
		p.LastPrice, p.RealizedPnL, p.ExitPrice, string(p.ExitReason),
		p.EntryOrderID, p.PendingOrder, p.OpenedAt, nullTime(p.LastCheckedAt), p.ClosedAt,
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.PositionRepository = (*PositionStore)(nil)
