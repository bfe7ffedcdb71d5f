package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionRepository persists positions. The in-memory PositionStore is
// authoritative while running; the repository survives restarts.
type PositionRepository interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	ListActive(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
}

// TradeStore persists closed trades.
type TradeStore interface {
	Record(ctx context.Context, t ClosedTrade) error
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	Stats(ctx context.Context) (TradeStats, error)
	ListBefore(ctx context.Context, before time.Time) ([]ClosedTrade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlacklistStore persists blacklist entries across restarts.
type BlacklistStore interface {
	Put(ctx context.Context, e BlacklistEntry) error
	Delete(ctx context.Context, tokenID string) error
	List(ctx context.Context) ([]BlacklistEntry, error)
}
