// Package position owns the authoritative set of open positions. Each
// position is guarded by its own lock; the CLOSING status doubles as the
// exit lock so two executions can never sell the same position.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

// Store holds active positions in memory and mirrors every status change to
// an optional repository. Readers get copies; the map itself is never
// exposed.
type Store struct {
	mu      sync.RWMutex // guards entries, not the positions inside
	entries map[string]*entry

	repo       domain.PositionRepository
	now        func() time.Time
	logger     *slog.Logger
	lastOpened time.Time
}

// NewStore creates a Store. repo may be nil for a memory-only store.
func NewStore(repo domain.PositionRepository, logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		repo:    repo,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "position_store")),
	}
}

// Load restores active positions from the repository. A position persisted
// as CLOSING was interrupted mid-exit and reverts to HOLDING; its pending
// order, if any, is reconciled on the next check. A persisted position that
// violates the price invariants is a fatal configuration error.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	positions, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("position: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("position: load %s: %w", p.ID, err)
		}
		if p.Status == domain.PositionStatusClosing {
			s.logger.WarnContext(ctx, "position was closing at shutdown, reverting to holding",
				slog.String("position_id", p.ID),
				slog.String("token_id", p.TokenID),
				slog.String("pending_order_id", p.PendingOrder),
			)
			p.Status = domain.PositionStatusHolding
			if p.PendingOrder == "" {
				p.ExitReason = ""
			}
			if err := s.repo.Update(ctx, p); err != nil {
				s.logger.WarnContext(ctx, "persist reverted position failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		s.entries[p.ID] = &entry{pos: p}
		if p.OpenedAt.After(s.lastOpened) {
			s.lastOpened = p.OpenedAt
		}
	}
	return len(positions), nil
}

// Open validates p and adds it as HOLDING unless another status is given.
// Only one active position per token is allowed.
func (s *Store) Open(ctx context.Context, p domain.Position) (domain.Position, error) {
	if err := p.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position: open: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.PositionStatusHolding
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[p.ID]; ok {
		return domain.Position{}, fmt.Errorf("position: open %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	for _, e := range s.entries {
		if e.snapshot().TokenID == p.TokenID {
			return domain.Position{}, fmt.Errorf("position: open token %s: %w", p.TokenID, domain.ErrAlreadyExists)
		}
	}
	if s.repo != nil {
		if err := s.repo.Create(ctx, p); err != nil {
			return domain.Position{}, fmt.Errorf("position: persist %s: %w", p.ID, err)
		}
	}
	s.entries[p.ID] = &entry{pos: p}
	s.lastOpened = p.OpenedAt

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("token_id", p.TokenID),
		slog.Float64("entry_price", p.EntryPrice),
		slog.Float64("size", p.Size),
		slog.Float64("take_profit", p.TakeProfit),
		slog.Float64("stop_loss", p.StopLoss),
	)
	return p, nil
}

// Get returns a copy of the position.
func (s *Store) Get(id string) (domain.Position, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Position{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns copies of every active position, oldest first.
func (s *Store) Snapshot() []domain.Position {
	s.mu.RLock()
	out := make([]domain.Position, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Holding returns copies of positions eligible for exit checks.
func (s *Store) Holding() []domain.Position {
	all := s.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Status == domain.PositionStatusHolding {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of active positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LastOpenedAt returns when the most recent position was opened.
func (s *Store) LastOpenedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOpened
}

// HeldTokens returns the set of tokens with an active position.
func (s *Store) HeldTokens() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		out[e.snapshot().TokenID] = true
	}
	return out
}

// Holds reports whether tokenID has an active position.
func (s *Store) Holds(tokenID string) bool {
	return s.HeldTokens()[tokenID]
}

// BeginClose moves HOLDING to CLOSING and returns the locked position. A
// second caller gets ErrPositionBusy.
func (s *Store) BeginClose(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error) {
	return s.transition(ctx, id, func(p *domain.Position) error {
		switch p.Status {
		case domain.PositionStatusHolding:
		case domain.PositionStatusClosing:
			return domain.ErrPositionBusy
		default:
			return fmt.Errorf("%w: %s to closing", domain.ErrInvalidTransition, p.Status)
		}
		p.Status = domain.PositionStatusClosing
		p.ExitReason = reason
		return nil
	})
}

// CompleteClose moves CLOSING to CLOSED at exitPrice, records realized P&L
// as (exit - entry) * size, persists the terminal record and removes the
// position from the active set.
func (s *Store) CompleteClose(ctx context.Context, id string, exitPrice float64) (domain.Position, error) {
	closed, err := s.transition(ctx, id, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusClosing {
			return fmt.Errorf("%w: %s to closed", domain.ErrInvalidTransition, p.Status)
		}
		now := s.now().UTC()
		p.Status = domain.PositionStatusClosed
		p.ExitPrice = &exitPrice
		p.RealizedPnL = RealizedPnL(p.EntryPrice, exitPrice, p.Size)
		p.PendingOrder = ""
		p.ClosedAt = &now
		p.LastPrice = exitPrice
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return closed, nil
}

// AbortClose releases the exit lock, moving CLOSING back to HOLDING. A
// non-empty pendingOrderID records an order whose outcome is unknown; the
// exit reason is kept with it for reconciliation.
func (s *Store) AbortClose(ctx context.Context, id string, pendingOrderID string) (domain.Position, error) {
	return s.transition(ctx, id, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusClosing {
			return fmt.Errorf("%w: %s to holding", domain.ErrInvalidTransition, p.Status)
		}
		p.Status = domain.PositionStatusHolding
		p.PendingOrder = pendingOrderID
		if pendingOrderID == "" {
			p.ExitReason = ""
		}
		return nil
	})
}

// SetPendingOrder records (or with "" clears) the order in flight for an
// active position.
func (s *Store) SetPendingOrder(ctx context.Context, id, orderID string) (domain.Position, error) {
	return s.transition(ctx, id, func(p *domain.Position) error {
		if !p.Status.Active() {
			return fmt.Errorf("%w: pending order on %s", domain.ErrInvalidTransition, p.Status)
		}
		p.PendingOrder = orderID
		return nil
	})
}

// Touch records the latest observed price. It is kept in memory only.
func (s *Store) Touch(id string, price float64, at time.Time) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if price > 0 {
		e.pos.LastPrice = price
	}
	e.pos.LastCheckedAt = at
}

// RealizedPnL computes (exit - entry) * size in decimal arithmetic.
func RealizedPnL(entry, exit, size float64) float64 {
	pnl := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(size))
	f, _ := pnl.Round(6).Float64()
	return f
}

// transition applies fn under the entry lock and persists the result. A
// persistence failure is logged; memory stays authoritative.
func (s *Store) transition(ctx context.Context, id string, fn func(*domain.Position) error) (domain.Position, error) {
	e := s.lookup(id)
	if e == nil {
		return domain.Position{}, fmt.Errorf("position: %s: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.pos
	if err := fn(&next); err != nil {
		return domain.Position{}, fmt.Errorf("position: %s: %w", id, err)
	}
	e.pos = next

	if s.repo != nil {
		if err := s.repo.Update(ctx, next); err != nil {
			s.logger.ErrorContext(ctx, "persist position failed",
				slog.String("position_id", id),
				slog.String("status", string(next.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
	return next, nil
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (e *entry) snapshot() domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}
