package local

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionStore implements domain.PositionRepository on a JSON file. Only
// active positions are kept; a closed position leaves the file and its
// record lives on in the trade log.
type PositionStore struct {
	mu        sync.Mutex
	path      string
	positions map[string]domain.Position
}

// NewPositionStore loads path if it exists. An empty path keeps everything
// in memory.
func NewPositionStore(path string) (*PositionStore, error) {
	s := &PositionStore{path: path, positions: make(map[string]domain.Position)}
	if path == "" {
		return s, nil
	}
	var stored []domain.Position
	if err := readJSON(path, &stored); err != nil {
		return nil, err
	}
	for _, p := range stored {
		s.positions[p.ID] = p
	}
	return s, nil
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("local: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.positions[p.ID] = p
	return s.flush()
}

func (s *PositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("local: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	if p.Status.Active() {
		s.positions[p.ID] = p
	} else {
		delete(s.positions, p.ID)
	}
	return s.flush()
}

// ListActive returns the stored positions, oldest first.
func (s *PositionStore) ListActive(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(), nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("local: get position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PositionStore) sorted() []domain.Position {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Position) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// flush must be called with mu held.
func (s *PositionStore) flush() error {
	if s.path == "" {
		return nil
	}
	return writeJSON(s.path, s.sorted())
}

var _ domain.PositionRepository = (*PositionStore)(nil)
