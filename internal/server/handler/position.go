package handler

import (
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionSource exposes the in-memory position book.
type PositionSource interface {
	Snapshot() []domain.Position
}

// PositionHandler serves the position snapshot.
type PositionHandler struct {
	positions PositionSource
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionSource) *PositionHandler {
	return &PositionHandler{positions: positions}
}

type listPositionsResponse struct {
	Count     int               `json:"count"`
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every tracked position. ?active=true drops closed ones.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	all := h.positions.Snapshot()
	activeOnly := r.URL.Query().Get("active") == "true"

	out := make([]domain.Position, 0, len(all))
	for _, p := range all {
		if activeOnly && !p.Status.Active() {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Count: len(out), Positions: out})
}
