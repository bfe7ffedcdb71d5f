package handler

import (
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ExitSource serves the in-memory ring of exit events.
type ExitSource interface {
	Recent(n int) []domain.ExitEvent
}

// ExitHandler serves recent exit decisions.
type ExitHandler struct {
	exits ExitSource
}

// NewExitHandler creates an ExitHandler.
func NewExitHandler(exits ExitSource) *ExitHandler {
	return &ExitHandler{exits: exits}
}

// ListRecent returns up to ?limit= exit events, newest first.
// GET /api/exits/recent
func (h *ExitHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	events := h.exits.Recent(parseLimit(r, 50, 500))
	if events == nil {
		events = []domain.ExitEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
