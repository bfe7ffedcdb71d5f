package handler

import (
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ScanSource exposes the last completed scan.
type ScanSource interface {
	LastStats() domain.ScanStats
	LastAccepted() []domain.MarketCandidate
}

// ScanHandler serves scan statistics.
type ScanHandler struct {
	scans ScanSource
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(scans ScanSource) *ScanHandler {
	return &ScanHandler{scans: scans}
}

type scanStatsResponse struct {
	Stats      domain.ScanStats         `json:"stats"`
	Candidates []domain.MarketCandidate `json:"candidates"`
}

// GetStats returns the filter statistics and ranked candidates of the last scan.
// GET /api/scan/stats
func (h *ScanHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	candidates := h.scans.LastAccepted()
	if candidates == nil {
		candidates = []domain.MarketCandidate{}
	}
	writeJSON(w, http.StatusOK, scanStatsResponse{
		Stats:      h.scans.LastStats(),
		Candidates: candidates,
	})
}
