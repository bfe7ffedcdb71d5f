package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/scheduler"
)

// SchedulerSource reports the scheduler's lifecycle and counters.
type SchedulerSource interface {
	Status() scheduler.Status
}

// StatsSource aggregates closed trades.
type StatsSource interface {
	Stats(ctx context.Context) (domain.TradeStats, error)
}

// StatusHandler serves the runtime status for the dashboard.
type StatusHandler struct {
	mode      string
	dryRun    bool
	startedAt time.Time
	sched     SchedulerSource
	stats     StatsSource
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. stats may be nil.
func NewStatusHandler(mode string, dryRun bool, sched SchedulerSource, stats StatsSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		dryRun:    dryRun,
		startedAt: time.Now().UTC(),
		sched:     sched,
		stats:     stats,
		logger:    logHandler(logger, "status"),
	}
}

type statusResponse struct {
	Mode          string             `json:"mode"`
	DryRun        bool               `json:"dry_run"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Scheduler     scheduler.Status   `json:"scheduler"`
	Trades        *domain.TradeStats `json:"trades,omitempty"`
}

// GetStatus responds with the mode, scheduler state and lifetime trade stats.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.mode,
		DryRun:        h.dryRun,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.sched != nil {
		resp.Scheduler = h.sched.Status()
	}
	if h.stats != nil {
		st, err := h.stats.Stats(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "trade stats failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to load trade stats")
			return
		}
		resp.Trades = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
