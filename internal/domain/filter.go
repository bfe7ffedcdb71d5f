package domain

import "time"

// RejectReason names the filter stage that rejected a candidate.
type RejectReason string

const (
	RejectOddsOutOfRange         RejectReason = "odds_out_of_range"
	RejectResolvesTooSoon        RejectReason = "resolves_too_soon"
	RejectResolvesTooFar         RejectReason = "resolves_too_far"
	RejectInsufficientLiquidity  RejectReason = "insufficient_liquidity"
	RejectSpreadTooWide          RejectReason = "spread_too_wide"
	RejectDetailFetchUnavailable RejectReason = "detail_fetch_unavailable"
)

// FilterDecision is ACCEPT or REJECT(reason).
type FilterDecision struct {
	Accepted bool
	Reason   RejectReason

	// Value and Threshold record the observed number and the bound it
	// failed, for diagnostics.
	Value     float64
	Threshold float64
}

// Accept returns an accepting decision.
func Accept() FilterDecision {
	return FilterDecision{Accepted: true}
}

// Reject returns a rejecting decision for the given reason.
func Reject(reason RejectReason, value, threshold float64) FilterDecision {
	return FilterDecision{Reason: reason, Value: value, Threshold: threshold}
}

func (d FilterDecision) String() string {
	if d.Accepted {
		return "accept"
	}
	return "reject(" + string(d.Reason) + ")"
}

// ScanStats summarises one scan cycle.
type ScanStats struct {
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	PagesFetched  int                  `json:"pages_fetched"`
	PageFailures  int                  `json:"page_failures"`
	MarketsSeen   int                  `json:"markets_seen"`
	Evaluated     int                  `json:"candidates_evaluated"`
	Accepted      int                  `json:"accepted"`
	Rejected      int                  `json:"rejected"`
	Excluded      int                  `json:"excluded"`
	DetailFetches int                  `json:"detail_fetches"`
	RejectReasons map[RejectReason]int `json:"reject_reasons"`
}

// NewScanStats returns stats with an initialised histogram.
func NewScanStats(started time.Time) ScanStats {
	return ScanStats{StartedAt: started, RejectReasons: make(map[RejectReason]int)}
}

// Record counts one filter decision.
func (s *ScanStats) Record(d FilterDecision) {
	s.Evaluated++
	if d.Accepted {
		s.Accepted++
		return
	}
	s.Rejected++
	if s.RejectReasons == nil {
		s.RejectReasons = make(map[RejectReason]int)
	}
	s.RejectReasons[d.Reason]++
}

// Clone returns a deep copy safe to hand to readers.
func (s ScanStats) Clone() ScanStats {
	out := s
	out.RejectReasons = make(map[RejectReason]int, len(s.RejectReasons))
	for k, v := range s.RejectReasons {
		out.RejectReasons[k] = v
	}
	return out
}
