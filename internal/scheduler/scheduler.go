// Package scheduler drives the two cadences of the engine: frequent
// position checks and slower market scans. A scan never delays a check;
// the two share only the time the last scan was launched.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/scanner"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateRunning      State = "RUNNING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateStopped      State = "STOPPED"
)

// PositionChecker runs one pass over the held positions.
type PositionChecker interface {
	CheckAll(ctx context.Context) (int, error)
}

// MarketScanner runs one scan cycle.
type MarketScanner interface {
	Scan(ctx context.Context, pageSize, maxMarkets int) (scanner.Result, error)
}

// Config sets the two cadences.
type Config struct {
	CheckInterval time.Duration
	ScanInterval  time.Duration
	// ScanGrace bounds how long shutdown waits for a running scan.
	ScanGrace   time.Duration
	ScanOnStart bool
	PageSize    int
	MaxMarkets  int
}

// Validate rejects cadences that would starve position checks.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 || c.ScanInterval <= 0 {
		return fmt.Errorf("scheduler: %w: intervals must be positive", domain.ErrConfiguration)
	}
	if c.CheckInterval > c.ScanInterval {
		return fmt.Errorf("scheduler: %w: check interval %s exceeds scan interval %s",
			domain.ErrConfiguration, c.CheckInterval, c.ScanInterval)
	}
	return nil
}

// Status is a point-in-time view for reporting.
type Status struct {
	State        State     `json:"state"`
	Checks       int64     `json:"checks"`
	LastCheckAt  time.Time `json:"last_check_at"`
	CheckErrors  int64     `json:"check_errors"`
	Scans        int64     `json:"scans"`
	LastScanAt   time.Time `json:"last_scan_at"`
	ScanInFlight bool      `json:"scan_in_flight"`
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTicker replaces the check ticker. The returned func stops it.
func WithTicker(fn func(d time.Duration) (<-chan time.Time, func())) Option {
	return func(s *Scheduler) { s.ticker = fn }
}

// WithScanHandler is called with every successful scan result.
func WithScanHandler(fn func(ctx context.Context, res scanner.Result)) Option {
	return func(s *Scheduler) { s.onScan = fn }
}

// Scheduler runs position checks on a fixed tick and launches a scan
// whenever the scan interval has passed since the last launch and no scan
// is in flight.
type Scheduler struct {
	cfg     Config
	checker PositionChecker
	scanner MarketScanner
	logger  *slog.Logger
	now     func() time.Time
	ticker  func(d time.Duration) (<-chan time.Time, func())
	onScan  func(ctx context.Context, res scanner.Result)

	mu         sync.Mutex
	state      State
	scanAnchor time.Time
	scanning   bool
	status     Status
	scans      sync.WaitGroup
}

// New creates a Scheduler in the STOPPED state. scan may be nil for a
// monitor-only loop.
func New(cfg Config, checker PositionChecker, scan MarketScanner, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		checker: checker,
		scanner: scan,
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     time.Now,
		ticker:  realTicker,
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns counters for reporting.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	st.ScanInFlight = s.scanning
	return st
}

// Run checks positions immediately and then on every tick until ctx is
// cancelled. On cancellation it finishes the tick in progress, gives a
// running scan ScanGrace to complete, and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	start := s.now()
	s.mu.Lock()
	s.state = StateRunning
	if !s.cfg.ScanOnStart {
		s.scanAnchor = start
	}
	s.mu.Unlock()

	scanCtx, cancelScans := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelScans()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("check_interval", s.cfg.CheckInterval),
		slog.Duration("scan_interval", s.cfg.ScanInterval),
	)

	ticks, stop := s.ticker(s.cfg.CheckInterval)
	defer stop()

	s.tick(ctx, scanCtx, start)
	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancelScans)
			return nil
		case now := <-ticks:
			s.tick(ctx, scanCtx, now)
		}
	}
}

func (s *Scheduler) tick(ctx, scanCtx context.Context, now time.Time) {
	s.RunPositionChecks(ctx)
	if ctx.Err() == nil {
		s.MaybeLaunchScan(scanCtx, now)
	}
}

// RunPositionChecks runs one check pass. The pass is detached from ctx
// cancellation so an exit in progress is never abandoned; each venue call
// stays bounded by its own timeout.
func (s *Scheduler) RunPositionChecks(ctx context.Context) {
	n, err := s.checker.CheckAll(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.status.Checks++
	s.status.LastCheckAt = s.now()
	if err != nil {
		s.status.CheckErrors++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WarnContext(ctx, "position check had failures",
			slog.Int("positions", n),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "position check done", slog.Int("positions", n))
}

// MaybeLaunchScan starts a scan in the background when ScanInterval has
// passed since the last launch and none is running. The launch time, not
// the completion time, anchors the next interval.
func (s *Scheduler) MaybeLaunchScan(ctx context.Context, now time.Time) bool {
	if s.scanner == nil {
		return false
	}
	s.mu.Lock()
	if s.state == StateShuttingDown || s.scanning {
		s.mu.Unlock()
		return false
	}
	if !s.scanAnchor.IsZero() && now.Sub(s.scanAnchor) < s.cfg.ScanInterval {
		s.mu.Unlock()
		return false
	}
	s.scanning = true
	s.scanAnchor = now
	s.status.Scans++
	s.status.LastScanAt = now
	s.scans.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.scans.Done()
		defer func() {
			s.mu.Lock()
			s.scanning = false
			s.mu.Unlock()
		}()

		res, err := s.scanner.Scan(ctx, s.cfg.PageSize, s.cfg.MaxMarkets)
		if err != nil {
			s.logger.WarnContext(ctx, "scan failed",
				slog.Int("accepted", len(res.Accepted)),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.InfoContext(ctx, "scan complete",
			slog.Int("accepted", res.Stats.Accepted),
			slog.Int("rejected", res.Stats.Rejected),
			slog.Int("page_failures", res.Stats.PageFailures),
			slog.Duration("took", res.Stats.FinishedAt.Sub(res.Stats.StartedAt)),
		)
		if s.onScan != nil {
			s.onScan(ctx, res)
		}
	}()
	return true
}

func (s *Scheduler) shutdown(cancelScans context.CancelFunc) {
	s.mu.Lock()
	s.state = StateShuttingDown
	inFlight := s.scanning
	s.mu.Unlock()
	s.logger.Info("scheduler shutting down", slog.Bool("scan_in_flight", inFlight))

	done := make(chan struct{})
	go func() {
		s.scans.Wait()
		close(done)
	}()

	if inFlight {
		grace := time.NewTimer(s.cfg.ScanGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			s.logger.Warn("scan grace period elapsed, abandoning scan")
			cancelScans()
		}
	}
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
