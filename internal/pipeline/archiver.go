// Package pipeline runs the periodic housekeeping jobs: cold archiving of
// closed trades and audit entries, and the blacklist expiry sweep.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Sweeper drops expired entries and reports how many went.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Archiver moves old data from the database to S3 cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run executes a single archive run over closed trades and audit entries
// older than the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	trades, err := a.blobArchiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving trades before %v: %w", cutoff, err)
	}

	audit, err := a.blobArchiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving audit log before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("trades_archived", trades),
		slog.Int64("audit_archived", audit),
	)
	return nil
}

// Jobs schedules housekeeping on cron expressions. A nil archiver or
// sweeper skips that job.
type Jobs struct {
	archiver    *Archiver
	archiveSpec string
	sweeper     Sweeper
	sweepSpec   string
	logger      *slog.Logger
}

// NewJobs creates the housekeeping scheduler. Specs use the standard
// 5-field format, e.g. "0 3 * * *".
func NewJobs(archiver *Archiver, archiveSpec string, sweeper Sweeper, sweepSpec string, logger *slog.Logger) *Jobs {
	return &Jobs{
		archiver:    archiver,
		archiveSpec: archiveSpec,
		sweeper:     sweeper,
		sweepSpec:   sweepSpec,
		logger:      logger.With(slog.String("component", "jobs")),
	}
}

// Run registers the jobs and blocks until ctx is cancelled, then waits for
// any running job to finish.
func (j *Jobs) Run(ctx context.Context) error {
	c, err := j.build(ctx)
	if err != nil {
		return err
	}

	c.Start()
	j.logger.InfoContext(ctx, "housekeeping jobs started", slog.Int("jobs", len(c.Entries())))
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("housekeeping jobs stopped")
	return nil
}

func (j *Jobs) build(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if j.archiver != nil && j.archiveSpec != "" {
		_, err := c.AddFunc(j.archiveSpec, func() {
			if err := j.archiver.Run(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w: archive cron %q: %v", domain.ErrConfiguration, j.archiveSpec, err)
		}
	}

	if j.sweeper != nil && j.sweepSpec != "" {
		_, err := c.AddFunc(j.sweepSpec, func() {
			if n := j.sweeper.Sweep(ctx); n > 0 {
				j.logger.InfoContext(ctx, "blacklist sweep", slog.Int("expired", n))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w: sweep cron %q: %v", domain.ErrConfiguration, j.sweepSpec, err)
		}
	}
	return c, nil
}

// ValidateSpec reports whether spec parses as a 5-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return nil
}
