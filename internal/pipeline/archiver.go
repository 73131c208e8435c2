// Package pipeline runs the scheduled maintenance jobs that sit beside the
// live feeds. Today that is the divergence archiver.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

const (
	archiveLockKey = "archiver"
	archiveLockTTL = 30 * time.Minute
)

// Archiver moves divergence events older than the retention window to cold
// storage. Replicas coordinate through the lock manager so one run happens
// per trigger.
type Archiver struct {
	blob      domain.Archiver
	locks     domain.LockManager
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver keeping retentionDays of history in the
// primary store. locks may be nil in single-replica deployments.
func NewArchiver(blob domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		locks:     locks,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run archives once. Losing the lock to another replica is not an error.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			a.logger.InfoContext(ctx, "archive skipped", slog.String("reason", err.Error()))
			return nil
		case err != nil:
			return fmt.Errorf("archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().Add(-a.retention)
	start := a.now()
	n, err := a.blob.ArchiveDivergences(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive divergences before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("archived", n),
		slog.Duration("took", a.now().Sub(start)),
	)
	return nil
}

// RunCron archives on every firing of expr until ctx is done. A failed run
// is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("archive schedule %q: %w", expr, err)
	}
	a.logger.Info("archive schedule started", slog.String("cron", sched.String()))

	for {
		now := a.now()
		next, err := sched.Next(now)
		if err != nil {
			return err
		}
		a.logger.Debug("next archive", slog.Time("at", next))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := a.Run(ctx); err != nil {
			a.logger.Error("archive failed", slog.String("error", err.Error()))
		}
	}
}
