// Package retention runs the periodic reconciliation housekeeping on asynq.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/admin"
	"github.com/noah-isme/toko-reconcile/internal/lock"
	"github.com/noah-isme/toko-reconcile/internal/obs"
)

const (
	TypePruneProcessed = "reconcile:prune_processed"
	TypeRefreshBacklog = "reconcile:refresh_backlog"

	// DefaultRetention keeps processed-event claims for 30 days.
	DefaultRetention = 720 * time.Hour
	defaultBatch     = 5000
	defaultLockTTL   = 5 * time.Minute
	pruneLockName    = "reconcile:prune_processed"
)

// Pruner deletes processed-event claims older than cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// Locker runs fn only when no other worker holds name.
type Locker interface {
	TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// BacklogRefresher recomputes the backlog gauges.
type BacklogRefresher interface {
	Refresh(ctx context.Context) (admin.Backlog, error)
}

// Jobs holds the task handlers.
type Jobs struct {
	Ledger    Pruner
	Locker    Locker
	Backlog   BacklogRefresher
	Retention time.Duration
	BatchSize int
	LockTTL   time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Register binds the handlers on mux.
func (j Jobs) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePruneProcessed, j.PruneProcessed)
	mux.HandleFunc(TypeRefreshBacklog, j.RefreshBacklog)
}

// PruneProcessed deletes claims past the retention window. A second worker
// that finds the lock held skips the run.
func (j Jobs) PruneProcessed(ctx context.Context, _ *asynq.Task) error {
	if j.Ledger == nil {
		return fmt.Errorf("retention: ledger not configured: %w", asynq.SkipRetry)
	}
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now().UTC()
	}
	cutoff := now.Add(-retention)
	batch := j.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}

	run := func(ctx context.Context) error {
		removed, err := j.Ledger.Prune(ctx, cutoff, batch)
		obs.ProcessedEventsPruned.Add(float64(removed))
		if err != nil {
			return fmt.Errorf("retention: prune processed events: %w", err)
		}
		j.Logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("processed events pruned")
		return nil
	}
	if j.Locker == nil {
		return run(ctx)
	}
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	err := j.Locker.TryWithLock(ctx, pruneLockName, ttl, run)
	if errors.Is(err, lock.ErrNotAcquired) {
		j.Logger.Debug().Msg("prune already running elsewhere")
		return nil
	}
	return err
}

// RefreshBacklog updates the unresolved-orphan and signature-failure gauges.
func (j Jobs) RefreshBacklog(ctx context.Context, _ *asynq.Task) error {
	if j.Backlog == nil {
		return fmt.Errorf("retention: backlog not configured: %w", asynq.SkipRetry)
	}
	backlog, err := j.Backlog.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("retention: refresh backlog: %w", err)
	}
	j.Logger.Debug().
		Int64("unresolved_orphans", backlog.UnresolvedOrphans).
		Int64("signature_failures", backlog.SignatureFailures).
		Msg("backlog gauges refreshed")
	return nil
}

// Schedule registers the periodic tasks: pruning hourly, the backlog every minute.
func Schedule(s *asynq.Scheduler) error {
	entries := []struct {
		cron string
		task *asynq.Task
		opts []asynq.Option
	}{
		{"@every 1h", asynq.NewTask(TypePruneProcessed, nil), []asynq.Option{asynq.MaxRetry(2), asynq.Timeout(30 * time.Minute)}},
		{"@every 1m", asynq.NewTask(TypeRefreshBacklog, nil), []asynq.Option{asynq.MaxRetry(0), asynq.Timeout(30 * time.Second), asynq.Unique(55 * time.Second)}},
	}
	for _, e := range entries {
		if _, err := s.Register(e.cron, e.task, e.opts...); err != nil {
			return fmt.Errorf("retention: schedule %s: %w", e.task.Type(), err)
		}
	}
	return nil
}
