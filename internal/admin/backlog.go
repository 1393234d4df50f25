package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/obs"
)

// StatsWindow is how far back the signature-failure and failure counts look.
const StatsWindow = 24 * time.Hour

// OrphanCounter counts orphans awaiting investigation.
type OrphanCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

// AuditStats aggregates recent audit rows.
type AuditStats interface {
	Stats(ctx context.Context, since time.Time) (audit.Stats, error)
}

// Backlog is the operator summary of reconciliation health.
type Backlog struct {
	UnresolvedOrphans int64     `json:"unresolved_orphans"`
	SignatureFailures int64     `json:"signature_failures_24h"`
	FailedDeliveries  int64     `json:"failed_notifications_24h"`
	Duplicates        int64     `json:"duplicates_24h"`
	Notifications     int64     `json:"notifications_24h"`
	Since             time.Time `json:"since"`
}

// BacklogReader computes Backlog and mirrors it into the gauges.
type BacklogReader struct {
	Orphans OrphanCounter
	Audit   AuditStats
	Now     func() time.Time
}

// Read queries both stores.
func (b BacklogReader) Read(ctx context.Context) (Backlog, error) {
	now := time.Now().UTC()
	if b.Now != nil {
		now = b.Now().UTC()
	}
	since := now.Add(-StatsWindow)
	open, err := b.Orphans.CountOpen(ctx)
	if err != nil {
		return Backlog{}, fmt.Errorf("count orphans: %w", err)
	}
	stats, err := b.Audit.Stats(ctx, since)
	if err != nil {
		return Backlog{}, fmt.Errorf("audit stats: %w", err)
	}
	return Backlog{
		UnresolvedOrphans: open,
		SignatureFailures: stats.SignatureFailures,
		FailedDeliveries:  stats.Failed,
		Duplicates:        stats.Duplicates,
		Notifications:     stats.Total,
		Since:             since,
	}, nil
}

// Refresh reads the backlog and updates the unresolved-orphan and recent
// signature-failure gauges.
func (b BacklogReader) Refresh(ctx context.Context) (Backlog, error) {
	backlog, err := b.Read(ctx)
	if err != nil {
		return Backlog{}, err
	}
	obs.OrphansUnresolved.Set(float64(backlog.UnresolvedOrphans))
	obs.SignatureFailuresRecent.Set(float64(backlog.SignatureFailures))
	return backlog, nil
}
