// Package idempotency guards against applying the same provider event twice.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// ErrStoreUnavailable indicates the ledger has no database handle.
var ErrStoreUnavailable = errors.New("idempotency: store unavailable")

// Record is one processed (provider, event id) pair.
type Record struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"event_id"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Ledger is the durable write-once record of processed events. Claim relies on
// the (provider, event_id) primary key; the conflict itself is the duplicate signal.
type Ledger struct {
	q db.DBTX
}

// NewLedger binds a ledger to a pool or an open transaction.
func NewLedger(q db.DBTX) *Ledger {
	return &Ledger{q: q}
}

// Claim inserts the pair if absent and reports whether it already existed.
// Inside a transaction, a concurrent claimant blocks on the key until the
// first one commits or rolls back.
func (l *Ledger) Claim(ctx context.Context, provider, eventID, outcome string) (bool, error) {
	if l == nil || l.q == nil {
		return false, ErrStoreUnavailable
	}
	provider, eventID = normalize(provider, eventID)
	tag, err := l.q.Exec(ctx, `INSERT INTO processed_provider_events (provider, event_id, outcome)
VALUES ($1, $2, $3)
ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID, outcome)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// Get returns the stored record, if any.
func (l *Ledger) Get(ctx context.Context, provider, eventID string) (Record, bool, error) {
	if l == nil || l.q == nil {
		return Record{}, false, ErrStoreUnavailable
	}
	provider, eventID = normalize(provider, eventID)
	rec := Record{Provider: provider, EventID: eventID}
	err := l.q.QueryRow(ctx, `SELECT outcome, processed_at FROM processed_provider_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&rec.Outcome, &rec.ProcessedAt)
	if db.IsNoRows(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Prune deletes records processed before cutoff, in batches, and returns the number removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if l == nil || l.q == nil {
		return 0, ErrStoreUnavailable
	}
	if batch <= 0 {
		batch = 5000
	}
	var total int64
	for {
		tag, err := l.q.Exec(ctx, `DELETE FROM processed_provider_events
WHERE ctid IN (SELECT ctid FROM processed_provider_events WHERE processed_at < $1 LIMIT $2)`, cutoff, batch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func normalize(provider, eventID string) (string, string) {
	return strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID)
}
