package audit

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// NewStore returns an audit Store backed by Postgres.
func NewStore(q db.DBTX) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.DBTX
}

func (s *pgStore) InsertEntry(ctx context.Context, e Entry) error {
	_, err := s.q.Exec(ctx, `INSERT INTO webhook_audit_log
    (id, provider, event_kind, event_id, signature_valid, processed, outcome, error_message, duration_ms, payload_sha256, remote_ip, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Provider, e.EventKind, e.EventID, e.SignatureValid, e.Processed, string(e.Outcome), e.Error,
		e.Duration.Milliseconds(), e.PayloadSHA256, e.RemoteIP, e.ReceivedAt)
	return err
}

func (s *pgStore) ListEntries(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var provider, outcome any
	if p := strings.TrimSpace(f.Provider); p != "" {
		provider = strings.ToLower(p)
	}
	if o := strings.TrimSpace(f.Outcome); o != "" {
		outcome = o
	}
	rows, err := s.q.Query(ctx, `SELECT id, provider, event_kind, event_id, signature_valid, processed, outcome,
    error_message, duration_ms, payload_sha256, remote_ip, received_at
FROM webhook_audit_log
WHERE ($1::text IS NULL OR provider = $1)
  AND ($2::text IS NULL OR outcome = $2)
ORDER BY received_at DESC
LIMIT $3 OFFSET $4`, provider, outcome, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			outcomeStr string
			durationMs int64
		)
		if err := rows.Scan(&e.ID, &e.Provider, &e.EventKind, &e.EventID, &e.SignatureValid, &e.Processed, &outcomeStr,
			&e.Error, &durationMs, &e.PayloadSHA256, &e.RemoteIP, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcomeStr)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *pgStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	err := s.q.QueryRow(ctx, `SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE outcome = 'signature_invalid'),
    COUNT(*) FILTER (WHERE outcome = 'failed'),
    COUNT(*) FILTER (WHERE outcome = 'duplicate')
FROM webhook_audit_log WHERE received_at >= $1`, since).Scan(&st.Total, &st.SignatureFailures, &st.Failed, &st.Duplicates)
	return st, err
}
