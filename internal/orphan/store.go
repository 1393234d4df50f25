package orphan

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// NewStore binds the orphan table to a pool or an open transaction.
func NewStore(q db.DBTX) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.DBTX
}

const orphanColumns = `id, provider, external_ref, event_id, event_kind, amount::text, COALESCE(currency, ''),
provider_status, raw_payload, delivery_count, investigated, notes, received_at, last_received_at, updated_at`

func scanOrphan(row pgx.Row) (Orphan, error) {
	var (
		o      Orphan
		amount *string
	)
	if err := row.Scan(&o.ID, &o.Provider, &o.ExternalRef, &o.EventID, &o.EventKind, &amount, &o.Currency,
		&o.ProviderStatus, &o.RawPayload, &o.DeliveryCount, &o.Investigated, &o.Notes, &o.ReceivedAt, &o.LastReceivedAt, &o.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return Orphan{}, ErrNotFound
		}
		return Orphan{}, err
	}
	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return Orphan{}, err
		}
		o.Amount = decimal.NewNullDecimal(d)
	}
	o.Currency = strings.TrimSpace(o.Currency)
	return o, nil
}

// Upsert folds a redelivery into the open row (see Orphan.Fold) and appends the
// delivery to orphan_deliveries in the same statement.
func (s *pgStore) Upsert(ctx context.Context, o Orphan, dedupeKey string) (Orphan, error) {
	var amount, currency, key any
	if o.Amount.Valid {
		amount = o.Amount.Decimal.String()
	}
	if o.Currency != "" {
		currency = o.Currency
	}
	if dedupeKey != "" {
		key = dedupeKey
	}
	return scanOrphan(s.q.QueryRow(ctx, `WITH upserted AS (
    INSERT INTO orphan_transactions
        (id, provider, external_ref, event_id, event_kind, amount, currency, provider_status, raw_payload, dedupe_key, received_at, last_received_at)
    VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $11)
    ON CONFLICT (dedupe_key) DO UPDATE SET
        event_id = EXCLUDED.event_id,
        event_kind = EXCLUDED.event_kind,
        amount = EXCLUDED.amount,
        currency = EXCLUDED.currency,
        provider_status = EXCLUDED.provider_status,
        raw_payload = EXCLUDED.raw_payload,
        delivery_count = orphan_transactions.delivery_count + 1,
        last_received_at = EXCLUDED.last_received_at,
        updated_at = now()
    RETURNING *
), delivery AS (
    INSERT INTO orphan_deliveries (orphan_id, event_id, event_kind, raw_payload, received_at)
    SELECT id, $4, $5, $9, $11 FROM upserted
)
SELECT `+orphanColumns+` FROM upserted`,
		o.ID, o.Provider, o.ExternalRef, o.EventID, o.EventKind, amount, currency, o.ProviderStatus, o.RawPayload, key, o.ReceivedAt))
}

// Deliveries lists every event folded into the orphan, oldest first.
func (s *pgStore) Deliveries(ctx context.Context, id uuid.UUID) ([]Delivery, error) {
	rows, err := s.q.Query(ctx, `SELECT orphan_id, event_id, event_kind, raw_payload, received_at
FROM orphan_deliveries WHERE orphan_id = $1 ORDER BY received_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.OrphanID, &d.EventID, &d.EventKind, &d.RawPayload, &d.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Orphan, error) {
	return scanOrphan(s.q.QueryRow(ctx, `SELECT `+orphanColumns+` FROM orphan_transactions WHERE id = $1`, id))
}

func (s *pgStore) List(ctx context.Context, f Filter) ([]Orphan, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var investigated any
	if f.Investigated != nil {
		investigated = *f.Investigated
	}
	var provider any
	if p := strings.TrimSpace(f.Provider); p != "" {
		provider = strings.ToLower(p)
	}
	rows, err := s.q.Query(ctx, `SELECT `+orphanColumns+` FROM orphan_transactions
WHERE ($1::boolean IS NULL OR investigated = $1)
  AND ($2::text IS NULL OR provider = $2)
ORDER BY received_at DESC
LIMIT $3 OFFSET $4`, investigated, provider, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Orphan, 0, limit)
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *pgStore) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM orphan_transactions WHERE investigated = false`).Scan(&n)
	return n, err
}

// Resolve records the triage outcome. Closing a row releases its dedupe key so a
// later event for the same reference opens a fresh investigation.
func (s *pgStore) Resolve(ctx context.Context, id uuid.UUID, investigated bool, notes string) (Orphan, error) {
	return scanOrphan(s.q.QueryRow(ctx, `UPDATE orphan_transactions
SET investigated = $2,
    notes = $3,
    dedupe_key = CASE WHEN $2 THEN NULL ELSE dedupe_key END,
    updated_at = now()
WHERE id = $1
RETURNING `+orphanColumns, id, investigated, notes))
}
