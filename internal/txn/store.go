package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// Store persists transactions. Implementations must make UpdateStatus a
// conditional write on (status, version).
type Store interface {
	Create(ctx context.Context, t Transaction) (Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (Transaction, error)
	GetByReference(ctx context.Context, provider, ref string) (Transaction, error)
	AttachReference(ctx context.Context, id uuid.UUID, ref string) (Transaction, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, version int) (Transaction, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error)
	LinkedOrders(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// NewStore returns a Store over a pool or an open pgx transaction.
func NewStore(q db.DBTX) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.DBTX
}

const transactionColumns = `id, provider, COALESCE(external_ref, ''), amount::text, currency, status, metadata, version, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t        Transaction
		amount   string
		status   string
		metadata []byte
	)
	if err := row.Scan(&t.ID, &t.Provider, &t.ExternalRef, &amount, &t.Currency, &status, &metadata, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: decode amount: %w", err)
	}
	t.Amount = d
	t.Status = Status(status)
	t.Currency = strings.TrimSpace(t.Currency)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("txn: decode metadata: %w", err)
		}
	}
	return t, nil
}

// Create inserts the transaction and its order links in one statement.
func (s *pgStore) Create(ctx context.Context, t Transaction) (Transaction, error) {
	if s == nil || s.q == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil || t.Metadata == nil {
		metadata = []byte("{}")
	}
	var ref any
	if t.ExternalRef != "" {
		ref = t.ExternalRef
	}
	orderIDs := make([]string, 0, len(t.OrderIDs))
	for _, id := range t.OrderIDs {
		orderIDs = append(orderIDs, id.String())
	}
	row := s.q.QueryRow(ctx, `WITH ins AS (
    INSERT INTO payment_transactions (id, provider, external_ref, amount, currency, status, metadata)
    VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
    RETURNING `+transactionColumns+`
), links AS (
    INSERT INTO payment_transaction_orders (transaction_id, order_id)
    SELECT $1, unnest($8::text[])::uuid
)
SELECT * FROM ins`, t.ID, t.Provider, ref, t.Amount.String(), t.Currency, string(t.Status), metadata, orderIDs)
	created, err := scanTransaction(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Transaction{}, ErrReferenceInUse
		}
		return Transaction{}, err
	}
	created.OrderIDs = append([]uuid.UUID(nil), t.OrderIDs...)
	return created, nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	if s == nil || s.q == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	return scanTransaction(s.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (s *pgStore) GetByReference(ctx context.Context, provider, ref string) (Transaction, error) {
	if s == nil || s.q == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	if strings.TrimSpace(ref) == "" {
		return Transaction{}, ErrNotFound
	}
	return scanTransaction(s.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE provider = $1 AND external_ref = $2`, provider, ref))
}

// AttachReference sets the external reference once. Re-attaching the same value is a no-op.
func (s *pgStore) AttachReference(ctx context.Context, id uuid.UUID, ref string) (Transaction, error) {
	if s == nil || s.q == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	t, err := scanTransaction(s.q.QueryRow(ctx, `UPDATE payment_transactions
SET external_ref = $2, updated_at = now()
WHERE id = $1 AND (external_ref IS NULL OR external_ref = $2)
RETURNING `+transactionColumns, id, ref))
	switch {
	case err == nil:
		return t, nil
	case db.IsUniqueViolation(err):
		return Transaction{}, ErrReferenceInUse
	case errors.Is(err, ErrNotFound):
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Transaction{}, getErr
		}
		return Transaction{}, ErrReferenceAlreadySet
	default:
		return Transaction{}, err
	}
}

// UpdateStatus moves the row from -> to only if nobody changed it since version was read.
func (s *pgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, version int) (Transaction, error) {
	if s == nil || s.q == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	t, err := scanTransaction(s.q.QueryRow(ctx, `UPDATE payment_transactions
SET status = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND status = $2 AND version = $4
RETURNING `+transactionColumns, id, string(from), string(to), version))
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, ErrConcurrentUpdate
	}
	return t, err
}

func (s *pgStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if s == nil || s.q == nil {
		return ErrStoreUnavailable
	}
	var eventID any
	if entry.EventID != "" {
		eventID = entry.EventID
	}
	_, err := s.q.Exec(ctx, `INSERT INTO payment_transaction_status_history (transaction_id, from_status, to_status, provider, event_id)
VALUES ($1, $2, $3, $4, $5)`, entry.TransactionID, string(entry.From), string(entry.To), entry.Provider, eventID)
	return err
}

func (s *pgStore) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	if s == nil || s.q == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.q.Query(ctx, `SELECT transaction_id, from_status, to_status, provider, COALESCE(event_id, ''), created_at
FROM payment_transaction_status_history WHERE transaction_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var (
			entry    HistoryEntry
			from, to string
		)
		if err := rows.Scan(&entry.TransactionID, &from, &to, &entry.Provider, &entry.EventID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.From, entry.To = Status(from), Status(to)
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (s *pgStore) LinkedOrders(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if s == nil || s.q == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.q.Query(ctx, `SELECT order_id FROM payment_transaction_orders WHERE transaction_id = $1 ORDER BY order_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
