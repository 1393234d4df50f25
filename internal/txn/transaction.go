package txn

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no transaction matches the lookup.
	ErrNotFound = errors.New("txn: transaction not found")
	// ErrConcurrentUpdate is returned when a conditional update lost a race.
	ErrConcurrentUpdate = errors.New("txn: concurrent update")
	// ErrReferenceAlreadySet is returned when an external reference would be overwritten.
	ErrReferenceAlreadySet = errors.New("txn: external reference already set")
	// ErrReferenceInUse is returned when another transaction of the provider owns the reference.
	ErrReferenceInUse = errors.New("txn: external reference in use")
	// ErrStoreUnavailable indicates the store dependency is not configured.
	ErrStoreUnavailable = errors.New("txn: store unavailable")
)

// Transaction is the canonical record of one payment attempt.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	Provider    string          `json:"provider"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	OrderIDs    []uuid.UUID     `json:"order_ids,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HistoryEntry is one row of the append-only status history.
type HistoryEntry struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Provider      string    `json:"provider"`
	EventID       string    `json:"event_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
