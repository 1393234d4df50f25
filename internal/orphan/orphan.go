// Package orphan keeps provider events that match no local transaction for manual triage.
package orphan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-reconcile/internal/payment"
)

// ErrNotFound is returned when an orphan id does not exist.
var ErrNotFound = errors.New("orphan: not found")

// Orphan is an unresolvable provider event kept verbatim.
type Orphan struct {
	ID             uuid.UUID           `json:"id"`
	Provider       string              `json:"provider"`
	ExternalRef    string              `json:"external_ref"`
	EventID        string              `json:"event_id"`
	EventKind      string              `json:"event_kind"`
	Amount         decimal.NullDecimal `json:"amount"`
	Currency       string              `json:"currency,omitempty"`
	ProviderStatus string              `json:"provider_status,omitempty"`
	RawPayload     []byte              `json:"-"`
	DeliveryCount  int                 `json:"delivery_count"`
	Investigated   bool                `json:"investigated"`
	Notes          string              `json:"notes"`
	ReceivedAt     time.Time           `json:"received_at"`
	LastReceivedAt time.Time           `json:"last_received_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Delivery is one provider event folded into an orphan, kept verbatim.
type Delivery struct {
	OrphanID   uuid.UUID `json:"orphan_id"`
	EventID    string    `json:"event_id"`
	EventKind  string    `json:"event_kind"`
	RawPayload []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Fold merges a redelivery into an open row. The event columns move together to
// the latest delivery; identity, first receipt and triage state stay.
func (o Orphan) Fold(next Orphan) Orphan {
	o.EventID = next.EventID
	o.EventKind = next.EventKind
	o.Amount = next.Amount
	o.Currency = next.Currency
	o.ProviderStatus = next.ProviderStatus
	o.RawPayload = next.RawPayload
	o.LastReceivedAt = next.LastReceivedAt
	o.DeliveryCount++
	return o
}

// DeliveryOf describes the event o was built from.
func DeliveryOf(orphanID uuid.UUID, o Orphan) Delivery {
	return Delivery{
		OrphanID:   orphanID,
		EventID:    o.EventID,
		EventKind:  o.EventKind,
		RawPayload: o.RawPayload,
		ReceivedAt: o.LastReceivedAt,
	}
}

// Filter narrows List results.
type Filter struct {
	Investigated *bool
	Provider     string
	Limit        int
	Offset       int
}

// Store persists orphans. Upsert must Fold into the open row holding dedupeKey
// when one exists (an empty key always inserts) and log the delivery.
type Store interface {
	Upsert(ctx context.Context, o Orphan, dedupeKey string) (Orphan, error)
	Get(ctx context.Context, id uuid.UUID) (Orphan, error)
	Deliveries(ctx context.Context, id uuid.UUID) ([]Delivery, error)
	List(ctx context.Context, f Filter) ([]Orphan, error)
	CountOpen(ctx context.Context) (int64, error)
	Resolve(ctx context.Context, id uuid.UUID, investigated bool, notes string) (Orphan, error)
}

// Recorder turns an unresolvable event into an orphan row.
type Recorder struct {
	// Dedupe folds redeliveries for the same open (provider, reference) into one
	// row and counts them; otherwise every delivery gets its own row.
	Dedupe bool
	Logger zerolog.Logger
	Now    func() time.Time
}

// Record stores evt. It never fails on repeated events.
func (r Recorder) Record(ctx context.Context, store Store, evt payment.Event) (Orphan, error) {
	if store == nil {
		return Orphan{}, errors.New("orphan: store not configured")
	}
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	received := evt.ReceivedAt
	if received.IsZero() {
		received = now
	}
	o := Orphan{
		ID:             uuid.New(),
		Provider:       evt.Provider,
		ExternalRef:    evt.ExternalRef,
		EventID:        evt.EventID,
		EventKind:      evt.Kind,
		Currency:       evt.Currency,
		ProviderStatus: evt.ProviderStatus,
		RawPayload:     evt.Raw,
		DeliveryCount:  1,
		ReceivedAt:     received,
		LastReceivedAt: received,
	}
	if evt.HasAmount {
		o.Amount = decimal.NewNullDecimal(evt.Amount)
	}
	key := ""
	if r.Dedupe {
		key = DedupeKey(evt.Provider, evt.ExternalRef, evt.EventID)
	}
	saved, err := store.Upsert(ctx, o, key)
	if err != nil {
		return Orphan{}, err
	}
	r.Logger.Info().
		Str("provider", saved.Provider).
		Str("external_ref", saved.ExternalRef).
		Str("event_id", evt.EventID).
		Int("delivery_count", saved.DeliveryCount).
		Msg("orphan provider event recorded")
	return saved, nil
}

// DedupeKey groups orphans by provider and reference, falling back to the event id.
func DedupeKey(provider, ref, eventID string) string {
	if ref == "" {
		return provider + ":event:" + eventID
	}
	return provider + ":ref:" + ref
}
