package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-reconcile/internal/db"
)

// Event is one row of the domain_events outbox.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Store defines the persistence operations required by the event bus.
type Store interface {
	InsertDomainEvent(ctx context.Context, ev Event) (Event, error)
}

// Bus writes domain events to the outbox. Bind it to the same database
// transaction as the state change so an event exists iff the change committed.
type Bus struct {
	Store Store
}

// Emit validates and records the event.
func (b Bus) Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (Event, error) {
	if b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if aggregateID == uuid.Nil {
		return Event{}, errors.New("events: aggregate id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.InsertDomainEvent(ctx, Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     encoded,
	})
	if err != nil {
		return Event{}, fmt.Errorf("events: persist event: %w", err)
	}
	return ev, nil
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		return validJSON(v)
	case json.RawMessage:
		return validJSON(v)
	case string:
		return validJSON([]byte(v))
	default:
		return json.Marshal(v)
	}
}

func validJSON(data []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid json")
	}
	return append([]byte(nil), data...), nil
}

// NewStore binds the outbox to a pool or an open transaction.
func NewStore(q db.DBTX) Store {
	return &pgStore{q: q}
}

type pgStore struct {
	q db.DBTX
}

func (s *pgStore) InsertDomainEvent(ctx context.Context, ev Event) (Event, error) {
	err := s.q.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload)
VALUES ($1, $2, $3, $4)
RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload)).Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}
