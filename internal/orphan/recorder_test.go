package orphan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/payment"
)

type memoryStore struct {
	mu         sync.Mutex
	rows       []orphan.Orphan
	byKey      map[string]int
	deliveries []orphan.Delivery
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byKey: map[string]int{}}
}

func (m *memoryStore) Upsert(_ context.Context, o orphan.Orphan, key string) (orphan.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		if idx, ok := m.byKey[key]; ok {
			m.rows[idx] = m.rows[idx].Fold(o)
			m.deliveries = append(m.deliveries, orphan.DeliveryOf(m.rows[idx].ID, o))
			return m.rows[idx], nil
		}
		m.byKey[key] = len(m.rows)
	}
	m.rows = append(m.rows, o)
	m.deliveries = append(m.deliveries, orphan.DeliveryOf(o.ID, o))
	return o, nil
}

func (m *memoryStore) Deliveries(_ context.Context, id uuid.UUID) ([]orphan.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orphan.Delivery
	for _, d := range m.deliveries {
		if d.OrphanID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (orphan.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.ID == id {
			return o, nil
		}
	}
	return orphan.Orphan{}, orphan.ErrNotFound
}

func (m *memoryStore) List(context.Context, orphan.Filter) ([]orphan.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]orphan.Orphan(nil), m.rows...), nil
}

func (m *memoryStore) CountOpen(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.rows {
		if !o.Investigated {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Resolve(_ context.Context, id uuid.UUID, investigated bool, notes string) (orphan.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Investigated = investigated
			m.rows[i].Notes = notes
			if investigated {
				for key, idx := range m.byKey {
					if idx == i {
						delete(m.byKey, key)
					}
				}
			}
			return m.rows[i], nil
		}
	}
	return orphan.Orphan{}, orphan.ErrNotFound
}

func unknownRefEvent(eventID string) payment.Event {
	return payment.Event{
		Provider:       "stripe",
		EventID:        eventID,
		Kind:           "payment_intent.succeeded",
		Intent:         payment.IntentSucceeded,
		ExternalRef:    "pi_unknown",
		Amount:         decimal.RequireFromString("29.99"),
		HasAmount:      true,
		Currency:       "EUR",
		ProviderStatus: "succeeded",
		Raw:            []byte(`{"id":"` + eventID + `"}`),
	}
}

func TestRecordDedupeFoldsRedeliveries(t *testing.T) {
	store := newMemoryStore()
	rec := orphan.Recorder{Dedupe: true, Logger: zerolog.Nop()}

	first, err := rec.Record(context.Background(), store, unknownRefEvent("evt_1"))
	require.NoError(t, err)
	require.Equal(t, 1, first.DeliveryCount)
	require.True(t, first.Amount.Valid)

	second, err := rec.Record(context.Background(), store, unknownRefEvent("evt_2"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.DeliveryCount)
	require.Len(t, store.rows, 1)
	require.Equal(t, "evt_2", store.rows[0].EventID)
	require.Equal(t, `{"id":"evt_2"}`, string(store.rows[0].RawPayload))

	deliveries, err := store.Deliveries(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.Equal(t, `{"id":"evt_1"}`, string(deliveries[0].RawPayload))
}

func TestFoldMovesEventColumnsTogether(t *testing.T) {
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	processing := orphan.Orphan{
		ID:             uuid.New(),
		Provider:       "stripe",
		ExternalRef:    "pi_unknown",
		EventID:        "evt_1",
		EventKind:      "payment_intent.processing",
		ProviderStatus: "processing",
		RawPayload:     []byte(`{"id":"evt_1"}`),
		DeliveryCount:  1,
		Notes:          "looking",
		ReceivedAt:     first,
		LastReceivedAt: first,
	}
	succeeded := orphan.Orphan{
		ID:             uuid.New(),
		Provider:       "stripe",
		ExternalRef:    "pi_unknown",
		EventID:        "evt_2",
		EventKind:      "payment_intent.succeeded",
		Amount:         decimal.NewNullDecimal(decimal.RequireFromString("29.99")),
		Currency:       "EUR",
		ProviderStatus: "succeeded",
		RawPayload:     []byte(`{"id":"evt_2"}`),
		ReceivedAt:     first.Add(time.Minute),
		LastReceivedAt: first.Add(time.Minute),
	}

	got := processing.Fold(succeeded)
	require.Equal(t, processing.ID, got.ID)
	require.Equal(t, first, got.ReceivedAt)
	require.Equal(t, first.Add(time.Minute), got.LastReceivedAt)
	require.Equal(t, "looking", got.Notes)
	require.Equal(t, 2, got.DeliveryCount)
	require.Equal(t, "evt_2", got.EventID)
	require.Equal(t, "payment_intent.succeeded", got.EventKind)
	require.Equal(t, "succeeded", got.ProviderStatus)
	require.Equal(t, "EUR", got.Currency)
	require.True(t, got.Amount.Valid)
	require.Equal(t, `{"id":"evt_2"}`, string(got.RawPayload))
}

func TestRecordDedupeReopensAfterInvestigation(t *testing.T) {
	store := newMemoryStore()
	rec := orphan.Recorder{Dedupe: true, Logger: zerolog.Nop()}

	first, err := rec.Record(context.Background(), store, unknownRefEvent("evt_1"))
	require.NoError(t, err)
	_, err = store.Resolve(context.Background(), first.ID, true, "refunded manually")
	require.NoError(t, err)

	again, err := rec.Record(context.Background(), store, unknownRefEvent("evt_3"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, again.ID)
	open, err := store.CountOpen(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, open)
}

func TestRecordPerDeliveryPolicy(t *testing.T) {
	store := newMemoryStore()
	rec := orphan.Recorder{Dedupe: false, Logger: zerolog.Nop()}
	for _, id := range []string{"evt_1", "evt_1", "evt_2"} {
		_, err := rec.Record(context.Background(), store, unknownRefEvent(id))
		require.NoError(t, err)
	}
	require.Len(t, store.rows, 3)
}

func TestDedupeKey(t *testing.T) {
	require.Equal(t, "stripe:ref:pi_1", orphan.DedupeKey("stripe", "pi_1", "evt_1"))
	require.Equal(t, "stripe:event:evt_1", orphan.DedupeKey("stripe", "", "evt_1"))
}
