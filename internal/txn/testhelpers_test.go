package txn_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-reconcile/internal/txn"
)

type memoryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]txn.Transaction
	history []txn.HistoryEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[uuid.UUID]txn.Transaction)}
}

func (m *memoryStore) Create(_ context.Context, t txn.Transaction) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ExternalRef != "" {
		for _, row := range m.rows {
			if row.Provider == t.Provider && row.ExternalRef == t.ExternalRef {
				return txn.Transaction{}, txn.ErrReferenceInUse
			}
		}
	}
	t.Version = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.rows[t.ID] = t
	return t, nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) GetByReference(_ context.Context, provider, ref string) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.Provider == provider && t.ExternalRef == ref && ref != "" {
			return t, nil
		}
	}
	return txn.Transaction{}, txn.ErrNotFound
}

func (m *memoryStore) AttachReference(_ context.Context, id uuid.UUID, ref string) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	if t.ExternalRef != "" && t.ExternalRef != ref {
		return txn.Transaction{}, txn.ErrReferenceAlreadySet
	}
	t.ExternalRef = ref
	m.rows[id] = t
	return t, nil
}

func (m *memoryStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to txn.Status, version int) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.Status != from || t.Version != version {
		return txn.Transaction{}, txn.ErrConcurrentUpdate
	}
	t.Status = to
	t.Version++
	m.rows[id] = t
	return t, nil
}

func (m *memoryStore) AppendHistory(_ context.Context, entry txn.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *memoryStore) History(_ context.Context, id uuid.UUID) ([]txn.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []txn.HistoryEntry
	for _, h := range m.history {
		if h.TransactionID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memoryStore) LinkedOrders(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.rows[id].OrderIDs...), nil
}

type providerSet map[string]bool

func (p providerSet) Has(name string) bool { return p[name] }
