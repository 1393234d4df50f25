package reconcile_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/events"
	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/reconcile"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

const stripeSecret = "whsec_test"

var errInjected = errors.New("injected failure")

type order struct {
	Fulfilled bool
	Lines     []fulfillment.Line
}

type state struct {
	txns       map[uuid.UUID]txn.Transaction
	links      map[uuid.UUID][]uuid.UUID
	history    []txn.HistoryEntry
	claims     map[string]string
	orphans    map[uuid.UUID]orphan.Orphan
	orphanKeys map[string]uuid.UUID
	deliveries []orphan.Delivery
	orders     map[uuid.UUID]order
	stock      map[uuid.UUID]int
	events     []events.Event
}

func (s state) clone() state {
	c := state{
		txns:       make(map[uuid.UUID]txn.Transaction, len(s.txns)),
		links:      make(map[uuid.UUID][]uuid.UUID, len(s.links)),
		history:    append([]txn.HistoryEntry(nil), s.history...),
		claims:     make(map[string]string, len(s.claims)),
		orphans:    make(map[uuid.UUID]orphan.Orphan, len(s.orphans)),
		orphanKeys: make(map[string]uuid.UUID, len(s.orphanKeys)),
		deliveries: append([]orphan.Delivery(nil), s.deliveries...),
		orders:     make(map[uuid.UUID]order, len(s.orders)),
		stock:      make(map[uuid.UUID]int, len(s.stock)),
		events:     append([]events.Event(nil), s.events...),
	}
	for k, v := range s.txns {
		c.txns[k] = v
	}
	for k, v := range s.links {
		c.links[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.orphans {
		c.orphans[k] = v
	}
	for k, v := range s.orphanKeys {
		c.orphanKeys[k] = v
	}
	for k, v := range s.orders {
		v.Lines = append([]fulfillment.Line(nil), v.Lines...)
		c.orders[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	return c
}

// world is an in-memory database whose units run one at a time and roll back
// on error.
type world struct {
	mu    sync.Mutex
	state state
	units int

	// failOn names a store operation that returns errInjected.
	failOn string
	// conflicts makes the next N UpdateStatus calls lose the version race.
	conflicts int
	// beforeUnit runs inside the lock before each unit.
	beforeUnit func(s *state)
}

func newWorld() *world {
	return &world{state: state{
		txns:       map[uuid.UUID]txn.Transaction{},
		links:      map[uuid.UUID][]uuid.UUID{},
		claims:     map[string]string{},
		orphans:    map[uuid.UUID]orphan.Orphan{},
		orphanKeys: map[string]uuid.UUID{},
		orders:     map[uuid.UUID]order{},
		stock:      map[uuid.UUID]int{},
	}}
}

func (w *world) Do(ctx context.Context, fn func(ctx context.Context, s reconcile.Stores) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.units++
	if w.beforeUnit != nil {
		w.beforeUnit(&w.state)
	}
	snapshot := w.state.clone()
	tx := &worldTx{w: w}
	err := fn(ctx, reconcile.Stores{
		Transactions: tx,
		Claims:       tx,
		Orphans:      orphanTx{tx},
		Inventory:    tx,
		Events:       tx,
	})
	if err != nil {
		w.state = snapshot
	}
	return err
}

func (w *world) snapshot() state {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.clone()
}

// seedTransaction stores a transaction with one linked order of qty units of a
// variant that has stock units on hand.
func (w *world) seedTransaction(provider, ref, amount, currency string, status txn.Status, qty, stock int) (txn.Transaction, uuid.UUID, uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := txn.Transaction{
		ID:          uuid.New(),
		Provider:    provider,
		ExternalRef: ref,
		Amount:      decimal.RequireFromString(amount),
		Currency:    currency,
		Status:      status,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	orderID, variantID := uuid.New(), uuid.New()
	w.state.txns[t.ID] = t
	w.state.links[t.ID] = []uuid.UUID{orderID}
	w.state.orders[orderID] = order{Lines: []fulfillment.Line{{OrderID: orderID, VariantID: variantID, Quantity: qty}}}
	w.state.stock[variantID] = stock
	return t, orderID, variantID
}

func (w *world) topics() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.state.events))
	for _, ev := range w.state.events {
		out = append(out, ev.Topic)
	}
	return out
}

type worldTx struct {
	w *world
}

// orphanTx is split out because orphan.Store and txn.Store both declare Get.
type orphanTx struct {
	*worldTx
}

func (tx *worldTx) fail(op string) error {
	if tx.w.failOn == op {
		return errInjected
	}
	return nil
}

func (tx *worldTx) Create(_ context.Context, t txn.Transaction) (txn.Transaction, error) {
	tx.w.state.txns[t.ID] = t
	return t, nil
}

func (tx *worldTx) Get(_ context.Context, id uuid.UUID) (txn.Transaction, error) {
	t, ok := tx.w.state.txns[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	return t, nil
}

func (tx *worldTx) GetByReference(_ context.Context, provider, ref string) (txn.Transaction, error) {
	if err := tx.fail("GetByReference"); err != nil {
		return txn.Transaction{}, err
	}
	for _, t := range tx.w.state.txns {
		if t.Provider == provider && t.ExternalRef == ref && ref != "" {
			return t, nil
		}
	}
	return txn.Transaction{}, txn.ErrNotFound
}

func (tx *worldTx) AttachReference(_ context.Context, id uuid.UUID, ref string) (txn.Transaction, error) {
	t, ok := tx.w.state.txns[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	t.ExternalRef = ref
	tx.w.state.txns[id] = t
	return t, nil
}

func (tx *worldTx) UpdateStatus(_ context.Context, id uuid.UUID, from, to txn.Status, version int) (txn.Transaction, error) {
	if err := tx.fail("UpdateStatus"); err != nil {
		return txn.Transaction{}, err
	}
	t, ok := tx.w.state.txns[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	if tx.w.conflicts > 0 {
		tx.w.conflicts--
		return txn.Transaction{}, txn.ErrConcurrentUpdate
	}
	if t.Status != from || t.Version != version {
		return txn.Transaction{}, txn.ErrConcurrentUpdate
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	tx.w.state.txns[id] = t
	return t, nil
}

func (tx *worldTx) AppendHistory(_ context.Context, entry txn.HistoryEntry) error {
	if err := tx.fail("AppendHistory"); err != nil {
		return err
	}
	tx.w.state.history = append(tx.w.state.history, entry)
	return nil
}

func (tx *worldTx) History(_ context.Context, id uuid.UUID) ([]txn.HistoryEntry, error) {
	var out []txn.HistoryEntry
	for _, h := range tx.w.state.history {
		if h.TransactionID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (tx *worldTx) LinkedOrders(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return append([]uuid.UUID(nil), tx.w.state.links[id]...), nil
}

func (tx *worldTx) Claim(_ context.Context, provider, eventID, outcome string) (bool, error) {
	if err := tx.fail("Claim"); err != nil {
		return false, err
	}
	key := provider + "|" + eventID
	if _, ok := tx.w.state.claims[key]; ok {
		return true, nil
	}
	tx.w.state.claims[key] = outcome
	return false, nil
}

func (tx orphanTx) Upsert(_ context.Context, o orphan.Orphan, dedupeKey string) (orphan.Orphan, error) {
	if err := tx.fail("Upsert"); err != nil {
		return orphan.Orphan{}, err
	}
	if dedupeKey != "" {
		if id, ok := tx.w.state.orphanKeys[dedupeKey]; ok {
			folded := tx.w.state.orphans[id].Fold(o)
			tx.w.state.orphans[id] = folded
			tx.w.state.deliveries = append(tx.w.state.deliveries, orphan.DeliveryOf(id, o))
			return folded, nil
		}
		tx.w.state.orphanKeys[dedupeKey] = o.ID
	}
	tx.w.state.orphans[o.ID] = o
	tx.w.state.deliveries = append(tx.w.state.deliveries, orphan.DeliveryOf(o.ID, o))
	return o, nil
}

func (tx orphanTx) Deliveries(_ context.Context, id uuid.UUID) ([]orphan.Delivery, error) {
	var out []orphan.Delivery
	for _, d := range tx.w.state.deliveries {
		if d.OrphanID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

func (tx orphanTx) Get(_ context.Context, id uuid.UUID) (orphan.Orphan, error) {
	o, ok := tx.w.state.orphans[id]
	if !ok {
		return orphan.Orphan{}, orphan.ErrNotFound
	}
	return o, nil
}

func (tx orphanTx) List(_ context.Context, _ orphan.Filter) ([]orphan.Orphan, error) {
	out := make([]orphan.Orphan, 0, len(tx.w.state.orphans))
	for _, o := range tx.w.state.orphans {
		out = append(out, o)
	}
	return out, nil
}

func (tx orphanTx) CountOpen(_ context.Context) (int64, error) {
	var n int64
	for _, o := range tx.w.state.orphans {
		if !o.Investigated {
			n++
		}
	}
	return n, nil
}

func (tx orphanTx) Resolve(_ context.Context, id uuid.UUID, investigated bool, notes string) (orphan.Orphan, error) {
	o, ok := tx.w.state.orphans[id]
	if !ok {
		return orphan.Orphan{}, orphan.ErrNotFound
	}
	o.Investigated, o.Notes = investigated, notes
	tx.w.state.orphans[id] = o
	return o, nil
}

func (tx *worldTx) MarkFulfilled(_ context.Context, orderID uuid.UUID) (bool, error) {
	o, ok := tx.w.state.orders[orderID]
	if !ok || o.Fulfilled {
		return false, nil
	}
	o.Fulfilled = true
	tx.w.state.orders[orderID] = o
	return true, nil
}

func (tx *worldTx) OrderLines(_ context.Context, orderID uuid.UUID) ([]fulfillment.Line, error) {
	return append([]fulfillment.Line(nil), tx.w.state.orders[orderID].Lines...), nil
}

func (tx *worldTx) DecrementStock(_ context.Context, variantID uuid.UUID, qty int) (bool, error) {
	if err := tx.fail("DecrementStock"); err != nil {
		return false, err
	}
	if tx.w.state.stock[variantID] < qty {
		return false, nil
	}
	tx.w.state.stock[variantID] -= qty
	return true, nil
}

func (tx *worldTx) DrainStock(_ context.Context, variantID uuid.UUID) (int, error) {
	n := tx.w.state.stock[variantID]
	tx.w.state.stock[variantID] = 0
	return n, nil
}

func (tx *worldTx) InsertDomainEvent(_ context.Context, ev events.Event) (events.Event, error) {
	if err := tx.fail("InsertDomainEvent"); err != nil {
		return events.Event{}, err
	}
	ev.OccurredAt = time.Now().UTC()
	tx.w.state.events = append(tx.w.state.events, ev)
	return ev, nil
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditRecorder) Log(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditRecorder) outcomes() []audit.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Outcome, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Outcome)
	}
	return out
}

type memoryCache struct {
	mu      sync.Mutex
	seen    map[string]string
	failing bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{seen: map[string]string{}}
}

func (c *memoryCache) Seen(_ context.Context, provider, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return false, errors.New("cache down")
	}
	_, ok := c.seen[provider+"|"+eventID]
	return ok, nil
}

func (c *memoryCache) Remember(_ context.Context, provider, eventID, outcome string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	c.seen[provider+"|"+eventID] = outcome
	return nil
}

type harness struct {
	world     *world
	audit     *auditRecorder
	processor *reconcile.Processor
}

func newHarness(policy fulfillment.Policy) *harness {
	registry := payment.NewRegistry()
	registry.Register(payment.Stripe{}, stripeSecret)
	registry.Register(payment.Xendit{}, "xnd_secret")
	w := newWorld()
	a := &auditRecorder{}
	return &harness{
		world: w,
		audit: a,
		processor: &reconcile.Processor{
			Registry:     registry,
			Units:        w,
			Audit:        a,
			Orphans:      orphan.Recorder{Dedupe: true, Logger: zerolog.Nop()},
			Fulfillment:  fulfillment.Committer{Policy: policy, Logger: zerolog.Nop()},
			Logger:       zerolog.Nop(),
			StoreTimeout: time.Second,
			MaxAttempts:  3,
		},
	}
}

func stripeNotification(body []byte) reconcile.Notification {
	h := http.Header{}
	h.Set("Stripe-Signature", stripeSignature(body, stripeSecret, time.Now()))
	return reconcile.Notification{Provider: "stripe", Body: body, Header: h, RemoteIP: "203.0.113.7"}
}

func stripeSignature(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(id, kind, ref string, amount int64, currency string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1700000000,"data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"currency":%q,"status":"succeeded"}}}`,
		id, kind, ref, amount, currency))
}
