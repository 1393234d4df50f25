package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/obs"
)

type stubStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	ctxErr  error
}

func (s *stubStore) InsertEntry(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) ListEntries(context.Context, Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...), nil
}

func (s *stubStore) Stats(context.Context, time.Time) (Stats, error) {
	return Stats{}, nil
}

type panicStore struct{ stubStore }

func (p *panicStore) InsertEntry(context.Context, Entry) error { panic("boom") }

func TestLogFillsDefaults(t *testing.T) {
	store := &stubStore{}
	Logger{Store: store, Logger: zerolog.Nop()}.Log(context.Background(), Entry{
		Provider: " Stripe ",
		EventID:  "evt_1",
		Error:    strings.Repeat("x", 5000),
	})
	if len(store.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(store.entries))
	}
	e := store.entries[0]
	if e.Provider != "stripe" {
		t.Fatalf("unexpected provider %q", e.Provider)
	}
	if e.Outcome != OutcomeFailed {
		t.Fatalf("expected default outcome failed, got %s", e.Outcome)
	}
	if e.ID.String() == "" || e.ReceivedAt.IsZero() {
		t.Fatal("expected id and received_at to be set")
	}
	if len(e.Error) != maxErrorLen {
		t.Fatalf("expected error truncated to %d, got %d", maxErrorLen, len(e.Error))
	}
}

func TestLogSurvivesCancelledRequestContext(t *testing.T) {
	store := &stubStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Logger{Store: store, Logger: zerolog.Nop()}.Log(ctx, Entry{Provider: "stripe", Outcome: OutcomeProcessed})
	if store.ctxErr != nil {
		t.Fatalf("expected detached context, got %v", store.ctxErr)
	}
	if len(store.entries) != 1 {
		t.Fatal("expected entry to be written")
	}
}

func TestLogNeverRaises(t *testing.T) {
	Logger{Store: &stubStore{err: errors.New("db down")}, Logger: zerolog.Nop()}.
		Log(context.Background(), Entry{Provider: "stripe", Outcome: OutcomeProcessed})
	Logger{Store: &panicStore{}, Logger: zerolog.Nop()}.
		Log(context.Background(), Entry{Provider: "stripe", Outcome: OutcomeProcessed})
	Logger{Logger: zerolog.Nop()}.Log(context.Background(), Entry{Provider: "stripe"})
}

func TestLogCountsSignatureFailures(t *testing.T) {
	before := testutil.ToFloat64(obs.WebhookSignatureFailures.WithLabelValues("xendit"))
	Logger{Store: &stubStore{}, Logger: zerolog.Nop()}.
		Log(context.Background(), Entry{Provider: "xendit", Outcome: OutcomeSignatureInvalid})
	after := testutil.ToFloat64(obs.WebhookSignatureFailures.WithLabelValues("xendit"))
	if after-before != 1 {
		t.Fatalf("expected signature failure counter to increase by 1, got %v", after-before)
	}
}

func TestHandlerList(t *testing.T) {
	store := &stubStore{}
	Logger{Store: store, Logger: zerolog.Nop()}.Log(context.Background(), Entry{Provider: "stripe", Outcome: OutcomeDuplicate})

	rec := httptest.NewRecorder()
	Handler{Store: store}.List(rec, httptest.NewRequest(http.MethodGet, "/audit?limit=1000&offset=-3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"limit":50`) || !strings.Contains(rec.Body.String(), `"duplicate"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Handler{}.List(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without store, got %d", rec.Code)
	}
}
