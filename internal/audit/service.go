package audit

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/obs"
)

// Outcome is the final disposition of one inbound notification.
type Outcome string

const (
	OutcomeProcessed         Outcome = "processed"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeOrphan            Outcome = "orphan"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeNoop              Outcome = "noop"
	OutcomeIllegalTransition Outcome = "illegal_transition"
	OutcomeAmountMismatch    Outcome = "amount_mismatch"
	OutcomeDisputed          Outcome = "disputed"
	OutcomePartialRefund     Outcome = "partial_refund"
	OutcomeSignatureInvalid  Outcome = "signature_invalid"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeUnknownProvider   Outcome = "unknown_provider"
	OutcomeFailed            Outcome = "failed"
)

const maxErrorLen = 1024

// Entry is one append-only webhook audit row.
type Entry struct {
	ID             uuid.UUID     `json:"id"`
	Provider       string        `json:"provider"`
	EventKind      string        `json:"event_kind"`
	EventID        string        `json:"event_id"`
	SignatureValid bool          `json:"signature_valid"`
	Processed      bool          `json:"processed"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration_ms"`
	PayloadSHA256  string        `json:"payload_sha256,omitempty"`
	RemoteIP       string        `json:"remote_ip,omitempty"`
	ReceivedAt     time.Time     `json:"received_at"`
}

// Filter narrows audit listings.
type Filter struct {
	Provider string
	Outcome  string
	Limit    int
	Offset   int
}

// Stats aggregates recent audit activity for operators.
type Stats struct {
	Total             int64 `json:"total"`
	SignatureFailures int64 `json:"signature_failures"`
	Failed            int64 `json:"failed"`
	Duplicates        int64 `json:"duplicates"`
}

// Store defines the database operations required for auditing.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	ListEntries(ctx context.Context, f Filter) ([]Entry, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// Logger writes audit entries. Log never returns an error and never panics, so
// an audit failure cannot replace the outcome already decided upstream.
type Logger struct {
	Store   Store
	Logger  zerolog.Logger
	Timeout time.Duration
}

// Log persists e on a context detached from the request's cancellation.
func (l Logger) Log(ctx context.Context, e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			l.Logger.Error().Interface("panic", rec).Str("provider", e.Provider).Msg("audit log panicked")
		}
	}()

	e = normalize(e)
	observe(e)

	if l.Store == nil {
		l.Logger.Error().Str("provider", e.Provider).Str("outcome", string(e.Outcome)).Msg("audit store not configured")
		return
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := l.Store.InsertEntry(writeCtx, e); err != nil {
		l.Logger.Error().Err(err).
			Str("provider", e.Provider).
			Str("event_id", e.EventID).
			Str("outcome", string(e.Outcome)).
			Msg("audit log write failed")
	}
}

func normalize(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeFailed
	}
	e.Provider = sanitize(strings.ToLower(e.Provider), 64)
	e.EventKind = sanitize(e.EventKind, 255)
	e.EventID = sanitize(e.EventID, 255)
	e.RemoteIP = sanitize(e.RemoteIP, 64)
	e.Error = sanitize(e.Error, maxErrorLen)
	return e
}

func observe(e Entry) {
	provider := e.Provider
	if provider == "" {
		provider = "unknown"
	}
	obs.WebhookTotal.WithLabelValues(provider, string(e.Outcome)).Inc()
	obs.WebhookDuration.WithLabelValues(provider).Observe(obs.DurationMillis(e.Duration))
	if e.Outcome == OutcomeSignatureInvalid {
		obs.WebhookSignatureFailures.WithLabelValues(provider).Inc()
	}
}

func sanitize(value string, max int) string {
	trimmed := strings.TrimSpace(value)
	if !utf8.ValidString(trimmed) {
		trimmed = strings.ToValidUTF8(trimmed, "?")
	}
	if len(trimmed) <= max {
		return trimmed
	}
	cut := trimmed[:max]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// ErrorString renders err for storage, empty for nil.
func ErrorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
