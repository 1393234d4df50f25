package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedPayload is returned when a verified notification cannot be decoded.
	ErrMalformedPayload = errors.New("payment: malformed payload")
	// ErrVerifierUnavailable means the provider could not be asked to verify a
	// delivery. Nothing was decided; a redelivery may succeed.
	ErrVerifierUnavailable = errors.New("payment: signature verifier unavailable")
)

// Intent is the provider-agnostic meaning of a notification.
type Intent string

const (
	IntentSucceeded      Intent = "PAYMENT_SUCCEEDED"
	IntentFailed         Intent = "PAYMENT_FAILED"
	IntentCancelled      Intent = "PAYMENT_CANCELLED"
	IntentProcessing     Intent = "PAYMENT_PROCESSING"
	IntentRequiresAction Intent = "PAYMENT_REQUIRES_ACTION"
	IntentRefundIssued   Intent = "REFUND_ISSUED"
	IntentPartialRefund  Intent = "PARTIAL_REFUND"
	IntentDisputeOpened  Intent = "DISPUTE_OPENED"
	IntentUnknown        Intent = "UNKNOWN"
)

// Event is the canonical form of a provider notification.
type Event struct {
	Provider       string          `validate:"required"`
	EventID        string          `validate:"required,max=255"`
	Kind           string          `validate:"required"`
	Intent         Intent          `validate:"required"`
	ExternalRef    string          `validate:"required_unless=Intent UNKNOWN,max=255"`
	Amount         decimal.Decimal `validate:"-"`
	HasAmount      bool
	Currency       string `validate:"omitempty,iso4217"`
	ProviderStatus string
	OccurredAt     time.Time
	ReceivedAt     time.Time
	Raw            []byte `validate:"-"`
}

// Provider verifies and normalizes notifications from one payment provider.
type Provider interface {
	Name() string
	// SignatureHeader names the request header carrying the signature. Empty when
	// the signature travels inside the body.
	SignatureHeader() string
	Verify(rawBody []byte, signature, secret string) bool
	Normalize(rawBody []byte) (Event, error)
}

// RemoteVerifier is implemented by providers that authenticate a delivery by
// calling the provider. When present it replaces Verify.
type RemoteVerifier interface {
	VerifyRemote(ctx context.Context, rawBody []byte, header http.Header, secret string) (bool, error)
}

var validate = validator.New()

// Validate checks the normalized event carries the fields the engine relies on.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if e.HasAmount && e.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrMalformedPayload)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
