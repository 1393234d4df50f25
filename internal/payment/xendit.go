package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/toko-reconcile/internal/money"
)

type xenditCallback struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"external_id"`
	Status     string      `json:"status"`
	Amount     json.Number `json:"amount"`
	Currency   string      `json:"currency"`
	PaidAt     string      `json:"paid_at"`
	Updated    string      `json:"updated"`
}

// Xendit verifies invoice callbacks signed with an HMAC of the body.
type Xendit struct{}

func (Xendit) Name() string { return "xendit" }

func (Xendit) SignatureHeader() string { return "X-Callback-Signature" }

// Verify compares the hex HMAC-SHA256 of the body against the header value.
func (Xendit) Verify(rawBody []byte, signature, secret string) bool {
	expected := XenditSignature(rawBody, secret)
	provided := strings.ToLower(strings.TrimSpace(signature))
	if expected == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}

// XenditSignature signs body with secret. Empty when secret is blank.
func XenditSignature(body []byte, secret string) string {
	key := strings.TrimSpace(secret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Normalize decodes the callback; amount is a major-unit JSON number parsed from its literal.
func (Xendit) Normalize(rawBody []byte) (Event, error) {
	var cb xenditCallback
	dec := json.NewDecoder(strings.NewReader(string(rawBody)))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return Event{}, malformed("xendit callback: %v", err)
	}
	status := strings.ToUpper(strings.TrimSpace(cb.Status))
	if cb.ID == "" || status == "" {
		return Event{}, malformed("xendit callback missing id or status")
	}
	out := Event{
		Provider:       "xendit",
		EventID:        cb.ID + ":" + status,
		Kind:           status,
		Intent:         xenditIntent(status),
		ExternalRef:    strings.TrimSpace(cb.ExternalID),
		ProviderStatus: status,
		Raw:            rawBody,
	}
	for _, candidate := range []string{cb.PaidAt, cb.Updated} {
		if ts, err := time.Parse(time.RFC3339, candidate); err == nil {
			out.OccurredAt = ts.UTC()
			break
		}
	}
	currency := cb.Currency
	if currency == "" {
		currency = "IDR"
	}
	if cb.Amount != "" {
		amount, err := money.ParseMajor(cb.Amount.String(), currency)
		if err != nil {
			return Event{}, malformed("xendit amount: %v", err)
		}
		out.Amount = amount
		out.Currency = money.NormalizeCurrency(currency)
		out.HasAmount = true
	}
	if out.Intent == IntentUnknown {
		return out, nil
	}
	if err := out.Validate(); err != nil {
		return Event{}, err
	}
	return out, nil
}

func xenditIntent(status string) Intent {
	switch status {
	case "PAID", "SETTLED":
		return IntentSucceeded
	case "PENDING":
		return IntentProcessing
	case "EXPIRED":
		return IntentCancelled
	case "FAILED":
		return IntentFailed
	case "REFUNDED":
		return IntentRefundIssued
	default:
		return IntentUnknown
	}
}
