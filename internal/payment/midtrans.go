package payment

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/toko-reconcile/internal/money"
)

var jakarta = time.FixedZone("WIB", 7*60*60)

type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionTime   string `json:"transaction_time"`
	SignatureKey      string `json:"signature_key"`
}

// Midtrans verifies HTTP notifications whose signature_key travels in the body.
type Midtrans struct{}

func (Midtrans) Name() string { return "midtrans" }

func (Midtrans) SignatureHeader() string { return "" }

// Verify recomputes SHA-512(order_id + status_code + gross_amount + server_key).
func (Midtrans) Verify(rawBody []byte, _ string, secret string) bool {
	key := strings.TrimSpace(secret)
	if key == "" {
		return false
	}
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil || n.SignatureKey == "" {
		return false
	}
	expected := MidtransSignature(n.OrderID, n.StatusCode, n.GrossAmount, key)
	provided := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// MidtransSignature computes the signature_key Midtrans attaches to notifications.
func MidtransSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// Normalize maps transaction_status (and fraud_status on capture) to an intent.
func (Midtrans) Normalize(rawBody []byte) (Event, error) {
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return Event{}, malformed("midtrans notification: %v", err)
	}
	status := strings.ToLower(strings.TrimSpace(n.TransactionStatus))
	if n.TransactionID == "" || status == "" {
		return Event{}, malformed("midtrans notification missing transaction_id or transaction_status")
	}
	out := Event{
		Provider:       "midtrans",
		EventID:        n.TransactionID + ":" + status,
		Kind:           status,
		Intent:         midtransIntent(status, strings.ToLower(strings.TrimSpace(n.FraudStatus))),
		ExternalRef:    strings.TrimSpace(n.OrderID),
		ProviderStatus: status,
		Raw:            rawBody,
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", n.TransactionTime, jakarta); err == nil {
		out.OccurredAt = ts.UTC()
	}
	currency := n.Currency
	if currency == "" {
		currency = "IDR"
	}
	if strings.TrimSpace(n.GrossAmount) != "" {
		amount, err := money.ParseMajor(n.GrossAmount, currency)
		if err != nil {
			return Event{}, malformed("midtrans gross_amount: %v", err)
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

func midtransIntent(status, fraud string) Intent {
	switch status {
	case "capture":
		switch fraud {
		case "challenge":
			return IntentRequiresAction
		case "deny":
			return IntentFailed
		default:
			return IntentSucceeded
		}
	case "settlement":
		return IntentSucceeded
	case "pending":
		return IntentProcessing
	case "deny", "failure":
		return IntentFailed
	case "cancel", "expire":
		return IntentCancelled
	case "refund":
		return IntentRefundIssued
	case "partial_refund":
		return IntentPartialRefund
	case "chargeback", "partial_chargeback":
		return IntentDisputeOpened
	default:
		return IntentUnknown
	}
}
