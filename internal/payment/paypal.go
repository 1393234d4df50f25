package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/noah-isme/toko-reconcile/internal/money"
	"github.com/noah-isme/toko-reconcile/internal/resilience"
)

// DefaultPayPalBaseURL is the live REST endpoint.
const DefaultPayPalBaseURL = "https://api-m.paypal.com"

var paypalIntents = map[string]Intent{
	"PAYMENT.CAPTURE.COMPLETED": IntentSucceeded,
	"PAYMENT.CAPTURE.DENIED":    IntentFailed,
	"PAYMENT.CAPTURE.PENDING":   IntentProcessing,
	"PAYMENT.CAPTURE.REFUNDED":  IntentRefundIssued,
}

// Transmission headers PayPal signs each delivery with.
const (
	paypalHeaderAuthAlgo = "PAYPAL-AUTH-ALGO"
	paypalHeaderCertURL  = "PAYPAL-CERT-URL"
	paypalHeaderID       = "PAYPAL-TRANSMISSION-ID"
	paypalHeaderSig      = "PAYPAL-TRANSMISSION-SIG"
	paypalHeaderTime     = "PAYPAL-TRANSMISSION-TIME"
)

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Status   string `json:"status"`
	Amount   *struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
}

type paypalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// PayPalConfig holds the REST credentials used to ask PayPal about a delivery.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// PayPal normalizes PAYMENT.CAPTURE.* webhooks. Deliveries are authenticated
// by PayPal's verify-webhook-signature API; the registry secret is the webhook id.
type PayPal struct {
	baseURL string
	client  resilience.HTTPClient
}

// NewPayPal builds a provider whose API calls carry a client-credentials token
// and run behind a retrying, breaker-guarded client.
func NewPayPal(cfg PayPalConfig) *PayPal {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultPayPalBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &PayPal{
		baseURL: base,
		client: resilience.HTTPClient{
			Client:      cc.Client(context.Background()),
			Breaker:     resilience.NewBreaker(resilience.BreakerConfig{Target: "paypal", MinRequests: 5, FailureRatio: 0.5, OpenFor: 30 * time.Second, Logger: cfg.Logger}),
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			Jitter:      0.2,
			Timeout:     timeout,
		},
	}
}

func (*PayPal) Name() string { return "paypal" }

func (*PayPal) SignatureHeader() string { return paypalHeaderSig }

// Verify always fails: a PayPal delivery can only be checked with VerifyRemote.
func (*PayPal) Verify([]byte, string, string) bool { return false }

// VerifyRemote asks PayPal whether the transmission headers sign rawBody for
// webhookID. A rejected delivery returns false; an unreachable API returns an
// error wrapping ErrVerifierUnavailable.
func (p *PayPal) VerifyRemote(ctx context.Context, rawBody []byte, header http.Header, webhookID string) (bool, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" || header == nil || !json.Valid(rawBody) {
		return false, nil
	}
	req := paypalVerifyRequest{
		AuthAlgo:         header.Get(paypalHeaderAuthAlgo),
		CertURL:          header.Get(paypalHeaderCertURL),
		TransmissionID:   header.Get(paypalHeaderID),
		TransmissionSig:  header.Get(paypalHeaderSig),
		TransmissionTime: header.Get(paypalHeaderTime),
		WebhookID:        webhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	if req.TransmissionID == "" || req.TransmissionSig == "" || req.CertURL == "" {
		return false, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(ctx, httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: paypal: %w", ErrVerifierUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return false, nil
	case resp.StatusCode >= http.StatusMultipleChoices:
		return false, fmt.Errorf("%w: paypal answered %s", ErrVerifierUnavailable, resp.Status)
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: paypal verify response: %w", ErrVerifierUnavailable, err)
	}
	return strings.EqualFold(out.VerificationStatus, "SUCCESS"), nil
}

// Normalize reads the capture (or refund) resource. custom_id carries the
// merchant reference; without one the resource id is used so the delivery
// lands in the orphan queue instead of being rejected.
func (*PayPal) Normalize(rawBody []byte) (Event, error) {
	var evt paypalEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return Event{}, malformed("paypal event: %v", err)
	}
	kind := strings.ToUpper(strings.TrimSpace(evt.EventType))
	if evt.ID == "" || kind == "" {
		return Event{}, malformed("paypal event missing id or event_type")
	}
	out := Event{
		Provider: "paypal",
		EventID:  evt.ID,
		Kind:     kind,
		Intent:   IntentUnknown,
		Raw:      rawBody,
	}
	if ts, err := time.Parse(time.RFC3339, evt.CreateTime); err == nil {
		out.OccurredAt = ts.UTC()
	}
	intent, ok := paypalIntents[kind]
	if !ok {
		return out, nil
	}
	out.Intent = intent
	if len(evt.Resource) == 0 {
		return Event{}, malformed("paypal event %s has no resource", evt.ID)
	}
	var res paypalResource
	if err := json.Unmarshal(evt.Resource, &res); err != nil {
		return Event{}, malformed("paypal resource: %v", err)
	}
	out.ExternalRef = strings.TrimSpace(res.CustomID)
	if out.ExternalRef == "" {
		out.ExternalRef = res.ID
	}
	out.ProviderStatus = strings.ToLower(res.Status)
	if res.Amount != nil && strings.TrimSpace(res.Amount.Value) != "" {
		amount, err := money.ParseMajor(res.Amount.Value, res.Amount.CurrencyCode)
		if err != nil {
			return Event{}, malformed("paypal amount: %v", err)
		}
		out.Amount = amount
		out.Currency = money.NormalizeCurrency(res.Amount.CurrencyCode)
		out.HasAmount = true
	}
	if err := out.Validate(); err != nil {
		return Event{}, err
	}
	return out, nil
}
