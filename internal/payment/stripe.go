package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/noah-isme/toko-reconcile/internal/money"
)

// DefaultStripeTolerance bounds how old a signed Stripe timestamp may be.
const DefaultStripeTolerance = 5 * time.Minute

var stripeIntents = map[string]Intent{
	"payment_intent.succeeded":       IntentSucceeded,
	"payment_intent.payment_failed":  IntentFailed,
	"payment_intent.canceled":        IntentCancelled,
	"payment_intent.processing":      IntentProcessing,
	"payment_intent.requires_action": IntentRequiresAction,
	"charge.refunded":                IntentRefundIssued,
	"charge.dispute.created":         IntentDisputeOpened,
}

// Stripe verifies Stripe-Signature headers and normalizes Stripe events.
type Stripe struct {
	Tolerance time.Duration
}

func (Stripe) Name() string { return "stripe" }

func (Stripe) SignatureHeader() string { return "Stripe-Signature" }

// Verify checks the v1 signature over the exact body bytes.
func (s Stripe) Verify(rawBody []byte, signature, secret string) bool {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(signature) == "" {
		return false
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	return webhook.ValidatePayloadWithTolerance(rawBody, signature, secret, tolerance) == nil
}

// Normalize decodes a Stripe event envelope and its data object.
func (Stripe) Normalize(rawBody []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return Event{}, malformed("stripe event: %v", err)
	}
	kind := string(evt.Type)
	if evt.ID == "" || kind == "" {
		return Event{}, malformed("stripe event missing id or type")
	}
	out := Event{
		Provider: "stripe",
		EventID:  evt.ID,
		Kind:     kind,
		Intent:   IntentUnknown,
		Raw:      rawBody,
	}
	if evt.Created > 0 {
		out.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}
	intent, ok := stripeIntents[kind]
	if !ok {
		return out, nil
	}
	out.Intent = intent
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return Event{}, malformed("stripe event %s has no data object", evt.ID)
	}

	var (
		amount   int64
		currency string
	)
	switch {
	case strings.HasPrefix(kind, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, malformed("stripe payment_intent: %v", err)
		}
		out.ExternalRef = pi.ID
		out.ProviderStatus = string(pi.Status)
		amount, currency = pi.Amount, string(pi.Currency)
	case kind == "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return Event{}, malformed("stripe charge: %v", err)
		}
		out.ExternalRef = ch.ID
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			out.ExternalRef = ch.PaymentIntent.ID
		}
		out.ProviderStatus = string(ch.Status)
		if !ch.Refunded && ch.AmountRefunded < ch.Amount {
			out.Intent = IntentPartialRefund
		}
		amount, currency = ch.AmountRefunded, string(ch.Currency)
	case kind == "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(evt.Data.Raw, &d); err != nil {
			return Event{}, malformed("stripe dispute: %v", err)
		}
		switch {
		case d.PaymentIntent != nil && d.PaymentIntent.ID != "":
			out.ExternalRef = d.PaymentIntent.ID
		case d.Charge != nil:
			out.ExternalRef = d.Charge.ID
		}
		out.ProviderStatus = string(d.Status)
		amount, currency = d.Amount, string(d.Currency)
	}

	if currency != "" {
		out.Currency = money.NormalizeCurrency(currency)
		out.Amount = money.FromMinor(amount, out.Currency)
		out.HasAmount = true
	}
	if err := out.Validate(); err != nil {
		return Event{}, err
	}
	return out, nil
}
