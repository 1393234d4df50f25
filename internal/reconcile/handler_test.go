package reconcile_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/reconcile"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

func newWebhookRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	r.Route("/webhooks/payment", (&reconcile.Handler{Processor: h.processor}).Routes)
	return r
}

func postWebhook(router http.Handler, provider string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/"+provider, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAcknowledgesProcessedAndDuplicate(t *testing.T) {
	h := newHarness(fulfillment.PolicyWarn)
	tr, _, _ := h.world.seedTransaction("stripe", "pi_1", "19.99", "EUR", txn.StatusPending, 1, 5)
	router := newWebhookRouter(h)
	body := stripeEvent("evt_1", "payment_intent.succeeded", "pi_1", 1999, "eur")

	rec := postWebhook(router, "stripe", body, stripeSignature(body, stripeSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Outcome       string `json:"outcome"`
			EventID       string `json:"event_id"`
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "processed", resp.Data.Outcome)
	require.Equal(t, "evt_1", resp.Data.EventID)
	require.Equal(t, tr.ID.String(), resp.Data.TransactionID)
	require.Equal(t, "SUCCEEDED", resp.Data.Status)

	rec = postWebhook(router, "stripe", body, stripeSignature(body, stripeSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"duplicate"`)
}

func TestHandlerAcknowledgesOrphan(t *testing.T) {
	h := newHarness(fulfillment.PolicyWarn)
	body := stripeEvent("evt_9", "payment_intent.succeeded", "pi_unknown", 500, "usd")
	rec := postWebhook(newWebhookRouter(h), "stripe", body, stripeSignature(body, stripeSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"orphan"`)
	require.Contains(t, rec.Body.String(), `"orphan_id"`)
}

func TestHandlerErrorStatuses(t *testing.T) {
	h := newHarness(fulfillment.PolicyWarn)
	router := newWebhookRouter(h)
	body := stripeEvent("evt_1", "payment_intent.succeeded", "pi_1", 1999, "eur")

	rec := postWebhook(router, "stripe", body, stripeSignature(body, "whsec_wrong", time.Now()))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")

	rec = postWebhook(router, "adyen", body, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	bad := []byte(`{"id":"evt_1","type":`)
	rec = postWebhook(router, "stripe", bad, stripeSignature(bad, stripeSecret, time.Now()))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "MALFORMED_PAYLOAD")

	h.world.seedTransaction("stripe", "pi_1", "19.99", "EUR", txn.StatusPending, 1, 5)
	h.world.failOn = "GetByReference"
	rec = postWebhook(router, "stripe", body, stripeSignature(body, stripeSecret, time.Now()))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "STORAGE_UNAVAILABLE")
}

func TestHandlerVerifierUnavailableIsRetryable(t *testing.T) {
	h := newHarness(fulfillment.PolicyWarn)
	h.processor.Registry.Register(payment.NewPayPal(payment.PayPalConfig{BaseURL: paypalAPI(t, http.StatusServiceUnavailable), Logger: zerolog.Nop()}), "WH-1")
	n := paypalNotification([]byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":"txn-1"}}`))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/paypal", bytes.NewReader(n.Body))
	req.Header = n.Header
	rec := httptest.NewRecorder()
	newWebhookRouter(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "VERIFIER_UNAVAILABLE")
}
