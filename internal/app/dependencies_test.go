package app

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-reconcile/internal/config"
	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
)

func TestNewRegistryRegistersAllProviders(t *testing.T) {
	registry := NewRegistry(config.ProviderSecrets{
		StripeWebhookSecret:  "whsec_x",
		StripeTolerance:      time.Minute,
		MidtransServerKey:    "mid",
		XenditCallbackSecret: "xnd",
		PayPalWebhookID:      "WH-1",
	}, zerolog.Nop())

	require.ElementsMatch(t, []string{"stripe", "midtrans", "xendit", "paypal"}, registry.Names())
	_, webhookID, ok := registry.Lookup("paypal")
	require.True(t, ok)
	require.Equal(t, "WH-1", webhookID)
	_, secret, ok := registry.Lookup("Stripe")
	require.True(t, ok)
	require.Equal(t, "whsec_x", secret)
}

func TestNewProcessorAppliesConfig(t *testing.T) {
	cfg := config.Reconcile{
		StoreTimeout:    3 * time.Second,
		MaxAttempts:     4,
		OrphanDedupe:    true,
		ShortfallPolicy: "strict",
		AuditTimeout:    time.Second,
	}
	p := NewProcessor(nil, nil, NewRegistry(config.ProviderSecrets{}, zerolog.Nop()), cfg, zerolog.Nop())

	require.Nil(t, p.Cache)
	require.Equal(t, 4, p.MaxAttempts)
	require.Equal(t, 3*time.Second, p.StoreTimeout)
	require.True(t, p.Orphans.Dedupe)
	require.Equal(t, fulfillment.PolicyStrict, p.Fulfillment.Policy)
}
