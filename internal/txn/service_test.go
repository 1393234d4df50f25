package txn_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

func newService(store txn.Store) *txn.Service {
	return txn.NewService(store, providerSet{"stripe": true}, zerolog.Nop())
}

func TestCreateOpensPendingTransaction(t *testing.T) {
	store := newMemoryStore()
	svc := newService(store)
	orderID := uuid.New()

	created, err := svc.Create(context.Background(), txn.CreateInput{
		Provider:    "Stripe",
		ExternalRef: "pi_1",
		Amount:      "29.99",
		Currency:    "eur",
		OrderIDs:    []string{orderID.String(), orderID.String()},
	})
	require.NoError(t, err)
	require.Equal(t, txn.StatusPending, created.Status)
	require.Equal(t, "stripe", created.Provider)
	require.Equal(t, "EUR", created.Currency)
	require.True(t, created.Amount.Equal(decimal.RequireFromString("29.99")))
	require.Equal(t, []uuid.UUID{orderID}, created.OrderIDs)
}

func TestCreateValidation(t *testing.T) {
	svc := newService(newMemoryStore())
	order := uuid.NewString()
	cases := map[string]txn.CreateInput{
		"unknown provider": {Provider: "adyen", Amount: "1.00", Currency: "EUR", OrderIDs: []string{order}},
		"bad currency":     {Provider: "stripe", Amount: "1.00", Currency: "XYZ", OrderIDs: []string{order}},
		"zero amount":      {Provider: "stripe", Amount: "0", Currency: "EUR", OrderIDs: []string{order}},
		"extra precision":  {Provider: "stripe", Amount: "1.001", Currency: "EUR", OrderIDs: []string{order}},
		"no orders":        {Provider: "stripe", Amount: "1.00", Currency: "EUR"},
		"bad order id":     {Provider: "stripe", Amount: "1.00", Currency: "EUR", OrderIDs: []string{"nope"}},
	}
	for name, in := range cases {
		_, err := svc.Create(context.Background(), in)
		var appErr *common.AppError
		require.True(t, errors.As(err, &appErr), name)
		require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus, name)
	}
}

func TestCreateValidationNamesJSONFields(t *testing.T) {
	svc := newService(newMemoryStore())
	_, err := svc.Create(context.Background(), txn.CreateInput{Provider: "stripe", Amount: "1.00", Currency: "XYZ"})

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "VALIDATION_ERROR", appErr.Code)
	require.Equal(t, map[string]string{"currency": "iso4217", "order_ids": "required"}, appErr.Details)
}

func TestAttachReferenceIsSetOnce(t *testing.T) {
	store := newMemoryStore()
	svc := newService(store)
	created, err := svc.Create(context.Background(), txn.CreateInput{
		Provider: "stripe", Amount: "5.00", Currency: "USD", OrderIDs: []string{uuid.NewString()},
	})
	require.NoError(t, err)

	updated, err := svc.AttachReference(context.Background(), created.ID, "pi_9")
	require.NoError(t, err)
	require.Equal(t, "pi_9", updated.ExternalRef)

	_, err = svc.AttachReference(context.Background(), created.ID, "pi_9")
	require.NoError(t, err)

	_, err = svc.AttachReference(context.Background(), created.ID, "pi_10")
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, http.StatusConflict, appErr.HTTPStatus)
	require.ErrorIs(t, err, txn.ErrReferenceAlreadySet)

	_, err = svc.AttachReference(context.Background(), uuid.New(), "pi_11")
	require.ErrorIs(t, err, txn.ErrNotFound)
}

func TestGetIncludesHistory(t *testing.T) {
	store := newMemoryStore()
	svc := newService(store)
	created, err := svc.Create(context.Background(), txn.CreateInput{
		Provider: "stripe", Amount: "5.00", Currency: "USD", OrderIDs: []string{uuid.NewString()},
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendHistory(context.Background(), txn.HistoryEntry{
		TransactionID: created.ID, From: txn.StatusPending, To: txn.StatusSucceeded, Provider: "stripe", EventID: "evt_1",
	}))

	details, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, details.History, 1)
	require.Len(t, details.OrderIDs, 1)
}
