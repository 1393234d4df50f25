package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

func TestDecide(t *testing.T) {
	amount := decimal.RequireFromString("19.99")
	base := txn.Transaction{Amount: amount, Currency: "EUR"}
	evt := func(intent payment.Intent, value string, currency string) payment.Event {
		e := payment.Event{Intent: intent}
		if value != "" {
			e.Amount, e.HasAmount, e.Currency = decimal.RequireFromString(value), true, currency
		}
		return e
	}

	cases := []struct {
		name    string
		status  txn.Status
		event   payment.Event
		outcome audit.Outcome
		target  txn.Status
	}{
		{"pending to succeeded", txn.StatusPending, evt(payment.IntentSucceeded, "19.99", "EUR"), audit.OutcomeProcessed, txn.StatusSucceeded},
		{"no amount reported", txn.StatusProcessing, evt(payment.IntentSucceeded, "", ""), audit.OutcomeProcessed, txn.StatusSucceeded},
		{"amount differs", txn.StatusPending, evt(payment.IntentSucceeded, "10", "EUR"), audit.OutcomeAmountMismatch, txn.StatusSucceeded},
		{"currency differs", txn.StatusPending, evt(payment.IntentSucceeded, "19.99", "USD"), audit.OutcomeAmountMismatch, txn.StatusSucceeded},
		{"trailing zeros equal", txn.StatusPending, evt(payment.IntentSucceeded, "19.990", "EUR"), audit.OutcomeProcessed, txn.StatusSucceeded},
		{"full refund", txn.StatusSucceeded, evt(payment.IntentRefundIssued, "19.99", "EUR"), audit.OutcomeProcessed, txn.StatusRefunded},
		{"refund below amount is partial", txn.StatusSucceeded, evt(payment.IntentRefundIssued, "5", "EUR"), audit.OutcomePartialRefund, ""},
		{"refund in other currency", txn.StatusSucceeded, evt(payment.IntentRefundIssued, "5", "USD"), audit.OutcomeProcessed, txn.StatusRefunded},
		{"refund before success", txn.StatusPending, evt(payment.IntentRefundIssued, "", ""), audit.OutcomeIllegalTransition, txn.StatusRefunded},
		{"terminal failed", txn.StatusFailed, evt(payment.IntentSucceeded, "", ""), audit.OutcomeIllegalTransition, txn.StatusSucceeded},
		{"requires action does not regress", txn.StatusRequiresAction, evt(payment.IntentProcessing, "", ""), audit.OutcomeIllegalTransition, txn.StatusProcessing},
		{"same status", txn.StatusSucceeded, evt(payment.IntentSucceeded, "19.99", "EUR"), audit.OutcomeNoop, txn.StatusSucceeded},
		{"partial refund keeps status", txn.StatusSucceeded, evt(payment.IntentPartialRefund, "1", "EUR"), audit.OutcomePartialRefund, ""},
		{"dispute", txn.StatusSucceeded, evt(payment.IntentDisputeOpened, "19.99", "EUR"), audit.OutcomeDisputed, ""},
		{"unknown", txn.StatusPending, evt(payment.IntentUnknown, "", ""), audit.OutcomeIgnored, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := base
			tr.Status = tc.status
			pl := decide(tr, tc.event)
			require.Equal(t, tc.outcome, pl.outcome)
			require.Equal(t, tc.target, pl.target)
		})
	}
}
