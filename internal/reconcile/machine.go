package reconcile

import (
	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

// plan is what one event will do to one transaction.
type plan struct {
	outcome audit.Outcome
	target  txn.Status
}

// targetStatus maps an intent to the status it implies. Disputes, partial
// refunds and unknown kinds imply no status.
func targetStatus(intent payment.Intent) (txn.Status, bool) {
	switch intent {
	case payment.IntentSucceeded:
		return txn.StatusSucceeded, true
	case payment.IntentFailed:
		return txn.StatusFailed, true
	case payment.IntentCancelled:
		return txn.StatusCancelled, true
	case payment.IntentProcessing:
		return txn.StatusProcessing, true
	case payment.IntentRequiresAction:
		return txn.StatusRequiresAction, true
	case payment.IntentRefundIssued:
		return txn.StatusRefunded, true
	}
	return "", false
}

// decide plans the effect of evt on t without touching storage.
func decide(t txn.Transaction, evt payment.Event) plan {
	switch evt.Intent {
	case payment.IntentDisputeOpened:
		return plan{outcome: audit.OutcomeDisputed}
	case payment.IntentPartialRefund:
		return plan{outcome: audit.OutcomePartialRefund}
	}
	target, ok := targetStatus(evt.Intent)
	if !ok {
		return plan{outcome: audit.OutcomeIgnored}
	}
	if t.Status == target {
		return plan{outcome: audit.OutcomeNoop, target: target}
	}
	if !t.Status.CanTransitionTo(target) {
		return plan{outcome: audit.OutcomeIllegalTransition, target: target}
	}
	if target == txn.StatusSucceeded && amountMismatch(t, evt) {
		return plan{outcome: audit.OutcomeAmountMismatch, target: target}
	}
	if target == txn.StatusRefunded && partialRefund(t, evt) {
		return plan{outcome: audit.OutcomePartialRefund}
	}
	return plan{outcome: audit.OutcomeProcessed, target: target}
}

func amountMismatch(t txn.Transaction, evt payment.Event) bool {
	if !evt.HasAmount {
		return false
	}
	if evt.Currency != "" && evt.Currency != t.Currency {
		return true
	}
	return !evt.Amount.Equal(t.Amount)
}

// partialRefund reports a refund smaller than the transaction. Refunds in
// another currency cannot be compared and count as full.
func partialRefund(t txn.Transaction, evt payment.Event) bool {
	if !evt.HasAmount || evt.Currency != t.Currency {
		return false
	}
	return evt.Amount.LessThan(t.Amount)
}
