package events

// Topic constants for domain events written by the reconciliation engine.
const (
	TopicPaymentSucceeded      = "payment.succeeded"
	TopicPaymentFailed         = "payment.failed"
	TopicPaymentCancelled      = "payment.cancelled"
	TopicPaymentRefunded       = "payment.refunded"
	TopicPaymentPartialRefund  = "payment.partially_refunded"
	TopicPaymentProcessing     = "payment.processing"
	TopicPaymentRequiresAction = "payment.requires_action"
	TopicPaymentDisputed       = "payment.disputed"
	TopicPaymentAmountMismatch = "payment.amount_mismatch"
	TopicOrderFulfilled        = "order.fulfilled"
	TopicInventoryShortfall    = "inventory.shortfall"
)

// DefaultTopics returns every topic the engine may emit.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentCancelled,
		TopicPaymentRefunded,
		TopicPaymentPartialRefund,
		TopicPaymentProcessing,
		TopicPaymentRequiresAction,
		TopicPaymentDisputed,
		TopicPaymentAmountMismatch,
		TopicOrderFulfilled,
		TopicInventoryShortfall,
	}
}
