package reconcile

import "errors"

var (
	// ErrUnknownProvider is returned for a provider that is not registered.
	ErrUnknownProvider = errors.New("reconcile: unknown provider")
	// ErrSignatureInvalid is a hard stop: the notification is not trusted.
	ErrSignatureInvalid = errors.New("reconcile: signature invalid")
	// ErrStorageUnavailable wraps any failure inside the atomic unit, including
	// timeouts. Nothing was applied and the provider should redeliver.
	ErrStorageUnavailable = errors.New("reconcile: storage unavailable")

	// errDuplicate aborts the unit when the claim reports a prior delivery.
	errDuplicate = errors.New("reconcile: duplicate delivery")
)
