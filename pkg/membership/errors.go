package membership

import "errors"

var (
	ErrMalformedPayload = errors.New("malformed billing notification payload")

	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrPurchaserUnknown          = errors.New("purchase event has no known purchaser")
	ErrExternalRefBound          = errors.New("purchase token already linked to a different account")

	ErrVersionConflict        = errors.New("subscription version conflict")
	ErrConflictRetryExhausted = errors.New("subscription update retries exhausted")
	ErrEffectFailed           = errors.New("side effect execution failed")

	ErrUnknownProduct  = errors.New("unknown product id")
	ErrInvalidTier     = errors.New("invalid membership tier")
	ErrInvalidDuration = errors.New("invalid membership duration")
)

// Retryable reports whether the caller should surface the error as a
// transient failure so the billing platform redelivers the notification.
// Non-retryable errors (malformed payloads, unknown subscriptions) are
// logged and acknowledged instead.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflictRetryExhausted) || errors.Is(err, ErrEffectFailed)
}
