package membership

// Normalizer decodes one billing platform's proprietary notification payload
// into a canonical BillingEvent. Implementations are pure: they perform no
// I/O and never consult the subscription store, keeping normalization
// platform-agnostic and trivially testable.
type Normalizer interface {
	// Platform identifies which billing platform this normalizer decodes.
	Platform() Platform

	// Normalize decodes a raw webhook payload. Returns ErrMalformedPayload
	// when the correlation id, event kind, or timestamp cannot be extracted.
	Normalize(payload []byte) (BillingEvent, error)
}
