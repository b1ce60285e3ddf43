package membership

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the canonical billing event taxonomy. Both platform
// taxonomies are mapped onto it by the normalizers; the engine never
// branches on platform identity.
type EventKind string

const (
	KindRecovered   EventKind = "recovered"    // payment recovered after suspension
	KindRenewed     EventKind = "renewed"      // billing period renewed successfully
	KindCancelled   EventKind = "cancelled"    // user turned auto-renew off
	KindPurchased   EventKind = "purchased"    // new purchase
	KindOnHold      EventKind = "on_hold"      // payment failed, account on hold
	KindGraceStart  EventKind = "grace_start"  // platform grace period began
	KindRestarted   EventKind = "restarted"    // user turned auto-renew back on
	KindPriceChange EventKind = "price_change" // price change confirmed by user
	KindRevoked     EventKind = "revoked"      // access revoked (refund, chargeback)
	KindExpired     EventKind = "expired"      // subscription reached its end date
	KindRefunded    EventKind = "refunded"     // refund issued

	// Internally synthesized kinds. They flow through the same engine and
	// executor path as platform events so there is a single mutation path.
	KindGraceExpired    EventKind = "grace_expired"
	KindRenewalUpcoming EventKind = "renewal_upcoming"
	KindSuperseded      EventKind = "superseded" // record replaced by a new purchase
)

// BillingEvent is one normalized billing notification. It is created by a
// normalizer (or synthesized by the reconciler and admin paths), consumed
// exactly once by the engine, and never mutated.
type BillingEvent struct {
	ID          string
	Platform    Platform
	ExternalRef string
	Kind        EventKind
	ProductID   string
	OccurredAt  time.Time

	// UserID is set only on events originating inside the system (purchase
	// verification, admin grants), where the purchaser is known. Platform
	// webhooks identify subscriptions by ExternalRef alone.
	UserID uuid.UUID

	// Grant carries tier and duration for admin-issued events that have no
	// catalog product behind them.
	Grant *GrantDetails

	// Raw retains the opaque platform payload for audit.
	Raw json.RawMessage
}

// GrantDetails describes an admin override grant.
type GrantDetails struct {
	Tier         Tier
	DurationDays int
}

// Validate checks the fields every event must carry before it may enter the
// engine.
func (e BillingEvent) Validate() error {
	if e.ID == "" || e.ExternalRef == "" || e.Kind == "" || e.OccurredAt.IsZero() {
		return ErrMalformedPayload
	}
	if !e.Platform.Valid() {
		return ErrMalformedPayload
	}
	return nil
}

// RenewalUpcomingEventID builds the deterministic id for a synthesized
// renewal reminder. Scans that run twice within the same notice window
// produce the same id, so the second pass is a replay.
func RenewalUpcomingEventID(subscriptionID uuid.UUID, endDate time.Time) string {
	return fmt.Sprintf("renewal-upcoming:%s:%d", subscriptionID, endDate.Unix())
}

// GraceExpiredEventID builds the deterministic id for a synthesized
// grace-period expiry.
func GraceExpiredEventID(subscriptionID uuid.UUID, graceEndsAt time.Time) string {
	return fmt.Sprintf("grace-expired:%s:%d", subscriptionID, graceEndsAt.Unix())
}

// SupersededEventID builds the deterministic id for the internal event that
// retires a paid record replaced by a new purchase.
func SupersededEventID(oldID uuid.UUID, purchaseEventID string) string {
	return fmt.Sprintf("superseded:%s:%s", oldID, purchaseEventID)
}
