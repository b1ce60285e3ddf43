package membership

import (
	"time"

	"github.com/google/uuid"
)

// EffectType tags a declared side effect. The engine emits at most one
// effect per type per event, so (subscriptionID, eventID, effectType) is a
// sufficient idempotency key for the executor.
type EffectType string

const (
	EffectAppendPurchase   EffectType = "append_purchase"
	EffectNotify           EffectType = "notify"
	EffectSetUserTier      EffectType = "set_user_tier"
	EffectDowngradeToBasic EffectType = "downgrade_to_basic"
	EffectRetireBasic      EffectType = "retire_basic"
)

// SideEffect is a declared, serializable side effect returned by the pure
// transition engine and executed by the service after the state write
// commits. Fields not relevant to the effect type are left zero.
type SideEffect struct {
	Type     EffectType           `json:"type"`
	UserID   uuid.UUID            `json:"user_id"`
	Platform Platform             `json:"platform,omitempty"`
	Tier     Tier                 `json:"tier,omitempty"`
	Purchase *PurchaseRecord      `json:"purchase,omitempty"`
	Notify   *NotificationRequest `json:"notify,omitempty"`
}

// PurchaseRecord is an append-only revenue ledger entry written as a side
// effect of a successful purchase or renewal. Immutable once written;
// idempotent on (SubscriptionID, EventID).
type PurchaseRecord struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	UserID         uuid.UUID `json:"user_id"`
	Platform       Platform  `json:"platform"`
	ProductID      string    `json:"product_id"`
	Tier           Tier      `json:"tier"`
	Price          Money     `json:"price"`
	ExternalRef    string    `json:"external_ref"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

// NotificationRequest asks the notification collaborator to deliver a push
// message. Delivery is fire-and-forget and must never block a state commit.
type NotificationRequest struct {
	UserID  uuid.UUID      `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notification types emitted by this subsystem.
const (
	NotifyMembershipActivated = "membership_activated"
	NotifyMembershipExpiring  = "membership_expiring"
	NotifyMembershipExpired   = "membership_expired"
	NotifyMembershipRevoked   = "membership_revoked"
)
