package membership

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStore defines the persistence interface for subscription
// records. CompareAndSwap is the only mutation path for existing records;
// callers retry on ErrVersionConflict by re-reading and re-running the
// engine, which is deterministic and safe to re-run against fresh state.
type SubscriptionStore interface {
	// FindByExternalRef locates the record an inbound platform event
	// correlates to. Returns ErrSubscriptionNotFound when no record exists.
	FindByExternalRef(ctx context.Context, platform Platform, externalRef string) (*Subscription, error)

	// FindPaidForUser returns the single Active or Suspended subscription of
	// a user, or ErrSubscriptionNotFound.
	FindPaidForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// FindBasicForUser returns the user's free-tier record regardless of
	// status, or ErrSubscriptionNotFound. A user has at most one.
	FindBasicForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// Create inserts a brand-new record. Returns ErrSubscriptionAlreadyExists
	// when the (platform, externalRef) pair is already bound.
	Create(ctx context.Context, sub *Subscription) error

	// CompareAndSwap writes next only if the stored version still equals
	// expectedVersion, returning the stored row afterwards. Returns
	// ErrVersionConflict when another writer won.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, next *Subscription) (*Subscription, error)

	// ListExpiringBetween returns Active and Cancelled subscriptions whose
	// end date falls inside (from, to]. Used by the renewal-reminder scan.
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]Subscription, error)

	// ListInExpiredGrace returns Suspended subscriptions whose grace period
	// has lapsed as of the given time. Used by the grace-expiry scan.
	ListInExpiredGrace(ctx context.Context, asOf time.Time) ([]Subscription, error)
}

// EffectJournal tracks which side effects of an applied event have been
// executed, making effect delivery idempotent across webhook redeliveries.
// Keys are (subscriptionID, eventID, effectType).
type EffectJournal interface {
	// Begin records the planned effect set for an event. Idempotent.
	Begin(ctx context.Context, subscriptionID uuid.UUID, eventID string, effects []SideEffect) error

	// Pending returns the planned effects not yet marked done. An event with
	// no recorded plan yields an empty slice.
	Pending(ctx context.Context, subscriptionID uuid.UUID, eventID string) ([]SideEffect, error)

	// MarkDone marks one effect of an event as executed.
	MarkDone(ctx context.Context, subscriptionID uuid.UUID, eventID string, effect EffectType) error
}

// PurchaseLedger is the revenue-reporting collaborator. Append must be
// idempotent on (SubscriptionID, EventID).
type PurchaseLedger interface {
	Append(ctx context.Context, rec PurchaseRecord) error
}

// Notifier is the push-notification collaborator. Enqueue is fire-and-forget
// from the caller's perspective and must not block a state commit.
type Notifier interface {
	Enqueue(ctx context.Context, req NotificationRequest) error
}

// ProfileDirectory is the user-profile collaborator, called only as part of
// the downgrade-to-basic and upgrade-to-paid effects.
type ProfileDirectory interface {
	SetUserTier(ctx context.Context, userID uuid.UUID, tier Tier) error
}
