package membership

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the durable record of a user's membership and its current
// state. It is mutated exclusively through the transition engine and the
// store's compare-and-swap; the Version field is the optimistic concurrency
// token and LastEventID/LastEventAt form the idempotency marker that makes
// at-least-once webhook delivery safe.
type Subscription struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Tier        Tier
	Status      Status
	Platform    Platform
	ExternalRef string // purchase token (Play) or original transaction id (App Store)
	ProductID   string

	AutoRenew       bool
	StartDate       *time.Time
	EndDate         *time.Time
	NextBillingDate *time.Time

	InGracePeriod     bool
	GracePeriodEndsAt *time.Time

	Price Money

	LastEventID string
	LastEventAt time.Time
	Version     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPaid reports whether the record still carries a paid entitlement,
// i.e. is the single Active or Suspended record allowed per user.
func (s *Subscription) IsPaid() bool {
	return s.Status == StatusActive || s.Status == StatusSuspended
}

// IsActive reports whether the subscription is in the active state.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// EntitledAt reports whether the user is entitled to the tier at the given
// time. Cancelled subscriptions stay entitled until their end date.
func (s *Subscription) EntitledAt(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusSuspended:
		return true
	case StatusCancelled:
		return s.EndDate != nil && s.EndDate.After(now)
	}
	return false
}

// GraceExpiredAt reports whether the grace period has lapsed at the given time.
func (s *Subscription) GraceExpiredAt(now time.Time) bool {
	return s.InGracePeriod && s.GracePeriodEndsAt != nil && !s.GracePeriodEndsAt.After(now)
}

// DaysUntilExpiryAt returns whole days remaining until the end date, rounded
// up so a membership expiring in 25 hours reports 2 days. Returns 0 when no
// end date is set or it has passed.
func (s *Subscription) DaysUntilExpiryAt(now time.Time) int {
	if s.EndDate == nil {
		return 0
	}
	remaining := s.EndDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// clone returns a deep copy so the engine can build the next state without
// mutating the caller's record.
func (s *Subscription) clone() *Subscription {
	next := *s
	next.StartDate = copyTime(s.StartDate)
	next.EndDate = copyTime(s.EndDate)
	next.NextBillingDate = copyTime(s.NextBillingDate)
	next.GracePeriodEndsAt = copyTime(s.GracePeriodEndsAt)
	return &next
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
