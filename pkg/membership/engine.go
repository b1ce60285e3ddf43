package membership

import (
	"fmt"
	"time"
)

// DefaultGracePeriod is the window granted after a failed payment during
// which entitlement is preserved while the platform retries billing.
const DefaultGracePeriod = 7 * 24 * time.Hour

// defaultBillingPeriod is used when a renewal references a product that is
// no longer in the catalog.
const defaultBillingPeriod = 30 * 24 * time.Hour

// Outcome classifies the result of running an event through the engine.
type Outcome string

const (
	// OutcomeApplied means the event produced a new subscription state.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplay means the event id matches the last applied event.
	// The state is unchanged; only pending effects may need re-driving.
	OutcomeReplay Outcome = "replay"
	// OutcomeStale means the event ordinal is not newer than the last
	// applied event for this record. No-op.
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored means no transition is defined for the current
	// (status, kind) pair. Logged as an anomaly, never an error.
	OutcomeIgnored Outcome = "ignored"
)

// Result is the outcome of a single transition.
type Result struct {
	Subscription *Subscription
	Effects      []SideEffect
	Outcome      Outcome
}

// Engine is the pure state transition function of the subsystem. It holds
// only immutable configuration (product catalog, grace window) and performs
// no I/O, so it is deterministic and safe to re-run against fresh state
// after a version conflict.
type Engine struct {
	catalog     Catalog
	gracePeriod time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGracePeriod overrides the default 7-day grace window.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.gracePeriod = d
		}
	}
}

// NewEngine creates the transition engine. A nil catalog falls back to the
// default product listing.
func NewEngine(catalog Catalog, opts ...EngineOption) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	e := &Engine{
		catalog:     catalog,
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition maps (current state, event) to (next state, side effects).
// The idempotency rule runs before dispatch: an event whose id equals the
// last applied event id is a replay, and an event whose ordinal is not newer
// than the last applied one is stale. Both leave the record untouched.
func (e *Engine) Transition(sub *Subscription, ev BillingEvent, now time.Time) Result {
	if ev.ID == sub.LastEventID {
		return Result{Subscription: sub, Outcome: OutcomeReplay}
	}
	if !sub.LastEventAt.IsZero() && !ev.OccurredAt.After(sub.LastEventAt) {
		return Result{Subscription: sub, Outcome: OutcomeStale}
	}

	next := sub.clone()
	var effects []SideEffect
	applied := true

	switch ev.Kind {
	case KindRecovered:
		if sub.Status != StatusSuspended {
			applied = false
			break
		}
		next.Status = StatusActive
		clearGrace(next)

	case KindRenewed:
		if sub.Status.Terminal() {
			applied = false
			break
		}
		next.Status = StatusActive
		clearGrace(next)
		e.advancePeriod(next, ev.OccurredAt)
		effects = append(effects, SideEffect{
			Type:     EffectAppendPurchase,
			UserID:   sub.UserID,
			Platform: sub.Platform,
			Purchase: e.purchaseRecord(next, ev),
		})

	case KindCancelled:
		if sub.Status != StatusActive {
			applied = false
			break
		}
		// Entitlement persists until the end date.
		next.Status = StatusCancelled
		next.AutoRenew = false
		next.NextBillingDate = nil

	case KindPurchased:
		// Re-activation of an existing record for the same purchase token.
		// Brand-new records are created by the service before they reach
		// the engine.
		next.Status = StatusActive
		next.AutoRenew = sub.Platform != PlatformAdmin
		clearGrace(next)
		if next.StartDate == nil {
			start := ev.OccurredAt
			next.StartDate = &start
		}
		if next.EndDate == nil || next.EndDate.Before(ev.OccurredAt) {
			e.advancePeriod(next, ev.OccurredAt)
		}
		// A purchase event against a live record is the platform echoing a
		// purchase the record already reflects; only a re-purchase of a
		// retired record carries new revenue.
		if sub.Status.Terminal() {
			effects = append(effects, SideEffect{
				Type:     EffectAppendPurchase,
				UserID:   sub.UserID,
				Platform: sub.Platform,
				Purchase: e.purchaseRecord(next, ev),
			})
		}
		effects = append(effects, SideEffect{Type: EffectSetUserTier, UserID: sub.UserID, Tier: next.Tier})

	case KindOnHold:
		if sub.Status != StatusActive {
			applied = false
			break
		}
		// A hold has no recovery deadline of its own; arm the bounded timer
		// so the expiry scan retires records the platform never follows up
		// on.
		next.Status = StatusSuspended
		next.InGracePeriod = true
		holdEnd := ev.OccurredAt.Add(e.gracePeriod)
		next.GracePeriodEndsAt = &holdEnd

	case KindGraceStart:
		if sub.Status != StatusActive && sub.Status != StatusSuspended {
			applied = false
			break
		}
		next.Status = StatusSuspended
		next.InGracePeriod = true
		graceEnd := ev.OccurredAt.Add(e.gracePeriod)
		next.GracePeriodEndsAt = &graceEnd

	case KindRestarted:
		if sub.Status != StatusCancelled && sub.Status != StatusExpired {
			applied = false
			break
		}
		restored := sub.Status == StatusExpired
		next.Status = StatusActive
		next.AutoRenew = true
		clearGrace(next)
		start := ev.OccurredAt
		next.StartDate = &start
		e.advancePeriod(next, ev.OccurredAt)
		if restored {
			// The expiry downgraded the profile; restore the paid tier.
			effects = append(effects, SideEffect{Type: EffectSetUserTier, UserID: sub.UserID, Tier: next.Tier})
		}

	case KindPriceChange:
		if sub.Status.Terminal() {
			applied = false
			break
		}
		// Metadata-only: record the event, change no lifecycle fields.

	case KindRevoked, KindRefunded:
		if sub.Status.Terminal() {
			applied = false
			break
		}
		wasEntitled := sub.EntitledAt(now) || sub.IsPaid()
		next.Status = StatusRefunded
		next.AutoRenew = false
		clearGrace(next)
		if wasEntitled {
			effects = append(effects,
				SideEffect{Type: EffectDowngradeToBasic, UserID: sub.UserID, Platform: sub.Platform},
				SideEffect{
					Type:   EffectNotify,
					UserID: sub.UserID,
					Notify: &NotificationRequest{
						UserID: sub.UserID,
						Type:   NotifyMembershipRevoked,
						Title:  "Membership Refunded",
						Body:   "Your membership purchase was refunded and premium features have been removed.",
					},
				},
			)
		}

	case KindExpired, KindGraceExpired:
		if ev.Kind == KindGraceExpired && !(sub.Status == StatusSuspended && sub.InGracePeriod) {
			applied = false
			break
		}
		if sub.Status.Terminal() {
			applied = false
			break
		}
		next.Status = StatusExpired
		next.AutoRenew = false
		clearGrace(next)
		effects = append(effects,
			SideEffect{Type: EffectDowngradeToBasic, UserID: sub.UserID, Platform: sub.Platform},
			SideEffect{
				Type:   EffectNotify,
				UserID: sub.UserID,
				Notify: &NotificationRequest{
					UserID: sub.UserID,
					Type:   NotifyMembershipExpired,
					Title:  "Membership Expired",
					Body:   "Your membership has expired. Purchase a new membership to restore premium features.",
				},
			},
		)

	case KindRenewalUpcoming:
		if sub.Status != StatusActive && sub.Status != StatusCancelled {
			applied = false
			break
		}
		// State stays as-is; recording the event id is what dedupes the
		// reminder across overlapping scan runs.
		days := sub.DaysUntilExpiryAt(now)
		effects = append(effects, SideEffect{
			Type:   EffectNotify,
			UserID: sub.UserID,
			Notify: &NotificationRequest{
				UserID: sub.UserID,
				Type:   NotifyMembershipExpiring,
				Title:  "Membership Expiring Soon",
				Body:   expiringBody(sub.Tier, days),
				Payload: map[string]any{
					"tier":      string(sub.Tier),
					"days_left": days,
				},
			},
		})

	case KindSuperseded:
		if !sub.IsPaid() {
			applied = false
			break
		}
		// Retired in favour of a new record; the entitlement moved there,
		// so no downgrade is emitted.
		next.Status = StatusExpired
		next.AutoRenew = false
		clearGrace(next)

	default:
		applied = false
	}

	if !applied {
		return Result{Subscription: sub, Outcome: OutcomeIgnored}
	}

	// A transition that revives a retired paid record must also retire the
	// free-tier record its earlier downgrade created.
	if sub.Status.Terminal() && next.IsPaid() && next.Tier != TierBasic {
		effects = append(effects, SideEffect{Type: EffectRetireBasic, UserID: sub.UserID})
	}

	next.Version++
	next.LastEventID = ev.ID
	// A reminder changes no billing state, so it must not advance the
	// platform-event ordinal; a renewal that occurred before the scan tick
	// but arrives after it would otherwise be dropped as stale.
	if ev.Kind != KindRenewalUpcoming {
		next.LastEventAt = ev.OccurredAt
	}
	next.UpdatedAt = now
	return Result{Subscription: next, Effects: effects, Outcome: OutcomeApplied}
}

// advancePeriod extends the end date by one billing period of the record's
// product, anchored on the current end date when it is still in the future.
func (e *Engine) advancePeriod(sub *Subscription, occurredAt time.Time) {
	period := defaultBillingPeriod
	if p, ok := e.catalog.Lookup(sub.ProductID); ok {
		period = p.Duration()
	}

	base := occurredAt
	if sub.EndDate != nil && sub.EndDate.After(occurredAt) {
		base = *sub.EndDate
	}
	end := base.Add(period)
	sub.EndDate = &end

	if sub.AutoRenew {
		sub.NextBillingDate = copyTime(sub.EndDate)
	} else {
		sub.NextBillingDate = nil
	}
}

func (e *Engine) purchaseRecord(sub *Subscription, ev BillingEvent) *PurchaseRecord {
	price := sub.Price
	if p, ok := e.catalog.Lookup(sub.ProductID); ok {
		price = p.Price
	}
	return &PurchaseRecord{
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		UserID:         sub.UserID,
		Platform:       sub.Platform,
		ProductID:      sub.ProductID,
		Tier:           sub.Tier,
		Price:          price,
		ExternalRef:    sub.ExternalRef,
		PurchasedAt:    ev.OccurredAt,
	}
}

func clearGrace(sub *Subscription) {
	sub.InGracePeriod = false
	sub.GracePeriodEndsAt = nil
}

func expiringBody(tier Tier, days int) string {
	plural := "s"
	if days == 1 {
		plural = ""
	}
	name := string(tier)
	if name == "" {
		name = "membership"
	}
	return fmt.Sprintf("Your %s membership expires in %d day%s. Extend now to keep your premium features!", name, days, plural)
}
