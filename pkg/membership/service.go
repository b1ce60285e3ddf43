package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service drives every subscription mutation: it runs inbound events through
// the pure engine, commits the next state with compare-and-swap, and then
// executes the declared side effects at-least-once behind the effect journal.
// Webhook handlers, the reconciliation scans, purchase verification, and
// admin grants all funnel through ProcessEvent, so there is exactly one code
// path that ever mutates subscription state.
type Service struct {
	engine   *Engine
	store    SubscriptionStore
	journal  EffectJournal
	ledger   PurchaseLedger
	notifier Notifier
	profiles ProfileDirectory
	catalog  Catalog

	log         *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// NewService creates the subscription service. Panics if a required
// dependency is nil to fail fast during initialization.
func NewService(store SubscriptionStore, journal EffectJournal, ledger PurchaseLedger, notifier Notifier, profiles ProfileDirectory, opts ...ServiceOption) *Service {
	if store == nil {
		panic("membership: SubscriptionStore is required")
	}
	if journal == nil {
		panic("membership: EffectJournal is required")
	}
	if ledger == nil {
		panic("membership: PurchaseLedger is required")
	}
	if notifier == nil {
		panic("membership: Notifier is required")
	}
	if profiles == nil {
		panic("membership: ProfileDirectory is required")
	}

	s := &Service{
		store:       store,
		journal:     journal,
		ledger:      ledger,
		notifier:    notifier,
		profiles:    profiles,
		catalog:     DefaultCatalog(),
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = NewEngine(s.catalog)
	}
	return s
}

// ProcessEvent applies one normalized billing event. It is safe to call with
// duplicated and arbitrarily reordered events for the same external ref:
// replays re-drive only pending side effects, stale events are no-ops, and
// version conflicts with concurrent writers are retried a bounded number of
// times before surfacing a retryable error.
func (s *Service) ProcessEvent(ctx context.Context, ev BillingEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		sub, err := s.store.FindByExternalRef(ctx, ev.Platform, ev.ExternalRef)
		if errors.Is(err, ErrSubscriptionNotFound) {
			if ev.Kind == KindPurchased {
				return s.createFromPurchase(ctx, ev)
			}
			s.log.WarnContext(ctx, "billing event for unknown subscription",
				slog.String("event_id", ev.ID),
				slog.String("platform", string(ev.Platform)),
				slog.String("kind", string(ev.Kind)))
			return fmt.Errorf("%w: external ref %q", ErrSubscriptionNotFound, ev.ExternalRef)
		}
		if err != nil {
			return err
		}

		// A verified purchase names its purchaser; a token already bound to
		// a different account is rejected to prevent shared billing account
		// abuse.
		if ev.UserID != uuid.Nil && ev.UserID != sub.UserID {
			s.log.WarnContext(ctx, "purchase token bound to another account",
				slog.String("event_id", ev.ID),
				slog.String("subscription_id", sub.ID.String()))
			return ErrExternalRefBound
		}

		res := s.engine.Transition(sub, ev, s.now())
		switch res.Outcome {
		case OutcomeReplay:
			s.log.InfoContext(ctx, "billing event replayed",
				slog.String("event_id", ev.ID),
				slog.String("subscription_id", sub.ID.String()))
			return s.driveEffects(ctx, sub.ID, ev.ID)

		case OutcomeStale:
			s.log.InfoContext(ctx, "billing event older than last applied",
				slog.String("event_id", ev.ID),
				slog.String("subscription_id", sub.ID.String()),
				slog.Time("occurred_at", ev.OccurredAt),
				slog.Time("last_event_at", sub.LastEventAt))
			return nil

		case OutcomeIgnored:
			s.log.WarnContext(ctx, "no transition for billing event",
				slog.String("event_id", ev.ID),
				slog.String("subscription_id", sub.ID.String()),
				slog.String("status", string(sub.Status)),
				slog.String("kind", string(ev.Kind)))
			return nil
		}

		updated, err := s.store.CompareAndSwap(ctx, sub.ID, sub.Version, res.Subscription)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.log.InfoContext(ctx, "subscription transitioned",
			slog.String("subscription_id", updated.ID.String()),
			slog.String("event_id", ev.ID),
			slog.String("from", string(sub.Status)),
			slog.String("to", string(updated.Status)))

		return s.executeEffects(ctx, updated.ID, ev.ID, res.Effects)
	}

	return fmt.Errorf("%w: event %s", ErrConflictRetryExhausted, ev.ID)
}

// VerifyPurchaseRequest carries a client-verified store purchase.
type VerifyPurchaseRequest struct {
	UserID        uuid.UUID
	Platform      Platform
	ProductID     string
	ExternalRef   string
	TransactionAt time.Time
}

// VerifyPurchase records a purchase reported by an authenticated client,
// synthesizing a Purchased event with a deterministic id so the platform's
// own webhook for the same token resolves as a replay.
func (s *Service) VerifyPurchase(ctx context.Context, req VerifyPurchaseRequest) error {
	if req.UserID == uuid.Nil || req.ExternalRef == "" || !req.Platform.Valid() {
		return ErrMalformedPayload
	}
	if _, ok := s.catalog.Lookup(req.ProductID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProduct, req.ProductID)
	}

	occurredAt := req.TransactionAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	return s.ProcessEvent(ctx, BillingEvent{
		ID:          fmt.Sprintf("purchase:%s:%s", req.Platform, req.ExternalRef),
		Platform:    req.Platform,
		ExternalRef: req.ExternalRef,
		Kind:        KindPurchased,
		ProductID:   req.ProductID,
		OccurredAt:  occurredAt,
		UserID:      req.UserID,
	})
}

// Grant issues a membership by admin override, routed through the same
// engine path as store purchases.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, tier Tier, durationDays int) error {
	if userID == uuid.Nil {
		return ErrMalformedPayload
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if durationDays <= 0 {
		return fmt.Errorf("%w: %d days", ErrInvalidDuration, durationDays)
	}

	grantID := uuid.New()
	return s.ProcessEvent(ctx, BillingEvent{
		ID:          "admin-grant:" + grantID.String(),
		Platform:    PlatformAdmin,
		ExternalRef: "admin:" + grantID.String(),
		Kind:        KindPurchased,
		OccurredAt:  s.now(),
		UserID:      userID,
		Grant:       &GrantDetails{Tier: tier, DurationDays: durationDays},
	})
}

// createFromPurchase initializes a brand-new subscription record for a
// purchase whose external ref is not yet known. The purchaser must be known,
// which is the case for verified purchases and admin grants; a raw platform
// webhook that races ahead of client verification is logged as an anomaly
// and acknowledged, since verification will create the record shortly.
func (s *Service) createFromPurchase(ctx context.Context, ev BillingEvent) error {
	if ev.UserID == uuid.Nil {
		s.log.WarnContext(ctx, "purchase event precedes verification, no purchaser known",
			slog.String("event_id", ev.ID),
			slog.String("platform", string(ev.Platform)))
		return fmt.Errorf("%w: event %s", ErrPurchaserUnknown, ev.ID)
	}

	tier, duration, price, err := s.resolveProduct(ev)
	if err != nil {
		return err
	}

	now := s.now()
	effectiveTier := tier
	base := ev.OccurredAt

	// An existing paid record extends rather than resets: the membership
	// keeps the higher tier and the new duration is appended to the current
	// end date. The old record is then superseded through the engine.
	prior, err := s.store.FindPaidForUser(ctx, ev.UserID)
	switch {
	case err == nil:
		effectiveTier = HigherOf(tier, prior.Tier)
		if prior.EndDate != nil && prior.EndDate.After(base) {
			base = *prior.EndDate
		}
		if err := s.supersede(ctx, prior, ev); err != nil {
			return err
		}
	case errors.Is(err, ErrSubscriptionNotFound):
		// First purchase for this user.
	default:
		return err
	}

	end := base.Add(duration)
	start := ev.OccurredAt
	sub := &Subscription{
		ID:          uuid.New(),
		UserID:      ev.UserID,
		Tier:        effectiveTier,
		Status:      StatusActive,
		Platform:    ev.Platform,
		ExternalRef: ev.ExternalRef,
		ProductID:   ev.ProductID,
		AutoRenew:   ev.Platform != PlatformAdmin,
		StartDate:   &start,
		EndDate:     &end,
		Price:       price,
		LastEventID: ev.ID,
		LastEventAt: ev.OccurredAt,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sub.AutoRenew {
		sub.NextBillingDate = copyTime(sub.EndDate)
	}

	if err := s.store.Create(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionAlreadyExists) {
			// Lost a race with a concurrent delivery of the same purchase;
			// redelivery will resolve as a replay against the winner's record.
			s.log.InfoContext(ctx, "subscription created concurrently",
				slog.String("event_id", ev.ID))
			return fmt.Errorf("%w: concurrent create for event %s", ErrConflictRetryExhausted, ev.ID)
		}
		return err
	}

	s.log.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("user_id", sub.UserID.String()),
		slog.String("tier", string(sub.Tier)),
		slog.Time("end_date", end))

	effects := []SideEffect{
		{
			Type:     EffectAppendPurchase,
			UserID:   sub.UserID,
			Platform: sub.Platform,
			Purchase: &PurchaseRecord{
				SubscriptionID: sub.ID,
				EventID:        ev.ID,
				UserID:         sub.UserID,
				Platform:       sub.Platform,
				ProductID:      sub.ProductID,
				Tier:           sub.Tier,
				Price:          price,
				ExternalRef:    sub.ExternalRef,
				PurchasedAt:    ev.OccurredAt,
			},
		},
		{Type: EffectSetUserTier, UserID: sub.UserID, Tier: effectiveTier},
		{
			Type:   EffectNotify,
			UserID: sub.UserID,
			Notify: &NotificationRequest{
				UserID: sub.UserID,
				Type:   NotifyMembershipActivated,
				Title:  "Membership Activated",
				Body:   fmt.Sprintf("Your %s membership is active until %s.", sub.Tier, end.Format("January 2, 2006")),
				Payload: map[string]any{
					"tier":     string(sub.Tier),
					"end_date": end.Format(time.RFC3339),
				},
			},
		},
	}

	return s.executeEffects(ctx, sub.ID, ev.ID, effects)
}

// supersede retires a paid record replaced by a new purchase, going through
// the engine and compare-and-swap like every other mutation.
func (s *Service) supersede(ctx context.Context, prior *Subscription, purchase BillingEvent) error {
	ev := BillingEvent{
		ID:          SupersededEventID(prior.ID, purchase.ID),
		Platform:    prior.Platform,
		ExternalRef: prior.ExternalRef,
		Kind:        KindSuperseded,
		OccurredAt:  s.now(),
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		res := s.engine.Transition(prior, ev, s.now())
		if res.Outcome != OutcomeApplied {
			return nil
		}

		_, err := s.store.CompareAndSwap(ctx, prior.ID, prior.Version, res.Subscription)
		if errors.Is(err, ErrVersionConflict) {
			prior, err = s.store.FindByExternalRef(ctx, prior.Platform, prior.ExternalRef)
			if err != nil {
				return err
			}
			continue
		}
		return err
	}
	return fmt.Errorf("%w: superseding %s", ErrConflictRetryExhausted, prior.ID)
}

// executeEffects records the planned effect set and drives it. The journal
// write must succeed before any effect runs, otherwise a redelivery could
// double-notify or double-record revenue.
func (s *Service) executeEffects(ctx context.Context, subID uuid.UUID, eventID string, effects []SideEffect) error {
	if len(effects) == 0 {
		return nil
	}
	if err := s.journal.Begin(ctx, subID, eventID, effects); err != nil {
		return errors.Join(ErrEffectFailed, err)
	}
	return s.driveEffects(ctx, subID, eventID)
}

// driveEffects executes the journal's pending effects for an event. Each
// effect fails independently; failures surface as a retryable error so the
// platform redelivers and the replay path re-drives only what is still
// pending. The state write has already committed and is never re-run.
func (s *Service) driveEffects(ctx context.Context, subID uuid.UUID, eventID string) error {
	pending, err := s.journal.Pending(ctx, subID, eventID)
	if err != nil {
		return errors.Join(ErrEffectFailed, err)
	}

	var failed []error
	for _, eff := range pending {
		if err := s.executeEffect(ctx, eff, eventID); err != nil {
			s.log.ErrorContext(ctx, "side effect failed",
				slog.String("subscription_id", subID.String()),
				slog.String("event_id", eventID),
				slog.String("effect", string(eff.Type)),
				slog.String("error", err.Error()))
			failed = append(failed, err)
			continue
		}
		if err := s.journal.MarkDone(ctx, subID, eventID, eff.Type); err != nil {
			// The effect ran; a lost marker means one extra attempt on
			// replay, which downstream idempotency absorbs.
			s.log.WarnContext(ctx, "failed to mark effect done",
				slog.String("event_id", eventID),
				slog.String("effect", string(eff.Type)),
				slog.String("error", err.Error()))
		}
	}

	if len(failed) > 0 {
		return errors.Join(append([]error{ErrEffectFailed}, failed...)...)
	}
	return nil
}

func (s *Service) executeEffect(ctx context.Context, eff SideEffect, eventID string) error {
	switch eff.Type {
	case EffectAppendPurchase:
		if eff.Purchase == nil {
			return fmt.Errorf("append_purchase effect without record")
		}
		return s.ledger.Append(ctx, *eff.Purchase)

	case EffectNotify:
		if eff.Notify == nil {
			return fmt.Errorf("notify effect without request")
		}
		return s.notifier.Enqueue(ctx, *eff.Notify)

	case EffectSetUserTier:
		return s.profiles.SetUserTier(ctx, eff.UserID, eff.Tier)

	case EffectDowngradeToBasic:
		return s.downgradeToBasic(ctx, eff, eventID)

	case EffectRetireBasic:
		return s.retireBasic(ctx, eff.UserID, eventID)
	}
	return fmt.Errorf("unknown effect type %q", eff.Type)
}

// downgradeToBasic hands the user the free-tier record that replaces a
// terminated paid subscription and reflects the downgrade on the profile.
// A user gets exactly one basic record over their lifetime: later downgrade
// cycles reactivate it instead of minting another, and the deterministic
// external ref collapses concurrent creations.
func (s *Service) downgradeToBasic(ctx context.Context, eff SideEffect, eventID string) error {
	existing, err := s.store.FindBasicForUser(ctx, eff.UserID)
	switch {
	case err == nil:
		if err := s.setBasicStatus(ctx, existing, StatusActive, eventID); err != nil {
			return err
		}
	case errors.Is(err, ErrSubscriptionNotFound):
		now := s.now()
		start := now
		basic := &Subscription{
			ID:          uuid.New(),
			UserID:      eff.UserID,
			Tier:        TierBasic,
			Status:      StatusActive,
			Platform:    eff.Platform,
			ExternalRef: "basic:" + eff.UserID.String(),
			AutoRenew:   false,
			StartDate:   &start,
			LastEventID: eventID,
			LastEventAt: now,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.Create(ctx, basic); err != nil && !errors.Is(err, ErrSubscriptionAlreadyExists) {
			return err
		}
	default:
		return err
	}
	return s.profiles.SetUserTier(ctx, eff.UserID, TierBasic)
}

// retireBasic expires the user's free-tier record once a paid entitlement is
// live again, so at most one record per user is ever Active. Users without a
// basic record are a no-op.
func (s *Service) retireBasic(ctx context.Context, userID uuid.UUID, eventID string) error {
	basic, err := s.store.FindBasicForUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.setBasicStatus(ctx, basic, StatusExpired, eventID)
}

// setBasicStatus moves a basic record to the given status through
// compare-and-swap. Basic records receive no platform events, so the write
// happens here rather than through the engine.
func (s *Service) setBasicStatus(ctx context.Context, basic *Subscription, status Status, eventID string) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if basic.Status == status {
			return nil
		}
		now := s.now()
		next := basic.clone()
		next.Status = status
		next.Version++
		next.LastEventID = eventID
		next.LastEventAt = now
		next.UpdatedAt = now

		_, err := s.store.CompareAndSwap(ctx, basic.ID, basic.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			basic, err = s.store.FindByExternalRef(ctx, basic.Platform, basic.ExternalRef)
			if err != nil {
				return err
			}
			continue
		}
		return err
	}
	return fmt.Errorf("%w: updating basic record %s", ErrConflictRetryExhausted, basic.ID)
}

func (s *Service) resolveProduct(ev BillingEvent) (Tier, time.Duration, Money, error) {
	if ev.Grant != nil {
		if !ev.Grant.Tier.Valid() {
			return "", 0, Money{}, fmt.Errorf("%w: %q", ErrInvalidTier, ev.Grant.Tier)
		}
		if ev.Grant.DurationDays <= 0 {
			return "", 0, Money{}, fmt.Errorf("%w: %d days", ErrInvalidDuration, ev.Grant.DurationDays)
		}
		return ev.Grant.Tier, time.Duration(ev.Grant.DurationDays) * 24 * time.Hour, Money{}, nil
	}

	product, ok := s.catalog.Lookup(ev.ProductID)
	if !ok {
		s.log.Warn("purchase for unknown product",
			slog.String("event_id", ev.ID),
			slog.String("product_id", ev.ProductID))
		return "", 0, Money{}, fmt.Errorf("%w: %q", ErrUnknownProduct, ev.ProductID)
	}
	return product.Tier, product.Duration(), product.Price, nil
}
