package reconciler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/greengo/membership/pkg/membership"
)

// EventProcessor applies one synthesized billing event. Satisfied by
// *membership.Service.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev membership.BillingEvent) error
}

// Store is the read side the scans need from the subscription store.
type Store interface {
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]membership.Subscription, error)
	ListInExpiredGrace(ctx context.Context, asOf time.Time) ([]membership.Subscription, error)
}

// Reconciler runs the two periodic jobs that enforce time-based transitions
// the billing platforms do not push proactively: the daily renewal-reminder
// scan and the hourly grace-period-expiry scan. Both jobs only synthesize
// events and route them through the same engine and executor path as
// webhook traffic; they contain no state-mutation logic of their own.
type Reconciler struct {
	store     Store
	processor EventProcessor

	log          *slog.Logger
	now          func() time.Time
	renewalEvery time.Duration
	graceEvery   time.Duration
	noticeWindow time.Duration
	itemTimeout  time.Duration

	renewalRunning atomic.Bool
	graceRunning   atomic.Bool
}

// New creates a reconciler. Panics if store or processor is nil to fail
// fast during initialization.
func New(store Store, processor EventProcessor, opts ...Option) *Reconciler {
	if store == nil {
		panic("reconciler: Store is required")
	}
	if processor == nil {
		panic("reconciler: EventProcessor is required")
	}

	r := &Reconciler{
		store:        store,
		processor:    processor,
		log:          slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		renewalEvery: 24 * time.Hour,
		graceEvery:   time.Hour,
		noticeWindow: 3 * 24 * time.Hour,
		itemTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs both scan loops until the context is cancelled. Each scan runs
// once immediately on start.
func (r *Reconciler) Start(ctx context.Context) error {
	renewalTicker := time.NewTicker(r.renewalEvery)
	defer renewalTicker.Stop()
	graceTicker := time.NewTicker(r.graceEvery)
	defer graceTicker.Stop()

	r.RunRenewalScan(ctx)
	r.RunGraceScan(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler shutting down")
			return ctx.Err()
		case <-renewalTicker.C:
			r.RunRenewalScan(ctx)
		case <-graceTicker.C:
			r.RunGraceScan(ctx)
		}
	}
}

// RunRenewalScan synthesizes one RenewalUpcoming event per subscription
// whose end date falls within the notice window. Deterministic event ids
// make overlapping runs replays, so at most one reminder is delivered per
// end date. Returns ErrScanInProgress if a previous run is still in flight.
func (r *Reconciler) RunRenewalScan(ctx context.Context) error {
	if !r.renewalRunning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer r.renewalRunning.Store(false)

	now := r.now()
	subs, err := r.store.ListExpiringBetween(ctx, now, now.Add(r.noticeWindow))
	if err != nil {
		r.log.ErrorContext(ctx, "renewal scan query failed", slog.String("error", err.Error()))
		return err
	}

	r.log.InfoContext(ctx, "renewal scan started", slog.Int("candidates", len(subs)))

	var failures int
	for i := range subs {
		sub := &subs[i]
		if sub.EndDate == nil {
			continue
		}
		ev := membership.BillingEvent{
			ID:          membership.RenewalUpcomingEventID(sub.ID, *sub.EndDate),
			Platform:    sub.Platform,
			ExternalRef: sub.ExternalRef,
			Kind:        membership.KindRenewalUpcoming,
			OccurredAt:  now,
		}
		if err := r.processItem(ctx, ev); err != nil {
			failures++
		}
	}

	r.log.InfoContext(ctx, "renewal scan completed",
		slog.Int("candidates", len(subs)),
		slog.Int("failures", failures))
	return nil
}

// RunGraceScan synthesizes GracePeriodExpired for every subscription whose
// grace period has lapsed, forcing the downgrade the platform does not push.
func (r *Reconciler) RunGraceScan(ctx context.Context) error {
	if !r.graceRunning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer r.graceRunning.Store(false)

	now := r.now()
	subs, err := r.store.ListInExpiredGrace(ctx, now)
	if err != nil {
		r.log.ErrorContext(ctx, "grace scan query failed", slog.String("error", err.Error()))
		return err
	}

	r.log.InfoContext(ctx, "grace scan started", slog.Int("candidates", len(subs)))

	var failures int
	for i := range subs {
		sub := &subs[i]
		if sub.GracePeriodEndsAt == nil {
			continue
		}
		// The expiry occurred when the grace window lapsed, not when the
		// scan noticed. Anchoring the ordinal there keeps genuinely later
		// platform events from being misread as stale.
		ev := membership.BillingEvent{
			ID:          membership.GraceExpiredEventID(sub.ID, *sub.GracePeriodEndsAt),
			Platform:    sub.Platform,
			ExternalRef: sub.ExternalRef,
			Kind:        membership.KindGraceExpired,
			OccurredAt:  *sub.GracePeriodEndsAt,
		}
		if err := r.processItem(ctx, ev); err != nil {
			failures++
		}
	}

	r.log.InfoContext(ctx, "grace scan completed",
		slog.Int("candidates", len(subs)),
		slog.Int("failures", failures))
	return nil
}

// processItem applies one synthesized event under its own timeout. Item
// failures are logged and isolated so the rest of the batch proceeds; the
// next scan picks the record up again.
func (r *Reconciler) processItem(ctx context.Context, ev membership.BillingEvent) error {
	itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()

	if err := r.processor.ProcessEvent(itemCtx, ev); err != nil {
		r.log.WarnContext(ctx, "scan item failed",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
