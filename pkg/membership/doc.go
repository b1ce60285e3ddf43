// Package membership reconciles paid-membership state against the
// asynchronous billing notifications of the Play Store and the App Store,
// plus internally synthesized events for grace-period expiry, upcoming
// renewals, admin grants, and record supersession.
//
// Notifications arrive at-least-once and out of order. Correctness does not
// depend on delivery order: every subscription record carries the id and
// timestamp of the last applied event, so duplicates resolve as replays and
// older events as no-ops, and the version counter gives optimistic
// concurrency for racing writers.
//
// The design separates three concerns:
//
//   - Normalizers decode each platform's proprietary payload into one
//     canonical BillingEvent. They are pure and never touch storage.
//   - The Engine is a pure function from (state, event) to (next state,
//     side effects). All business rules live here.
//   - The Service commits the next state with compare-and-swap and then
//     executes the declared side effects at-least-once behind an effect
//     journal keyed by (subscription, event, effect type), so redeliveries
//     never double-notify or double-record revenue.
//
// Usage:
//
//	svc := membership.NewService(store, journal, ledger, notifier, profiles)
//
//	normalizer := membership.NewPlayStoreNormalizer()
//	ev, err := normalizer.Normalize(payload)
//	if err != nil {
//		// 400 to the sender
//	}
//	if err := svc.ProcessEvent(ctx, ev); err != nil {
//		if membership.Retryable(err) {
//			// 5xx so the platform redelivers
//		}
//		// otherwise log and acknowledge
//	}
package membership
