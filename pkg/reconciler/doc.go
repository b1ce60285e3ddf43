// Package reconciler contains the periodic jobs that enforce time-based
// subscription transitions: renewal reminders ahead of the end date and
// forced downgrades when a grace period lapses. The jobs are pure drivers
// of the membership engine and executor; they synthesize events with
// deterministic ids and mutate nothing themselves, so they are safe to run
// concurrently with webhook processing.
package reconciler
