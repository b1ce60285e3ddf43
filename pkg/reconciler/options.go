package reconciler

import (
	"log/slog"
	"time"
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRenewalInterval sets the renewal-reminder scan cadence (default 24h).
func WithRenewalInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.renewalEvery = d
		}
	}
}

// WithGraceInterval sets the grace-expiry scan cadence (default 1h).
func WithGraceInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.graceEvery = d
		}
	}
}

// WithNoticeWindow sets how far ahead of the end date reminders are sent
// (default 3 days).
func WithNoticeWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.noticeWindow = d
		}
	}
}

// WithItemTimeout bounds the processing time of a single scanned record
// (default 30s).
func WithItemTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.itemTimeout = d
		}
	}
}
