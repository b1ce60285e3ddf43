package membership

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCatalog replaces the default product catalog.
func WithCatalog(catalog Catalog) ServiceOption {
	return func(s *Service) {
		if catalog != nil {
			s.catalog = catalog
			s.engine = nil // rebuilt against the new catalog
		}
	}
}

// WithEngine injects a pre-configured engine, e.g. with a custom grace
// period for tests.
func WithEngine(engine *Engine) ServiceOption {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithClock overrides the time source. Intended for tests with a simulated
// clock; the default is time.Now in UTC.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds the compare-and-swap retry loop.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}
