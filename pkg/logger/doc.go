// Package logger builds the structured slog.Logger used across the
// membership service. New applies functional options for format, level,
// output and service attribution, defaulting to JSON at INFO on stdout.
package logger
