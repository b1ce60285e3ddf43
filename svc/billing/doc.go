// Package billing provides the production adapters behind the membership
// service interfaces: Postgres-backed subscription storage with optimistic
// concurrency, an append-only purchase ledger, a notification outbox, a
// Redis effect journal, and an S3 archiver for raw webhook payloads.
package billing
