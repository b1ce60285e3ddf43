// Package pg wires up the PostgreSQL layer of the membership service:
// a pgx/v5 connection pool configured from environment variables, goose
// schema migrations run at startup, and a ping-based health check.
//
// Error helpers [IsNotFound] and [IsDuplicateKey] classify driver errors
// so storage code can map them to domain errors without importing pgx.
package pg
