// Package storage persists posts and social accounts.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": JSON snapshot plus append-only journal, no external deps
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Every driver implements post.Store and post.AccountDirectory with the same
// semantics, including the compare-and-set on status transitions.
package storage
