// Package storage is the orchestrator's persistence adapter.
//
// Drivers:
//   - "memory": in-process maps, the default and what tests use
//   - "sqlite": modernc.org/sqlite file database with embedded schema
//   - "postgres": PostgreSQL through the pgx database/sql driver
//
// RecordOutbound is the one transactional operation: it inserts the message
// and bumps the lead and account counters together, so a crash never leaves
// a send counted without its record or the other way round.
package storage
