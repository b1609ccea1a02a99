// Package storage is the persistence adapter for schedule records.
//
// The engine never talks to a database directly; it goes through Store, which
// every driver implements:
//   - "memory": process-local map (tests, dry runs)
//   - "file":   memory map + append-only JSON journal with snapshot compaction
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL via pgx
//
// All instants cross this boundary in UTC.
package storage
