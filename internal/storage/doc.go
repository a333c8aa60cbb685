// Package storage persists tasks, notification records and tick history.
//
// Drivers:
//   - "memory": in-process maps, for tests and single-node trials
//   - "sqlite": embedded database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL through pgx's database/sql driver
//
// SQL drivers share one implementation; schemas are migrated with goose.
package storage
