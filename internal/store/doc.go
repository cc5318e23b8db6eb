// Package store runs compiled queries against a database.
//
// Two executors are provided:
//
//   - SQLite, over mattn/go-sqlite3, with a REGEXP function registered on
//     every connection so the regex operators work
//   - Postgres, over a pgx connection pool
//
// Both return rows as maps keyed by output column, with driver-specific
// values normalized to the plain Go types the rest of the pipeline knows.
//
// # Database Configuration
//
// SQLite connections are opened with:
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention
//   - foreign_keys=ON
package store
