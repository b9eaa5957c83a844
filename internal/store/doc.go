// Package store provides persistent storage for the coordination core.
//
// # Architecture
//
// Persistence is split into three interfaces, combined by Store:
//
//   - RunStore: subagent runs, for audit history and crash recovery
//   - ContextStore: shared-context entries keyed by (namespace, key)
//   - CoordinationStore: fan-out batches and their aggregated results
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation for unit tests.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pure-Go modernc driver ("sqlite") is the default. The cgo mattn driver
// ("sqlite3") can be selected with database.driver in the config file.
//
// Timestamps are stored as fixed-width UTC strings so that ORDER BY on a
// time column is chronological.
//
// # Errors
//
// ErrNotFound is returned when a requested run or coordination does not exist.
package store
