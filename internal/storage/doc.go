// Package storage persists sent-message history, message templates, the
// operator audit trail and notifier dedup state.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": dependency-free JSON Lines + snapshot files
//   - "none" or empty: history is not kept, templates are unavailable
package storage
