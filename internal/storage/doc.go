// Package storage persists job configurations together with their scheduler,
// listener and parameter rows.
//
// Drivers:
//   - memory: process-local, the default
//   - file: JSON snapshot rewritten atomically on every change
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
package storage
