// Package store is the embedded storage engine behind keel: one SQLite file
// per database, opened in WAL mode.
//
// # Snapshots
//
// Every Session owns one dedicated connection and always sits inside a
// transaction. Outside a write it holds a read transaction pinned at a commit
// version; readers never block the single writer. BeginWrite ends the read
// transaction and takes the file's write lock (BEGIN IMMEDIATE, waiting up
// to the busy timeout). Commit and Rollback return the session to a fresh
// read snapshot.
//
// # Change tracking
//
// Every write records (version, model, row, op) in keel_changes, stamped with
// the version the commit will publish. AdvanceRead moves a session to the
// latest snapshot and reports which of the watched rows and models changed
// since the session's previous baseline. Old change records are pruned after
// a retention window; a session whose baseline predates the pruned range gets
// a full invalidation instead of a diff.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers during a write
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Internal tables are versioned with PRAGMA user_version (the file format).
// The caller's schema version lives in keel_meta and is managed by callers
// through SchemaVersion and SetSchemaVersion.
package store
