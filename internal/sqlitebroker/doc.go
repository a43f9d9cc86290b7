// Package sqlitebroker implements queue.Backend on a local SQLite database.
//
// The database runs in WAL mode with a busy timeout, and every statement is
// retried on SQLITE_BUSY so several processes on one host can share it.
// Reserve, stalled recovery and lease checks are single UPDATE ... RETURNING
// statements, which SQLite executes atomically. Times are stored as Unix
// milliseconds.
//
// The schema version is kept in PRAGMA user_version. New schema changes are
// appended to the migrations list and applied forward on open; a database
// stamped by a newer build is refused with ErrSchemaMismatch.
package sqlitebroker
