// Package daemon coordinates the long-running librarian process.
//
// It wraps the workflow manager in a single lifecycle guarded by a flock
// lock file so only one daemon drives the workers for a state directory. The
// daemon also owns the HTTP surface: health, Prometheus metrics, job
// submission, ZIP status polling and archive downloads.
//
// Keep orchestration here. Job semantics live in the deletion, sweep and
// archive packages; the daemon only starts, stops and exposes them.
package daemon
