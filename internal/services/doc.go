// Package services defines shared utilities consumed by the job pipelines.
//
// Key responsibilities:
//   - Context helpers that stamp queue names, job IDs, attempts, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that tell the queue
//     worker whether a failure is worth retrying.
package services
