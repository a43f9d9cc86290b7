// Package queue provides named, durable job queues with retry, backoff,
// delayed and repeatable jobs, and workers with bounded concurrency.
//
// A Broker pairs a queue name and its default job options with a Backend that
// owns persistence and atomic state transitions. The redisbroker and
// sqlitebroker packages supply Backends; Disabled satisfies the Queue
// interface when no broker is configured so callers never branch on it.
//
// Jobs move waiting -> active -> completed, or back to delayed/waiting for a
// retry, or to failed once Options.Attempts deliveries have been made or the
// processor returns an unrecoverable error. AttemptsMade counts deliveries and
// is incremented when a worker reserves the job, so a processor can ask
// FinalAttempt before deciding on last-resort handling.
//
// Delivery is at least once. A worker holds a lease on every active job and
// extends it while the processor runs; when a process dies the lease lapses
// and the stalled check returns the job to the waiting set.
package queue
