// Package workflow owns the background job layer of a librarian process.
//
// The Manager connects the configured broker on first use, builds the three
// queue families (file deletion, orphaned files cleanup, ZIP generation) and
// exposes the enqueue and polling surface used by the API, IPC and CLI
// layers. StartWorkers attaches a worker to every family, wires completion
// and failure logging plus metrics, and registers the recurring orphan sweep.
// StopWorkers closes workers, queues and the broker connection; a later call
// to any accessor reconnects.
//
// With the broker disabled every queue is a queue.Disabled: enqueue calls
// return mock results and StartWorkers logs and does nothing.
package workflow
