// Command librarian controls the materials library background job daemon.
//
// It starts and stops the daemon, submits file deletions, ZIP generations
// and orphan sweeps, and reports queue health. Job commands talk to the
// daemon over its Unix socket and fall back to the broker directly when the
// daemon is offline, in which case the jobs wait for the next daemon run.
package main
