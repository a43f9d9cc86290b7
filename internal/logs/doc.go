// Package logs reads the daemon log for the CLI: the last N lines of a file
// and a polling follow mode that survives the file being rotated or not yet
// existing.
package logs
