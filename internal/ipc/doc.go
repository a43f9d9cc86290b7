// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// client used by the CLI.
//
// The server wraps the daemon and its workflow manager; request and response
// types live in types.go so the CLI and daemon agree on one wire shape.
package ipc
