package main

import (
	"testing"

	"librarian/internal/ipc"
)

func TestStatusWithDaemon(t *testing.T) {
	env := setupCLITestEnv(t, true)

	out, _, err := env.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Daemon")
	requireContains(t, out, "Running (pid")
	requireContains(t, out, "file-deletion")

	out, _, err = env.run(t, "--json", "status")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status ipc.StatusResponse
	decodeJSON(t, out, &status)
	if !status.Running || status.BrokerDriver != "sqlite" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestStatusOffline(t *testing.T) {
	env := setupCLITestEnv(t, false)

	out, _, err := env.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")
	requireContains(t, out, "orphaned-files-cleanup")
}

func TestStopWhenNotRunning(t *testing.T) {
	env := setupCLITestEnv(t, false)

	out, _, err := env.run(t, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestPreflightCommand(t *testing.T) {
	env := setupCLITestEnv(t, false)

	out, _, err := env.run(t, "preflight")
	if err != nil {
		t.Fatalf("preflight: %v\n%s", err, out)
	}
	requireContains(t, out, "Job broker")
	requireContains(t, out, "[OK]")
}
