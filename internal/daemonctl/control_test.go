package daemonctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"librarian/internal/testsupport"
)

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	snapshot, err := BuildStatusSnapshot(context.Background(), cfg.SocketPath(), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if !snapshot.Offline || snapshot.Status.Running {
		t.Fatalf("expected offline snapshot, got %+v", snapshot)
	}
	if len(snapshot.Status.Queues) != 3 || snapshot.Status.StatsError != "" {
		t.Fatalf("expected counts for 3 queues, got %+v (%s)", snapshot.Status.Queues, snapshot.Status.StatsError)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := StopAndTerminate(cfg.SocketPath(), cfg, time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	start := time.Now()
	if err := WaitForShutdown(cfg.SocketPath(), 5*time.Second); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("WaitForShutdown should return as soon as the socket is gone")
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := Launch(" ", LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable")
	}
}

func TestRestartWithoutDaemonLaunches(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	result, err := Restart(cfg.SocketPath(), cfg, "", LaunchOptions{}, time.Second, time.Second)
	if err == nil {
		t.Fatal("expected launch error for empty executable")
	}
	if result.WasRunning {
		t.Fatal("daemon should not report as previously running")
	}
}
