package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"librarian/internal/ipc"
	"librarian/internal/testsupport"
)

func TestRunServesUntilCanceled(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSweepDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{LogLevel: "error", NoAPI: true})
	}()

	var client *ipc.Client
	deadline := time.Now().Add(10 * time.Second)
	for client == nil && time.Now().Before(deadline) {
		if c, err := ipc.Dial(cfg.SocketPath()); err == nil {
			client = c
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if client == nil {
		t.Fatal("daemon socket never appeared")
	}
	var status *ipc.StatusResponse
	for time.Now().Before(deadline) {
		resp, err := client.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if resp.Running {
			status = resp
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	client.Close()
	if status == nil {
		t.Fatal("workers never reported running")
	}
	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "librarian.log")); err != nil {
		t.Fatalf("expected current log pointer: %v", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error without config")
	}
}
