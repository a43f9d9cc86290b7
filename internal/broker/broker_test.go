package broker_test

import (
	"context"
	"testing"
	"time"

	"librarian/internal/broker"
	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/queue"
	"librarian/internal/testsupport"
)

func TestOptionsFromPolicy(t *testing.T) {
	cfg := config.Default()
	opts := broker.Options(cfg.Queues.Deletion)
	if opts.Attempts != 3 || opts.Backoff.Type != queue.BackoffExponential || opts.Backoff.Delay != 2*time.Second {
		t.Fatalf("unexpected deletion options: %+v", opts)
	}
	if opts.RemoveOnComplete.Age != 24*time.Hour || opts.RemoveOnComplete.Count != 1000 {
		t.Fatalf("unexpected completed retention: %+v", opts.RemoveOnComplete)
	}
	if opts.RemoveOnFail.Age != 7*24*time.Hour {
		t.Fatalf("unexpected failed retention: %+v", opts.RemoveOnFail)
	}

	cleanup := broker.Options(cfg.Queues.Cleanup)
	if cleanup.Attempts != 1 || cleanup.Backoff.Type != queue.BackoffNone {
		t.Fatalf("unexpected cleanup options: %+v", cleanup)
	}
	zip := broker.Options(cfg.Queues.Zip)
	if zip.Backoff.Delay != 5*time.Second {
		t.Fatalf("unexpected zip backoff: %+v", zip.Backoff)
	}
}

func TestOpenBackendDrivers(t *testing.T) {
	ctx := context.Background()

	disabled := testsupport.NewConfig(t, testsupport.WithBrokerDriver(config.BrokerDisabled))
	backend, err := broker.OpenBackend(ctx, disabled)
	if err != nil || backend != nil {
		t.Fatalf("disabled driver: %v %v", backend, err)
	}
	q, err := broker.NewQueue("file-deletion", backend, disabled.Queues.Deletion, logging.NewNop())
	if err != nil || q.Enabled() {
		t.Fatalf("expected disabled queue, got %v %v", q, err)
	}

	cfg := testsupport.NewConfig(t)
	backend, err = broker.OpenBackend(ctx, cfg)
	if err != nil || backend == nil {
		t.Fatalf("sqlite driver: %v %v", backend, err)
	}
	defer backend.Close()
	q, err = broker.NewQueue("file-deletion", backend, cfg.Queues.Deletion, logging.NewNop())
	if err != nil || !q.Enabled() {
		t.Fatalf("expected enabled queue, got %v %v", q, err)
	}

	bad := testsupport.NewConfig(t, testsupport.WithBrokerDriver("kafka"))
	if _, err := broker.OpenBackend(ctx, bad); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}
