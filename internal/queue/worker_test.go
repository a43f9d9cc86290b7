package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"librarian/internal/queue"
)

var fastDefaults = queue.Options{
	Attempts: 3,
	Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Millisecond},
}

var fastWorker = queue.WorkerOptions{
	Concurrency:     1,
	Lease:           time.Second,
	PollInterval:    5 * time.Millisecond,
	StalledInterval: 20 * time.Millisecond,
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startWorker(t *testing.T, b *queue.Broker, proc queue.Processor, opts queue.WorkerOptions) *queue.Worker {
	t.Helper()
	w, err := queue.NewWorker(b, proc, opts)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	b := newTestBroker(t, "q", fastDefaults)
	var calls atomic.Int32
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]int{"attempt": job.Attempt()}, nil
	}

	var (
		mu        sync.Mutex
		failures  []queue.State
		completed *queue.Job
		result    json.RawMessage
	)
	w, err := queue.NewWorker(b, proc, fastWorker)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	w.OnFailed(func(job *queue.Job, err error) {
		mu.Lock()
		failures = append(failures, job.State)
		mu.Unlock()
	})
	w.OnCompleted(func(job *queue.Job, raw json.RawMessage) {
		mu.Lock()
		completed, result = job, raw
		mu.Unlock()
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close(context.Background())

	if _, err := b.Add(context.Background(), "work", nil, queue.Options{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if completed.AttemptsMade != 3 {
		t.Fatalf("expected success on third attempt, got %d", completed.AttemptsMade)
	}
	if string(result) != `{"attempt":3}` {
		t.Fatalf("unexpected result %s", result)
	}
	if len(failures) != 2 {
		t.Fatalf("expected two failed deliveries, got %v", failures)
	}
	for _, st := range failures {
		if st == queue.StateFailed {
			t.Fatalf("intermediate failures must not be terminal: %v", failures)
		}
	}
}

func TestWorkerFailsAfterAttemptsExhausted(t *testing.T) {
	b := newTestBroker(t, "q", fastDefaults)
	var sawFinal atomic.Bool
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		if job.FinalAttempt() {
			sawFinal.Store(true)
		}
		return nil, errors.New("still broken")
	}
	startWorker(t, b, proc, fastWorker)

	job, err := b.Add(context.Background(), "work", nil, queue.Options{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetJob(context.Background(), job.ID)
		return err == nil && got.State == queue.StateFailed
	})
	got, _ := b.GetJob(context.Background(), job.ID)
	if got.AttemptsMade != 3 || got.FailedReason != "still broken" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
	if !sawFinal.Load() {
		t.Fatal("processor never observed FinalAttempt")
	}
}

func TestWorkerDoesNotRetryUnrecoverable(t *testing.T) {
	b := newTestBroker(t, "q", fastDefaults)
	var calls atomic.Int32
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		calls.Add(1)
		return nil, queue.Unrecoverable(errors.New("path traversal"))
	}
	startWorker(t, b, proc, fastWorker)

	job, _ := b.Add(context.Background(), "work", nil, queue.Options{})
	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetJob(context.Background(), job.ID)
		return err == nil && got.State == queue.StateFailed
	})
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected exactly one attempt, got %d", n)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	b := newTestBroker(t, "q", queue.Options{Attempts: 1})
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		panic("boom")
	}
	startWorker(t, b, proc, fastWorker)

	job, _ := b.Add(context.Background(), "work", nil, queue.Options{})
	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetJob(context.Background(), job.ID)
		return err == nil && got.State == queue.StateFailed
	})
}

func TestWorkerRespectsConcurrency(t *testing.T) {
	b := newTestBroker(t, "q", queue.Options{Attempts: 1})
	var active, peak, done atomic.Int32
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil, nil
	}
	opts := fastWorker
	opts.Concurrency = 2
	startWorker(t, b, proc, opts)

	for i := 0; i < 6; i++ {
		if _, err := b.Add(context.Background(), "work", nil, queue.Options{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return done.Load() == 6 })
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", p)
	}
}

func TestWorkerCloseWaitsForInflight(t *testing.T) {
	b := newTestBroker(t, "q", queue.Options{Attempts: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		close(started)
		<-release
		return "done", nil
	}
	w, err := queue.NewWorker(b, proc, fastWorker)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, _ := b.Add(context.Background(), "work", nil, queue.Options{})
	<-started

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatal("Close returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := b.GetJob(context.Background(), job.ID)
	if got.State != queue.StateCompleted {
		t.Fatalf("expected in-flight job to complete, got %s", got.State)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestWorkerRecoversStalledJob(t *testing.T) {
	b := newTestBroker(t, "q", fastDefaults)
	job, _ := b.Add(context.Background(), "work", nil, queue.Options{})

	// A worker that died mid-job leaves an active job with a short lease.
	if _, err := b.Backend().Reserve(context.Background(), "q", 10*time.Millisecond, time.Now()); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	proc := func(ctx context.Context, job *queue.Job) (any, error) { return nil, nil }
	startWorker(t, b, proc, fastWorker)

	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetJob(context.Background(), job.ID)
		return err == nil && got.State == queue.StateCompleted
	})
	got, _ := b.GetJob(context.Background(), job.ID)
	if got.AttemptsMade != 2 {
		t.Fatalf("expected the recovered delivery to count as attempt 2, got %d", got.AttemptsMade)
	}
}

func TestWorkerPromotesRepeatables(t *testing.T) {
	b := newTestBroker(t, "q", queue.Options{Attempts: 1})
	var runs atomic.Int32
	proc := func(ctx context.Context, job *queue.Job) (any, error) {
		runs.Add(1)
		return nil, nil
	}
	if _, err := b.AddRepeatable(context.Background(), "tick", 50*time.Millisecond, nil, queue.Options{}); err != nil {
		t.Fatalf("AddRepeatable: %v", err)
	}
	startWorker(t, b, proc, fastWorker)
	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestWorkerStartTwice(t *testing.T) {
	b := newTestBroker(t, "q", queue.Options{})
	w := startWorker(t, b, func(context.Context, *queue.Job) (any, error) { return nil, nil }, fastWorker)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}
