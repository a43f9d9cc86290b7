package testsupport

import (
	"context"
	"testing"
	"time"

	"librarian/internal/queue"
)

// WaitForJob polls q until job id reaches a finished state or timeout passes.
func WaitForJob(t testing.TB, q queue.Queue, id string, timeout time.Duration) *queue.Job {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		job, err := q.GetJob(context.Background(), id)
		if err == nil && job.State.Finished() {
			return job
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("job %s: %v", id, err)
			}
			t.Fatalf("job %s still %s after %s", id, job.State, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StartWorker starts a worker over b and closes it when the test ends.
func StartWorker(t testing.TB, b *queue.Broker, proc queue.Processor, opts queue.WorkerOptions) *queue.Worker {
	t.Helper()

	w, err := queue.NewWorker(b, proc, opts)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}
