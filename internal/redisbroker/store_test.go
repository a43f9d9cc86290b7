package redisbroker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"librarian/internal/queue"
	"librarian/internal/redisbroker"
)

// newStore connects to LIBRARIAN_TEST_REDIS (host:port) or skips.
func newStore(t *testing.T) (*redisbroker.Store, string) {
	t.Helper()
	addr := os.Getenv("LIBRARIAN_TEST_REDIS")
	if addr == "" {
		t.Skip("LIBRARIAN_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	store := redisbroker.New(client, "librarian-test")
	queueName := "q-" + uuid.NewString()
	t.Cleanup(func() {
		_ = store.Flush(context.Background(), queueName)
		_ = store.Close()
	})
	return store, queueName
}

func job(queueName, id string, at time.Time, opts queue.Options) *queue.Job {
	if opts.Attempts == 0 {
		opts.Attempts = 2
	}
	return &queue.Job{
		ID:        id,
		Queue:     queueName,
		Name:      "work",
		Data:      json.RawMessage(`{"n":1}`),
		Opts:      opts,
		State:     queue.StateWaiting,
		CreatedAt: at,
		RunAt:     at,
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	store, q := newStore(t)
	now := time.Now().UTC()

	if _, err := store.Add(ctx, job(q, "plain", now, queue.Options{})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, job(q, "urgent", now, queue.Options{Priority: 1})); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := store.Reserve(ctx, q, time.Minute, now)
	if err != nil || first == nil || first.ID != "urgent" {
		t.Fatalf("expected prioritized job first, got %+v %v", first, err)
	}
	if err := first.UpdateProgress(ctx, 50); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.Complete(ctx, q, first.ID, queue.Outcome{Token: "stale", At: now}); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := store.Complete(ctx, q, first.ID, queue.Outcome{Token: first.Token, At: now, ReturnValue: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	second, _ := store.Reserve(ctx, q, time.Minute, now)
	if second == nil || second.ID != "plain" {
		t.Fatalf("expected plain job, got %+v", second)
	}
	if err := store.Retry(ctx, q, second.ID, queue.Outcome{Token: second.Token, At: now, Reason: "x", RunAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	counts, err := store.Counts(ctx, q)
	if err != nil || counts.Delayed != 1 || counts.Completed != 1 {
		t.Fatalf("Counts: %+v %v", counts, err)
	}

	again, _ := store.Reserve(ctx, q, time.Minute, now.Add(time.Second))
	if again == nil || again.AttemptsMade != 2 {
		t.Fatalf("expected redelivery with attempt 2, got %+v", again)
	}
	if err := store.Fail(ctx, q, again.ID, queue.Outcome{Token: again.Token, At: now, Reason: "done"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	failed, err := store.List(ctx, q, []queue.State{queue.StateFailed})
	if err != nil || len(failed) != 1 || failed[0].FailedReason != "done" {
		t.Fatalf("List failed: %+v %v", failed, err)
	}
}

func TestStalledAndRepeats(t *testing.T) {
	ctx := context.Background()
	store, q := newStore(t)
	now := time.Now().UTC()

	if _, err := store.Add(ctx, job(q, "s", now, queue.Options{Attempts: 3})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Reserve(ctx, q, time.Second, now); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	requeued, failed, err := store.RecoverStalled(ctx, q, now.Add(2*time.Second))
	if err != nil || len(requeued) != 1 || len(failed) != 0 {
		t.Fatalf("RecoverStalled: %v %v %v", requeued, failed, err)
	}

	slot := now.Truncate(time.Second)
	r := queue.Repeat{Queue: q, Name: "tick", Every: time.Hour, Data: json.RawMessage(`{}`), Opts: queue.Options{Attempts: 1}, NextRun: slot}
	if err := store.UpsertRepeat(ctx, r); err != nil {
		t.Fatalf("UpsertRepeat: %v", err)
	}
	added, err := store.PromoteRepeats(ctx, q, now)
	if err != nil || added != 1 {
		t.Fatalf("PromoteRepeats: %d %v", added, err)
	}
	if _, err := store.Get(ctx, q, queue.RepeatJobID("tick", slot)); err != nil {
		t.Fatalf("spawned job missing: %v", err)
	}
	repeats, err := store.Repeats(ctx, q)
	if err != nil || len(repeats) != 1 || !repeats[0].NextRun.After(now) {
		t.Fatalf("Repeats: %+v %v", repeats, err)
	}
	if removed, err := store.RemoveRepeat(ctx, q, "tick"); err != nil || !removed {
		t.Fatalf("RemoveRepeat: %v %v", removed, err)
	}
}
