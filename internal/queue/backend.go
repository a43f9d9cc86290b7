package queue

import (
	"context"
	"time"
)

// Backend persists jobs and performs atomic state transitions. All methods
// must be safe for concurrent use across goroutines and processes.
type Backend interface {
	// Add stores job in waiting, or delayed when RunAt is in the future. When
	// a job with the same ID exists the stored job is returned unchanged.
	Add(ctx context.Context, job *Job) (*Job, error)
	// Reserve moves the next due job to active, increments AttemptsMade and
	// assigns a fresh lease token. It returns nil, nil when nothing is due.
	Reserve(ctx context.Context, queue string, lease time.Duration, now time.Time) (*Job, error)
	// Extend pushes the lease expiry of an active job forward.
	Extend(ctx context.Context, queue, id, token string, lease time.Duration, now time.Time) error
	UpdateProgress(ctx context.Context, queue, id, token string, progress float64) error
	Complete(ctx context.Context, queue, id string, out Outcome) error
	// Retry returns an active job to delayed (or waiting when RunAt has passed).
	Retry(ctx context.Context, queue, id string, out Outcome) error
	Fail(ctx context.Context, queue, id string, out Outcome) error
	// Get returns ErrJobNotFound when the job does not exist.
	Get(ctx context.Context, queue, id string) (*Job, error)
	// List returns jobs in the given states, newest first. No states means all.
	List(ctx context.Context, queue string, states []State) ([]*Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	// RecoverStalled requeues active jobs whose lease expired before now, or
	// fails them when they have no attempts left. It returns the affected IDs.
	RecoverStalled(ctx context.Context, queue string, now time.Time) (requeued, failed []string, err error)
	// UpsertRepeat replaces any registration with the same queue and name.
	UpsertRepeat(ctx context.Context, r Repeat) error
	RemoveRepeat(ctx context.Context, queue, name string) (bool, error)
	Repeats(ctx context.Context, queue string) ([]Repeat, error)
	// PromoteRepeats adds one job for every registration due at now and
	// advances its next run. It returns how many jobs were added.
	PromoteRepeats(ctx context.Context, queue string, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
