package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// ParseState converts a string into a State.
func ParseState(raw string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range AllStates {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff describes the wait between a failed attempt and the next delivery.
type Backoff struct {
	Type  string        `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Next returns the wait before redelivering a job that has made attemptsMade
// deliveries. Exponential backoff doubles Delay for every attempt after the first.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	case BackoffExponential:
		if attemptsMade < 1 {
			attemptsMade = 1
		}
		shift := attemptsMade - 1
		if shift > 30 {
			shift = 30
		}
		return b.Delay * time.Duration(1<<shift)
	default:
		return 0
	}
}

// Retention bounds how many finished job records are kept. Zero fields keep everything.
type Retention struct {
	Age   time.Duration `json:"age,omitempty"`
	Count int           `json:"count,omitempty"`
}

// MaxPriority is the largest accepted Options.Priority.
const MaxPriority = 1<<21 - 1

// Options are per-job settings. Zero fields inherit the queue defaults.
type Options struct {
	Attempts int     `json:"attempts,omitempty"`
	Backoff  Backoff `json:"backoff,omitempty"`
	// Priority orders waiting jobs: 1 runs first, larger values later, and 0
	// (unprioritized) after every prioritized job. Ties are FIFO.
	Priority int           `json:"priority,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	// JobID replaces the generated identifier. Adding a job whose ID already
	// exists returns the existing job.
	JobID            string    `json:"jobId,omitempty"`
	RemoveOnComplete Retention `json:"removeOnComplete,omitempty"`
	RemoveOnFail     Retention `json:"removeOnFail,omitempty"`
}

// merge fills unset fields of o from defaults.
func (o Options) merge(defaults Options) Options {
	if o.Attempts <= 0 {
		o.Attempts = defaults.Attempts
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff = defaults.Backoff
	}
	if o.RemoveOnComplete == (Retention{}) {
		o.RemoveOnComplete = defaults.RemoveOnComplete
	}
	if o.RemoveOnFail == (Retention{}) {
		o.RemoveOnFail = defaults.RemoveOnFail
	}
	return o
}

func (o Options) validate() error {
	if o.Priority < 0 || o.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range 0..%d", o.Priority, MaxPriority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	return nil
}

// Job is one unit of work and its bookkeeping.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Opts         Options         `json:"opts"`
	State        State           `json:"state"`
	Progress     float64         `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  time.Time       `json:"processedAt,omitempty"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
	RunAt        time.Time       `json:"runAt,omitempty"`
	// Token identifies the lease held by the worker processing the job.
	Token string `json:"-"`

	backend Backend
}

// Attempt returns the 1-based delivery number of the current attempt.
func (j *Job) Attempt() int {
	return j.AttemptsMade
}

// FinalAttempt reports whether a failure of the current delivery exhausts the
// job's attempts.
func (j *Job) FinalAttempt() bool {
	return j.AttemptsMade >= j.Opts.Attempts
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("job %s: empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("job %s: decode payload: %w", j.ID, err)
	}
	return nil
}

// DecodeResult unmarshals the stored return value into v.
func (j *Job) DecodeResult(v any) error {
	if len(j.ReturnValue) == 0 {
		return fmt.Errorf("job %s: no return value", j.ID)
	}
	if err := json.Unmarshal(j.ReturnValue, v); err != nil {
		return fmt.Errorf("job %s: decode result: %w", j.ID, err)
	}
	return nil
}

// UpdateProgress records completion percentage for an active job. Values are
// clamped to 0..100.
func (j *Job) UpdateProgress(ctx context.Context, pct float64) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	if j.backend == nil {
		return nil
	}
	if err := j.backend.UpdateProgress(ctx, j.Queue, j.ID, j.Token, pct); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Bind attaches the backend a job was loaded from so UpdateProgress persists.
// Backends call it on every job they return.
func (j *Job) Bind(b Backend) *Job {
	if j != nil {
		j.backend = b
	}
	return j
}

// Counts holds the number of jobs per state in one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total sums every state.
func (c Counts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}

// Repeat is a recurring job registration. At most one registration exists per
// queue and name.
type Repeat struct {
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Every   time.Duration   `json:"every"`
	Data    json.RawMessage `json:"data,omitempty"`
	Opts    Options         `json:"opts"`
	NextRun time.Time       `json:"nextRun"`
}

// RepeatJobID is the deterministic ID given to the job a repeat spawns for a
// run slot, so concurrent promoters cannot create duplicates.
func RepeatJobID(name string, slot time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", name, slot.UnixMilli())
}

// NextSlot returns the first multiple of every after now.
func NextSlot(now time.Time, every time.Duration) time.Time {
	if every <= 0 {
		return now
	}
	ms := every.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	next := (now.UnixMilli()/ms + 1) * ms
	return time.UnixMilli(next)
}

// Outcome carries the details of a state transition out of active.
type Outcome struct {
	Token       string
	At          time.Time
	ReturnValue json.RawMessage
	Reason      string
	// RunAt is the earliest redelivery time for a retry.
	RunAt time.Time
	Keep  Retention
}
