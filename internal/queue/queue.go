package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"librarian/internal/logging"
)

// Queue is the producer and inspection surface of a named queue.
type Queue interface {
	Name() string
	// Enabled is false for Disabled.
	Enabled() bool
	Add(ctx context.Context, name string, data any, opts Options) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	Jobs(ctx context.Context, states ...State) ([]*Job, error)
	Counts(ctx context.Context) (Counts, error)
	AddRepeatable(ctx context.Context, name string, every time.Duration, data any, opts Options) (*Repeat, error)
	RemoveRepeatable(ctx context.Context, name string) (bool, error)
	Repeatables(ctx context.Context) ([]Repeat, error)
	Close() error
}

// Broker is a Queue backed by a Backend.
type Broker struct {
	name     string
	backend  Backend
	defaults Options
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Broker for the named queue. defaults apply to every job whose
// Options leave a field unset.
func New(name string, backend Backend, defaults Options, logger *slog.Logger) (*Broker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if backend == nil {
		return nil, errors.New("queue backend is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broker{
		name:     name,
		backend:  backend,
		defaults: defaults,
		logger:   logger.With(logging.String(logging.FieldQueue, name)),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Tests only.
func (b *Broker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Broker) Name() string     { return b.name }
func (b *Broker) Enabled() bool    { return true }
func (b *Broker) Backend() Backend { return b.backend }

// Defaults returns the queue-wide job options.
func (b *Broker) Defaults() Options { return b.defaults }

// Add enqueues a job. data is marshalled to JSON unless it already is a
// json.RawMessage.
func (b *Broker) Add(ctx context.Context, name string, data any, opts Options) (*Job, error) {
	opts = opts.merge(b.defaults)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("add %s job: %w", b.name, err)
	}
	payload, err := encodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("add %s job: %w", b.name, err)
	}

	now := b.now().UTC()
	job := &Job{
		ID:        opts.JobID,
		Queue:     b.name,
		Name:      name,
		Data:      payload,
		Opts:      opts,
		State:     StateWaiting,
		CreatedAt: now,
		RunAt:     now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	stored, err := b.backend.Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("add %s job: %w", b.name, err)
	}
	b.logger.Debug("job added",
		logging.String(logging.FieldJobID, stored.ID),
		logging.String("name", name),
		logging.String("state", string(stored.State)),
	)
	return stored, nil
}

func (b *Broker) GetJob(ctx context.Context, id string) (*Job, error) {
	return b.backend.Get(ctx, b.name, id)
}

func (b *Broker) Jobs(ctx context.Context, states ...State) ([]*Job, error) {
	return b.backend.List(ctx, b.name, states)
}

func (b *Broker) Counts(ctx context.Context) (Counts, error) {
	return b.backend.Counts(ctx, b.name)
}

// AddRepeatable registers name to run every interval, replacing any existing
// registration with the same name. The first run is the next multiple of every.
func (b *Broker) AddRepeatable(ctx context.Context, name string, every time.Duration, data any, opts Options) (*Repeat, error) {
	if every <= 0 {
		return nil, fmt.Errorf("add repeatable %s: interval must be positive", name)
	}
	opts = opts.merge(b.defaults)
	opts.JobID = ""
	opts.Delay = 0
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("add repeatable %s: %w", name, err)
	}
	payload, err := encodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("add repeatable %s: %w", name, err)
	}
	r := Repeat{
		Queue:   b.name,
		Name:    name,
		Every:   every,
		Data:    payload,
		Opts:    opts,
		NextRun: NextSlot(b.now().UTC(), every),
	}
	if err := b.backend.UpsertRepeat(ctx, r); err != nil {
		return nil, fmt.Errorf("add repeatable %s: %w", name, err)
	}
	b.logger.Info("repeatable job registered",
		logging.String("name", name),
		logging.Duration("every", every),
		logging.Time("next_run", r.NextRun),
	)
	return &r, nil
}

func (b *Broker) RemoveRepeatable(ctx context.Context, name string) (bool, error) {
	removed, err := b.backend.RemoveRepeat(ctx, b.name, name)
	if err != nil {
		return false, fmt.Errorf("remove repeatable %s: %w", name, err)
	}
	return removed, nil
}

func (b *Broker) Repeatables(ctx context.Context) ([]Repeat, error) {
	return b.backend.Repeats(ctx, b.name)
}

// Close is a no-op; the backend is shared between queues and closed by its owner.
func (b *Broker) Close() error { return nil }

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}
