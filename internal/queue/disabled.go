package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"librarian/internal/logging"
)

// Disabled is the Queue used when no broker is configured. Adds succeed
// without doing anything and return a job already marked completed; every
// query is empty.
type Disabled struct {
	name   string
	logger *slog.Logger
}

// NewDisabled returns a Disabled queue with the given name.
func NewDisabled(name string, logger *slog.Logger) *Disabled {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Disabled{name: name, logger: logger.With(logging.String(logging.FieldQueue, name))}
}

func (d *Disabled) Name() string  { return d.name }
func (d *Disabled) Enabled() bool { return false }

// Add returns a mock completed job.
func (d *Disabled) Add(_ context.Context, name string, data any, opts Options) (*Job, error) {
	payload, err := encodePayload(data)
	if err != nil {
		payload = json.RawMessage("null")
	}
	now := time.Now().UTC()
	id := opts.JobID
	if id == "" {
		id = "mock-" + uuid.NewString()
	}
	d.logger.Info("job broker disabled, job not queued",
		logging.String(logging.FieldJobID, id),
		logging.String("name", name),
	)
	return &Job{
		ID:          id,
		Queue:       d.name,
		Name:        name,
		Data:        payload,
		Opts:        opts,
		State:       StateCompleted,
		Progress:    100,
		CreatedAt:   now,
		ProcessedAt: now,
		FinishedAt:  now,
		RunAt:       now,
	}, nil
}

func (d *Disabled) GetJob(context.Context, string) (*Job, error) { return nil, ErrJobNotFound }

func (d *Disabled) Jobs(context.Context, ...State) ([]*Job, error) { return nil, nil }

func (d *Disabled) Counts(context.Context) (Counts, error) { return Counts{}, nil }

func (d *Disabled) AddRepeatable(_ context.Context, name string, every time.Duration, _ any, _ Options) (*Repeat, error) {
	d.logger.Info("job broker disabled, repeatable job not registered",
		logging.String("name", name),
		logging.Duration("every", every),
	)
	return nil, nil
}

func (d *Disabled) RemoveRepeatable(context.Context, string) (bool, error) { return false, nil }

func (d *Disabled) Repeatables(context.Context) ([]Repeat, error) { return nil, nil }

func (d *Disabled) Close() error { return nil }
