package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"librarian/internal/logging"
	"librarian/internal/services"
)

// Processor handles one delivery of a job. A non-nil result is stored as the
// job's return value.
type Processor func(ctx context.Context, job *Job) (any, error)

// CompletedHandler observes a job that finished successfully.
type CompletedHandler func(job *Job, result json.RawMessage)

// FailedHandler observes a failed delivery. job.State is StateFailed when the
// failure is terminal and StateDelayed or StateWaiting when a retry is scheduled.
type FailedHandler func(job *Job, err error)

// WorkerOptions controls worker sizing and timing. Zero values fall back to
// the defaults below.
type WorkerOptions struct {
	Concurrency     int
	Lease           time.Duration
	PollInterval    time.Duration
	StalledInterval time.Duration
}

const (
	defaultWorkerLease   = 30 * time.Second
	defaultPollInterval  = time.Second
	defaultStalledTicker = 30 * time.Second
)

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Lease <= 0 {
		o.Lease = defaultWorkerLease
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = defaultStalledTicker
	}
	return o
}

// Worker pulls jobs from a Broker and runs them with bounded concurrency.
type Worker struct {
	broker *Broker
	proc   Processor
	opts   WorkerOptions
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	jobCancel   context.CancelFunc
	loops       sync.WaitGroup
	inflight    sync.WaitGroup
	onCompleted []CompletedHandler
	onFailed    []FailedHandler
}

// NewWorker returns a worker for b. Call Start to begin processing.
func NewWorker(b *Broker, proc Processor, opts WorkerOptions) (*Worker, error) {
	if b == nil {
		return nil, ErrDisabled
	}
	if proc == nil {
		return nil, errors.New("worker processor is required")
	}
	return &Worker{
		broker: b,
		proc:   proc,
		opts:   opts.withDefaults(),
		logger: logging.NewComponentLogger(b.logger, "worker"),
	}, nil
}

// Name returns the queue the worker consumes.
func (w *Worker) Name() string { return w.broker.name }

// Concurrency returns the maximum number of jobs run at once.
func (w *Worker) Concurrency() int { return w.opts.Concurrency }

// OnCompleted registers fn for successful jobs.
func (w *Worker) OnCompleted(fn CompletedHandler) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.onCompleted = append(w.onCompleted, fn)
	w.mu.Unlock()
}

// OnFailed registers fn for failed deliveries.
func (w *Worker) OnFailed(fn FailedHandler) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.onFailed = append(w.onFailed, fn)
	w.mu.Unlock()
}

// Running reports whether Start has been called without a matching Close.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the fetch loop and the stalled-job and repeat schedulers.
// In-flight jobs outlive ctx cancellation; Close waits for them.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s already running", w.broker.name)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.jobCancel = jobCancel
	w.running = true

	w.loops.Add(2)
	go w.fetchLoop(loopCtx, jobCtx)
	go w.maintenanceLoop(loopCtx)

	w.logger.Info("worker started",
		logging.Int("concurrency", w.opts.Concurrency),
		logging.Duration("lease", w.opts.Lease),
	)
	return nil
}

// Close stops fetching and waits for in-flight jobs. If ctx ends first the
// running jobs are cancelled and their leases left to lapse.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel, jobCancel := w.cancel, w.jobCancel
	w.running = false
	w.cancel, w.jobCancel = nil, nil
	w.mu.Unlock()

	cancel()
	w.loops.Wait()

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	defer jobCancel()
	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		jobCancel()
		<-done
		return fmt.Errorf("close worker %s: %w", w.broker.name, ctx.Err())
	}
}

func (w *Worker) fetchLoop(ctx, jobCtx context.Context) {
	defer w.loops.Done()
	slots := make(chan struct{}, w.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		job, err := w.broker.backend.Reserve(ctx, w.broker.name, w.opts.Lease, w.broker.now().UTC())
		if err != nil || job == nil {
			<-slots
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.WarnWithContext(w.logger, "reserve job failed", "queue_reserve_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "jobs are not picked up until the broker recovers"),
					logging.String(logging.FieldErrorHint, "check broker connectivity"),
				)
			}
			if !sleepCtx(ctx, w.opts.PollInterval) {
				return
			}
			continue
		}

		w.inflight.Add(1)
		go func(job *Job) {
			defer func() {
				<-slots
				w.inflight.Done()
			}()
			w.run(jobCtx, job)
		}(job.Bind(w.broker.backend))
	}
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	defer w.loops.Done()
	w.recoverStalled(ctx)
	w.promoteRepeats(ctx)

	stalled := time.NewTicker(w.opts.StalledInterval)
	defer stalled.Stop()
	promote := time.NewTicker(w.opts.PollInterval)
	defer promote.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stalled.C:
			w.recoverStalled(ctx)
		case <-promote.C:
			w.promoteRepeats(ctx)
		}
	}
}

func (w *Worker) recoverStalled(ctx context.Context) {
	requeued, failed, err := w.broker.backend.RecoverStalled(ctx, w.broker.name, w.broker.now().UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("stalled job check failed", logging.Error(err))
		}
		return
	}
	for _, id := range requeued {
		w.logger.Warn("stalled job returned to waiting", logging.String(logging.FieldJobID, id))
	}
	for _, id := range failed {
		logging.WarnWithContext(w.logger, "stalled job failed with no attempts left", "queue_job_stalled",
			logging.String(logging.FieldJobID, id),
			logging.String(logging.FieldImpact, "job will not be retried"),
			logging.String(logging.FieldErrorHint, "check for crashed workers"),
		)
	}
}

func (w *Worker) promoteRepeats(ctx context.Context) {
	added, err := w.broker.backend.PromoteRepeats(ctx, w.broker.name, w.broker.now().UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("repeatable job promotion failed", logging.Error(err))
		}
		return
	}
	if added > 0 {
		w.logger.Debug("repeatable jobs promoted", logging.Int("count", added))
	}
}

func (w *Worker) run(ctx context.Context, job *Job) {
	ctx = services.WithQueue(ctx, job.Queue)
	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithAttempt(ctx, job.Attempt())
	logger := logging.WithContext(ctx, w.logger)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go w.heartbeat(hbCtx, &hb, job, logger)

	logger.Debug("job started", logging.String("name", job.Name))
	result, procErr := w.invoke(ctx, job)
	stopHeartbeat()
	hb.Wait()

	// Transitions use a fresh context so a cancelled job still records its outcome.
	stateCtx := context.WithoutCancel(ctx)
	if procErr == nil {
		w.complete(stateCtx, job, result, logger)
		return
	}
	w.fail(stateCtx, job, procErr, logger)
}

func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.proc(ctx, job)
}

func (w *Worker) heartbeat(ctx context.Context, wg *sync.WaitGroup, job *Job, logger *slog.Logger) {
	defer wg.Done()
	interval := w.opts.Lease / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.broker.backend.Extend(ctx, job.Queue, job.ID, job.Token, w.opts.Lease, w.broker.now().UTC())
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, ErrLeaseLost):
				logger.Warn("job lease lost while running", logging.Error(err))
				return
			default:
				logger.Warn("lease extension failed", logging.Error(err))
			}
		}
	}
}

func (w *Worker) complete(ctx context.Context, job *Job, result any, logger *slog.Logger) {
	var raw json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			w.fail(ctx, job, Unrecoverable(fmt.Errorf("encode result: %w", err)), logger)
			return
		}
		raw = encoded
	}
	now := w.broker.now().UTC()
	err := w.broker.backend.Complete(ctx, job.Queue, job.ID, Outcome{
		Token:       job.Token,
		At:          now,
		ReturnValue: raw,
		Keep:        job.Opts.RemoveOnComplete,
	})
	if err != nil {
		logging.ErrorWithContext(logger, "record job completion failed", "queue_complete_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the job may be delivered again after its lease expires"),
		)
		return
	}
	job.State = StateCompleted
	job.Progress = 100
	job.ReturnValue = raw
	job.FinishedAt = now

	w.mu.Lock()
	handlers := append([]CompletedHandler(nil), w.onCompleted...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(job, raw)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, procErr error, logger *slog.Logger) {
	now := w.broker.now().UTC()
	reason := procErr.Error()
	terminal := job.FinalAttempt() || IsUnrecoverable(procErr)

	var err error
	if terminal {
		err = w.broker.backend.Fail(ctx, job.Queue, job.ID, Outcome{
			Token:  job.Token,
			At:     now,
			Reason: reason,
			Keep:   job.Opts.RemoveOnFail,
		})
		job.State = StateFailed
		job.FinishedAt = now
	} else {
		runAt := now.Add(job.Opts.Backoff.Next(job.AttemptsMade))
		err = w.broker.backend.Retry(ctx, job.Queue, job.ID, Outcome{
			Token:  job.Token,
			At:     now,
			Reason: reason,
			RunAt:  runAt,
		})
		job.State = StateWaiting
		if runAt.After(now) {
			job.State = StateDelayed
		}
		job.RunAt = runAt
	}
	job.FailedReason = reason
	if err != nil {
		logging.ErrorWithContext(logger, "record job failure failed", "queue_fail_failed",
			logging.Error(err),
			logging.String("job_error", reason),
			logging.String(logging.FieldErrorHint, "the job may be delivered again after its lease expires"),
		)
		return
	}

	w.mu.Lock()
	handlers := append([]FailedHandler(nil), w.onFailed...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(job, procErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
