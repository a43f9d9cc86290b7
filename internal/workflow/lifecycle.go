package workflow

import (
	"context"
	"errors"
	"fmt"

	"librarian/internal/broker"
	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/queue"
)

// StartWorkers attaches a worker to every queue family and registers the
// recurring orphan sweep. A second call while running is a logged no-op.
// With the broker disabled nothing is started and nil is returned.
func (m *Manager) StartWorkers(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Info("workers already started")
		return nil
	}
	conn, err := m.connectLocked(ctx)
	if err != nil {
		m.logStartFailure(err)
		return err
	}

	pools := []struct {
		q      queue.Queue
		proc   queue.Processor
		policy config.QueuePolicy
	}{
		{conn.queues[0], conn.deletion.Process, m.cfg.Queues.Deletion},
		{conn.queues[1], conn.sweeper.Process, m.cfg.Queues.Cleanup},
		{conn.queues[2], conn.archive.Process, m.cfg.Queues.Zip},
	}
	workers := make([]*queue.Worker, 0, len(pools))
	for _, pool := range pools {
		b, ok := pool.q.(*queue.Broker)
		if !ok {
			m.logger.Info("broker unavailable, background workers not started",
				logging.String(logging.FieldQueue, pool.q.Name()),
			)
			return nil
		}
		w, err := queue.NewWorker(b, pool.proc, broker.WorkerOptions(m.cfg, pool.policy))
		if err != nil {
			m.logStartFailure(err)
			return fmt.Errorf("create %s worker: %w", pool.q.Name(), err)
		}
		m.attachHandlers(w)
		workers = append(workers, w)
	}

	for i, w := range workers {
		if err := w.Start(ctx); err != nil {
			closeWorkers(context.WithoutCancel(ctx), workers[:i])
			m.logStartFailure(err)
			return fmt.Errorf("start %s worker: %w", w.Name(), err)
		}
	}

	if m.cfg.Sweep.Enabled {
		opts := m.sweepOptions()
		if err := conn.sweeper.ScheduleOrphanedFilesCleanup(ctx, m.cfg.Paths.UploadsDir, opts); err != nil {
			closeWorkers(context.WithoutCancel(ctx), workers)
			m.logStartFailure(err)
			return fmt.Errorf("schedule orphan sweep: %w", err)
		}
	}

	m.workers = workers
	m.running = true
	m.setLastError(nil)
	attrs := []logging.Attr{logging.String("driver", m.cfg.Broker.Driver)}
	for _, w := range workers {
		attrs = append(attrs, logging.Int(w.Name(), w.Concurrency()))
	}
	m.logger.Info("background workers started", logging.Args(attrs...)...)
	return nil
}

// StopWorkers closes every worker, waiting for in-flight jobs until ctx
// ends, then closes the queues and the broker connection. It is a no-op when
// the workers were never started.
func (m *Manager) StopWorkers(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	errs := closeWorkers(ctx, m.workers)
	if conn := m.conn; conn != nil {
		for _, q := range conn.queues {
			if err := q.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s queue: %w", q.Name(), err))
			}
		}
		if conn.backend != nil {
			if err := conn.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close broker: %w", err))
			}
		}
	}
	m.conn = nil
	m.workers = nil
	m.running = false

	err := errors.Join(errs...)
	if err != nil {
		m.setLastError(err)
		logging.ErrorWithContext(m.logger, "background workers stopped with errors", "workers_stop_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "jobs still running were left to stalled recovery"),
		)
		return err
	}
	m.logger.Info("background workers stopped")
	return nil
}

// Close releases the broker connection when workers are not running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.conn == nil || m.conn.backend == nil {
		return nil
	}
	err := m.conn.backend.Close()
	m.conn = nil
	return err
}

// Running reports whether StartWorkers succeeded without a matching StopWorkers.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func closeWorkers(ctx context.Context, workers []*queue.Worker) []error {
	var errs []error
	for _, w := range workers {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s worker: %w", w.Name(), err))
		}
	}
	return errs
}

func (m *Manager) logStartFailure(err error) {
	m.setLastError(err)
	logging.ErrorWithContext(m.logger, "background workers failed to start", "workers_start_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check broker connectivity and configuration"),
	)
}
