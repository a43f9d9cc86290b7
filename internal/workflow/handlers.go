package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"librarian/internal/logging"
	"librarian/internal/queue"
)

// JobSummary is the most recent job outcome seen by any worker.
type JobSummary struct {
	Queue        string      `json:"queue"`
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	State        queue.State `json:"state"`
	Attempt      int         `json:"attempt"`
	FailedReason string      `json:"failedReason,omitempty"`
	At           time.Time   `json:"at"`
}

type errorKinder interface {
	ErrorKind() string
}

func (m *Manager) attachHandlers(w *queue.Worker) {
	w.OnCompleted(func(job *queue.Job, _ json.RawMessage) {
		m.setLastJob(job)
		m.logger.Info("job completed",
			logging.String(logging.FieldQueue, job.Queue),
			logging.String(logging.FieldJobID, job.ID),
			logging.String("name", job.Name),
			logging.Int(logging.FieldAttempt, job.Attempt()),
		)
	})
	w.OnFailed(func(job *queue.Job, err error) {
		m.setLastJob(job)
		kind := "transient"
		var kinder errorKinder
		if errors.As(err, &kinder) {
			kind = kinder.ErrorKind()
		}
		attrs := []logging.Attr{
			logging.String(logging.FieldQueue, job.Queue),
			logging.String(logging.FieldJobID, job.ID),
			logging.String("name", job.Name),
			logging.Int(logging.FieldAttempt, job.Attempt()),
			logging.Int("max_attempts", job.Opts.Attempts),
			logging.String("error_kind", kind),
			logging.Error(err),
		}
		if job.State == queue.StateFailed {
			m.setLastError(err)
			logging.ErrorWithContext(m.logger, "job failed", "job_failed",
				append(attrs,
					logging.String(logging.FieldImpact, "job will not be retried"),
					logging.String(logging.FieldErrorHint, "inspect the failure reason and re-enqueue if appropriate"),
				)...,
			)
			return
		}
		logging.WarnWithContext(m.logger, "job attempt failed, retry scheduled", "job_retry_scheduled",
			append(attrs,
				logging.Time("run_at", job.RunAt),
				logging.String(logging.FieldImpact, "job delayed until its next attempt"),
				logging.String(logging.FieldErrorHint, "transient failures clear on retry"),
			)...,
		)
	})
	if m.metrics != nil {
		m.metrics.Attach(w)
	}
}

func (m *Manager) setLastJob(job *queue.Job) {
	at := job.FinishedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	summary := &JobSummary{
		Queue:        job.Queue,
		ID:           job.ID,
		Name:         job.Name,
		State:        job.State,
		Attempt:      job.Attempt(),
		FailedReason: job.FailedReason,
		At:           at,
	}
	m.statusMu.Lock()
	m.lastJob = summary
	m.statusMu.Unlock()
}

func (m *Manager) setLastError(err error) {
	m.statusMu.Lock()
	m.lastErr = err
	m.statusMu.Unlock()
}
