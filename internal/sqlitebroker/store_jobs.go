package sqlitebroker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"librarian/internal/queue"
)

// Add inserts job unless a job with the same ID already exists in its queue.
func (s *Store) Add(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	ctx = ensureContext(ctx)
	if job == nil || job.ID == "" || job.Queue == "" {
		return nil, errors.New("job id and queue are required")
	}
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	state := job.State
	if state != queue.StateDelayed {
		state = queue.StateWaiting
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (queue, id, name, data, opts, state, priority_rank, max_attempts, run_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (queue, id) DO NOTHING`,
		job.Queue, job.ID, job.Name, nullString(job.Data), string(opts), string(state),
		priorityRank(job.Opts.Priority), job.Opts.Attempts,
		millis(job.RunAt), millis(job.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.Get(ctx, job.Queue, job.ID)
}

// Reserve promotes due delayed jobs and claims the next waiting one.
func (s *Store) Reserve(ctx context.Context, queueName string, lease time.Duration, now time.Time) (*queue.Job, error) {
	ctx = ensureContext(ctx)
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET state = ? WHERE queue = ? AND state = ? AND run_at <= ?`,
		string(queue.StateWaiting), queueName, string(queue.StateDelayed), millis(now),
	); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	token := uuid.NewString()
	var job *queue.Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs
             SET state = ?, attempts_made = attempts_made + 1, token = ?, lease_until = ?, processed_at = ?,
                 progress = 0
             WHERE seq = (
                 SELECT seq FROM jobs
                 WHERE queue = ? AND state = ? AND run_at <= ?
                 ORDER BY priority_rank, seq
                 LIMIT 1
             )
             RETURNING `+jobColumns,
			string(queue.StateActive), token, millis(now.Add(lease)), millis(now),
			queueName, string(queue.StateWaiting), millis(now),
		)
		scanned, scanErr := scanJob(row)
		if scanErr != nil {
			return scanErr
		}
		job = scanned
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	return job.Bind(s), nil
}

// Extend moves the lease expiry of an active job to now+lease.
func (s *Store) Extend(ctx context.Context, queueName, id, token string, lease time.Duration, now time.Time) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET lease_until = ? WHERE queue = ? AND id = ? AND state = ? AND token = ?`,
		millis(now.Add(lease)), queueName, id, string(queue.StateActive), token,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireAffected(res, id)
}

// UpdateProgress stores progress for an active job. An empty token skips the lease check.
func (s *Store) UpdateProgress(ctx context.Context, queueName, id, token string, progress float64) error {
	query := `UPDATE jobs SET progress = ? WHERE queue = ? AND id = ? AND state = ?`
	args := []any{progress, queueName, id, string(queue.StateActive)}
	if token != "" {
		query += ` AND token = ?`
		args = append(args, token)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireAffected(res, id)
}

// Complete marks an active job completed and trims older completed jobs.
func (s *Store) Complete(ctx context.Context, queueName, id string, out queue.Outcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET state = ?, progress = 100, return_value = ?, finished_at = ?, token = NULL, lease_until = NULL
             WHERE queue = ? AND id = ? AND state = ? AND token = ?`,
			string(queue.StateCompleted), nullString(out.ReturnValue), millis(out.At),
			queueName, id, string(queue.StateActive), out.Token,
		)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		return trim(ctx, tx, queueName, string(queue.StateCompleted), out.Keep, out.At)
	})
}

// Retry returns an active job to delayed, or waiting when RunAt has passed.
func (s *Store) Retry(ctx context.Context, queueName, id string, out queue.Outcome) error {
	state := string(queue.StateWaiting)
	if out.RunAt.After(out.At) {
		state = string(queue.StateDelayed)
	}
	runAt := out.RunAt
	if runAt.IsZero() {
		runAt = out.At
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET state = ?, run_at = ?, failed_reason = ?, token = NULL, lease_until = NULL
         WHERE queue = ? AND id = ? AND state = ? AND token = ?`,
		state, millis(runAt), out.Reason,
		queueName, id, string(queue.StateActive), out.Token,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return requireAffected(res, id)
}

// Fail marks an active job failed and trims older failed jobs.
func (s *Store) Fail(ctx context.Context, queueName, id string, out queue.Outcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET state = ?, failed_reason = ?, finished_at = ?, token = NULL, lease_until = NULL
             WHERE queue = ? AND id = ? AND state = ? AND token = ?`,
			string(queue.StateFailed), out.Reason, millis(out.At),
			queueName, id, string(queue.StateActive), out.Token,
		)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		return trim(ctx, tx, queueName, string(queue.StateFailed), out.Keep, out.At)
	})
}

// Get fetches one job.
func (s *Store) Get(ctx context.Context, queueName, id string) (*queue.Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND id = ?`,
		queueName, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", queue.ErrJobNotFound, queueName, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job.Bind(s), nil
}

// List returns jobs in the given states, newest first.
func (s *Store) List(ctx context.Context, queueName string, states []queue.State) ([]*queue.Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ?`
	args := []any{queueName}
	if len(states) > 0 {
		query += ` AND state IN (` + makePlaceholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job.Bind(s))
	}
	return jobs, rows.Err()
}

// Counts tallies jobs per state.
func (s *Store) Counts(ctx context.Context, queueName string) (queue.Counts, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, queueName)
	if err != nil {
		return queue.Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var counts queue.Counts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return queue.Counts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch queue.State(state) {
		case queue.StateWaiting:
			counts.Waiting = n
		case queue.StateDelayed:
			counts.Delayed = n
		case queue.StateActive:
			counts.Active = n
		case queue.StateCompleted:
			counts.Completed = n
		case queue.StateFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

const stalledReason = "job stalled and has no attempts left"

// RecoverStalled requeues or fails active jobs whose lease expired.
func (s *Store) RecoverStalled(ctx context.Context, queueName string, now time.Time) ([]string, []string, error) {
	var requeued, failed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs
             SET state = ?, failed_reason = ?, finished_at = ?, token = NULL, lease_until = NULL
             WHERE queue = ? AND state = ? AND lease_until < ? AND attempts_made >= max_attempts
             RETURNING id`,
			string(queue.StateFailed), stalledReason, millis(now),
			queueName, string(queue.StateActive), millis(now),
		)
		if err != nil {
			return fmt.Errorf("fail stalled jobs: %w", err)
		}
		if failed, err = collectIDs(rows); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx,
			`UPDATE jobs
             SET state = ?, run_at = ?, token = NULL, lease_until = NULL
             WHERE queue = ? AND state = ? AND lease_until < ?
             RETURNING id`,
			string(queue.StateWaiting), millis(now),
			queueName, string(queue.StateActive), millis(now),
		)
		if err != nil {
			return fmt.Errorf("requeue stalled jobs: %w", err)
		}
		requeued, err = collectIDs(rows)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return requeued, failed, nil
}

func trim(ctx context.Context, tx *sql.Tx, queueName, state string, keep queue.Retention, now time.Time) error {
	if keep.Age > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE queue = ? AND state = ? AND finished_at < ?`,
			queueName, state, millis(now.Add(-keep.Age)),
		); err != nil {
			return fmt.Errorf("trim %s jobs by age: %w", state, err)
		}
	}
	if keep.Count > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE queue = ? AND state = ? AND seq NOT IN (
                 SELECT seq FROM jobs WHERE queue = ? AND state = ?
                 ORDER BY finished_at DESC, seq DESC LIMIT ?
             )`,
			queueName, state, queueName, state, keep.Count,
		); err != nil {
			return fmt.Errorf("trim %s jobs by count: %w", state, err)
		}
	}
	return nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, id)
	}
	return nil
}
