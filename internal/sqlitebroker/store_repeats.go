package sqlitebroker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"librarian/internal/queue"
)

// UpsertRepeat stores r, replacing an existing registration with the same name.
func (s *Store) UpsertRepeat(ctx context.Context, r queue.Repeat) error {
	opts, err := json.Marshal(r.Opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO repeats (queue, name, every_ms, data, opts, next_run)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (queue, name) DO UPDATE SET
             every_ms = excluded.every_ms, data = excluded.data,
             opts = excluded.opts, next_run = excluded.next_run`,
		r.Queue, r.Name, r.Every.Milliseconds(), nullString(r.Data), string(opts), millis(r.NextRun),
	); err != nil {
		return fmt.Errorf("upsert repeat: %w", err)
	}
	return nil
}

// RemoveRepeat deletes a registration and reports whether one existed.
func (s *Store) RemoveRepeat(ctx context.Context, queueName, name string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM repeats WHERE queue = ? AND name = ?`, queueName, name)
	if err != nil {
		return false, fmt.Errorf("remove repeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Repeats lists registrations for a queue ordered by name.
func (s *Store) Repeats(ctx context.Context, queueName string) ([]queue.Repeat, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, name, every_ms, data, opts, next_run FROM repeats WHERE queue = ? ORDER BY name`,
		queueName,
	)
	if err != nil {
		return nil, fmt.Errorf("list repeats: %w", err)
	}
	return scanRepeats(rows)
}

// PromoteRepeats spawns one job per due registration and advances next_run
// past now. Missed slots are skipped, not replayed.
func (s *Store) PromoteRepeats(ctx context.Context, queueName string, now time.Time) (int, error) {
	ctx = ensureContext(ctx)
	added := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		added = 0
		rows, err := tx.QueryContext(ctx,
			`SELECT queue, name, every_ms, data, opts, next_run FROM repeats WHERE queue = ? AND next_run <= ?`,
			queueName, millis(now),
		)
		if err != nil {
			return fmt.Errorf("select due repeats: %w", err)
		}
		due, err := scanRepeats(rows)
		if err != nil {
			return err
		}
		for _, r := range due {
			opts, err := json.Marshal(r.Opts)
			if err != nil {
				return fmt.Errorf("encode options: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO jobs (queue, id, name, data, opts, state, priority_rank, max_attempts, run_at, created_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT (queue, id) DO NOTHING`,
				r.Queue, queue.RepeatJobID(r.Name, r.NextRun), r.Name, nullString(r.Data), string(opts),
				string(queue.StateWaiting), priorityRank(r.Opts.Priority), r.Opts.Attempts,
				millis(now), millis(now),
			)
			if err != nil {
				return fmt.Errorf("spawn repeat job: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE repeats SET next_run = ? WHERE queue = ? AND name = ?`,
				millis(queue.NextSlot(now, r.Every)), r.Queue, r.Name,
			); err != nil {
				return fmt.Errorf("advance repeat: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func scanRepeats(rows *sql.Rows) ([]queue.Repeat, error) {
	defer rows.Close()
	var out []queue.Repeat
	for rows.Next() {
		var (
			r       queue.Repeat
			everyMS int64
			data    sql.NullString
			opts    string
			nextRun int64
		)
		if err := rows.Scan(&r.Queue, &r.Name, &everyMS, &data, &opts, &nextRun); err != nil {
			return nil, fmt.Errorf("scan repeat: %w", err)
		}
		r.Every = time.Duration(everyMS) * time.Millisecond
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		if err := json.Unmarshal([]byte(opts), &r.Opts); err != nil {
			return nil, fmt.Errorf("decode repeat options: %w", err)
		}
		r.NextRun = fromMillis(nextRun)
		out = append(out, r)
	}
	return out, rows.Err()
}
