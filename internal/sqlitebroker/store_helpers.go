package sqlitebroker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"librarian/internal/queue"
)

const jobColumns = "id, queue, name, data, opts, state, progress, attempts_made, failed_reason, return_value, token, run_at, created_at, processed_at, finished_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*queue.Job, error) {
	var (
		id           string
		queueName    string
		name         string
		data         sql.NullString
		optsRaw      string
		state        string
		progress     float64
		attemptsMade int
		failedReason sql.NullString
		returnValue  sql.NullString
		token        sql.NullString
		runAt        int64
		createdAt    int64
		processedAt  sql.NullInt64
		finishedAt   sql.NullInt64
	)
	if err := scanner.Scan(
		&id,
		&queueName,
		&name,
		&data,
		&optsRaw,
		&state,
		&progress,
		&attemptsMade,
		&failedReason,
		&returnValue,
		&token,
		&runAt,
		&createdAt,
		&processedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	job := &queue.Job{
		ID:           id,
		Queue:        queueName,
		Name:         name,
		State:        queue.State(state),
		Progress:     progress,
		AttemptsMade: attemptsMade,
		FailedReason: failedReason.String,
		Token:        token.String,
		RunAt:        fromMillis(runAt),
		CreatedAt:    fromMillis(createdAt),
		ProcessedAt:  fromNullMillis(processedAt),
		FinishedAt:   fromNullMillis(finishedAt),
	}
	if data.Valid {
		job.Data = json.RawMessage(data.String)
	}
	if returnValue.Valid && returnValue.String != "" {
		job.ReturnValue = json.RawMessage(returnValue.String)
	}
	if err := json.Unmarshal([]byte(optsRaw), &job.Opts); err != nil {
		return nil, fmt.Errorf("decode options for job %s: %w", id, err)
	}
	return job, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func nullString(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// priorityRank sorts prioritized jobs before unprioritized ones.
func priorityRank(priority int) int {
	if priority <= 0 {
		return queue.MaxPriority + 1
	}
	return priority
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
