// Package deletion queues and processes physical deletion of uploaded media
// files.
//
// A delivery removes the file through fileops, so a path that is already gone
// completes the job. Path traversal fails the job immediately. Any other
// error is retried with backoff; on the final attempt the file is renamed to a
// ".failed_<epoch-ms>" marker before the job fails, leaving it for an operator.
package deletion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"librarian/internal/fileops"
	"librarian/internal/logging"
	"librarian/internal/queue"
	"librarian/internal/services"
)

const (
	// QueueName is the queue deletion jobs are added to.
	QueueName = "file-deletion"
	// JobName names every deletion job.
	JobName = "delete-file"
)

// Payload is the job data of a deletion.
type Payload struct {
	FilePath    string    `json:"filePath"`
	MaterialID  string    `json:"materialId"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// Result is the return value of a completed deletion.
type Result struct {
	FilePath   string `json:"filePath"`
	MaterialID string `json:"materialId,omitempty"`
}

// EnqueueOptions tunes a single deletion request.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Pipeline enqueues and processes deletion jobs.
type Pipeline struct {
	queue      queue.Queue
	ops        *fileops.Ops
	uploadsDir string
	logger     *slog.Logger
}

// New returns a deletion pipeline that confines deletes to uploadsDir.
func New(q queue.Queue, ops *fileops.Ops, uploadsDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		queue:      q,
		ops:        ops,
		uploadsDir: uploadsDir,
		logger:     logging.NewComponentLogger(logger, "deletion"),
	}
}

// Queue returns the underlying queue.
func (p *Pipeline) Queue() queue.Queue { return p.queue }

// QueueFileDeletion enqueues deletion of filePath. With the broker disabled it
// returns a mock job already marked completed and nothing is deleted.
func (p *Pipeline) QueueFileDeletion(ctx context.Context, filePath, materialID string, opts EnqueueOptions) (*queue.Job, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, services.Wrap(services.ErrValidation, "deletion", "enqueue", "file path is required", nil)
	}
	payload := Payload{
		FilePath:    filePath,
		MaterialID:  materialID,
		AttemptedAt: time.Now().UTC(),
	}
	job, err := p.queue.Add(ctx, JobName, payload, queue.Options{Priority: opts.Priority, Delay: opts.Delay})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "deletion", "enqueue", filePath, err)
	}
	p.logger.Info("file deletion queued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("path", filePath),
		logging.String(logging.FieldMaterialID, materialID),
	)
	return job, nil
}

// Process is the queue.Processor for deletion jobs.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrValidation, "deletion", "decode payload", "", err))
	}
	logger := logging.WithContext(ctx, p.logger)

	err := p.ops.DeleteFile(ctx, payload.FilePath, fileops.DeleteOptions{
		AllowedBaseDir: p.uploadsDir,
		MaterialID:     payload.MaterialID,
	})
	if err == nil {
		return Result{FilePath: payload.FilePath, MaterialID: payload.MaterialID}, nil
	}

	if errors.Is(err, fileops.ErrPathTraversal) {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrValidation, "deletion", "validate path", payload.FilePath, err))
	}

	if job.FinalAttempt() {
		p.markFailed(ctx, logger, payload)
	}
	return nil, services.Wrap(services.ErrTransient, "deletion", "delete file", payload.FilePath, err)
}

// markFailed renames the file out of the way after the last attempt. Failures
// are logged and otherwise ignored; the job fails either way.
func (p *Pipeline) markFailed(ctx context.Context, logger *slog.Logger, payload Payload) {
	target, err := fileops.ValidateAndNormalizePath(payload.FilePath, p.uploadsDir)
	if err != nil {
		logging.WarnWithContext(logger, "deletion exhausted its attempts, file not marked", "deletion_mark_skipped",
			logging.String("path", payload.FilePath),
			logging.String(logging.FieldMaterialID, payload.MaterialID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "file stays under its original name"),
			logging.String(logging.FieldErrorHint, "check the path and permissions under paths.uploads_dir"),
		)
		return
	}
	marked, err := p.ops.MarkFileFailed(ctx, target, payload.MaterialID)
	if err != nil {
		logging.WarnWithContext(logger, "could not mark undeletable file", "deletion_mark_failed",
			logging.String("path", target),
			logging.Error(err),
			logging.String(logging.FieldImpact, "file stays under its original name"),
			logging.String(logging.FieldErrorHint, "remove the file manually"),
		)
		return
	}
	logging.WarnWithContext(logger, "deletion exhausted its attempts, file marked failed", "deletion_exhausted",
		logging.String("path", target),
		logging.String("marked_path", marked),
		logging.String(logging.FieldMaterialID, payload.MaterialID),
		logging.String(logging.FieldImpact, "file requires manual cleanup"),
		logging.String(logging.FieldErrorHint, "inspect permissions on the marked file and delete it"),
	)
}
