// Package sweep schedules and runs the orphaned files cleanup: permanent
// removal of tombstoned uploads older than a retention window, and optionally
// of expired generated archives.
package sweep

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"librarian/internal/archive"
	"librarian/internal/fileops"
	"librarian/internal/logging"
	"librarian/internal/queue"
	"librarian/internal/services"
)

const (
	// QueueName is the queue cleanup jobs are added to.
	QueueName = "orphaned-files-cleanup"
	// JobName is both the job name and the repeatable registration name.
	JobName = "cleanup-orphaned-files"
)

// Payload is the job data of a sweep. Durations are milliseconds.
type Payload struct {
	UploadsDir    string `json:"uploadsDir"`
	MaxAge        int64  `json:"maxAge"`
	DryRun        bool   `json:"dryRun"`
	ArchiveDir    string `json:"archiveDir,omitempty"`
	ArchiveMaxAge int64  `json:"archiveMaxAge,omitempty"`
}

// Summary is the return value of a sweep job.
type Summary struct {
	Success        bool     `json:"success"`
	DeletedCount   int      `json:"deletedCount"`
	DeletedFiles   []string `json:"deletedFiles"`
	DryRun         bool     `json:"dryRun"`
	PrunedArchives []string `json:"prunedArchives,omitempty"`
}

// ScheduleOptions tunes a sweep request. A zero MaxAge means 24h.
type ScheduleOptions struct {
	MaxAge         time.Duration
	DryRun         bool
	RepeatInterval time.Duration
	ArchiveDir     string
	ArchiveMaxAge  time.Duration
}

// Sweeper enqueues and processes cleanup jobs.
type Sweeper struct {
	queue  queue.Queue
	ops    *fileops.Ops
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Sweeper.
func New(q queue.Queue, ops *fileops.Ops, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		queue:  q,
		ops:    ops,
		logger: logging.NewComponentLogger(logger, "sweep"),
		now:    time.Now,
	}
}

// Queue returns the underlying queue.
func (s *Sweeper) Queue() queue.Queue { return s.queue }

// ScheduleOrphanedFilesCleanup registers the recurring sweep when
// RepeatInterval is positive, replacing any previous registration, and
// otherwise enqueues a single run.
func (s *Sweeper) ScheduleOrphanedFilesCleanup(ctx context.Context, uploadsDir string, opts ScheduleOptions) error {
	if opts.RepeatInterval <= 0 {
		_, err := s.RunOnce(ctx, uploadsDir, opts)
		return err
	}
	payload, err := buildPayload(uploadsDir, opts)
	if err != nil {
		return err
	}
	if _, err := s.queue.RemoveRepeatable(ctx, JobName); err != nil {
		return services.Wrap(services.ErrTransient, "sweep", "remove repeatable", JobName, err)
	}
	if _, err := s.queue.AddRepeatable(ctx, JobName, opts.RepeatInterval, payload, queue.Options{}); err != nil {
		return services.Wrap(services.ErrTransient, "sweep", "add repeatable", JobName, err)
	}
	s.logger.Info("orphaned files cleanup scheduled",
		logging.String("uploads_dir", payload.UploadsDir),
		logging.Duration("every", opts.RepeatInterval),
		logging.Duration("max_age", time.Duration(payload.MaxAge)*time.Millisecond),
		logging.Bool("dry_run", payload.DryRun),
	)
	return nil
}

// RunOnce enqueues a single sweep and returns its job.
func (s *Sweeper) RunOnce(ctx context.Context, uploadsDir string, opts ScheduleOptions) (*queue.Job, error) {
	payload, err := buildPayload(uploadsDir, opts)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.Add(ctx, JobName, payload, queue.Options{})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "sweep", "enqueue", uploadsDir, err)
	}
	s.logger.Info("orphaned files cleanup queued",
		logging.String(logging.FieldJobID, job.ID),
		logging.Bool("dry_run", payload.DryRun),
	)
	return job, nil
}

func buildPayload(uploadsDir string, opts ScheduleOptions) (Payload, error) {
	if strings.TrimSpace(uploadsDir) == "" {
		return Payload{}, services.Wrap(services.ErrValidation, "sweep", "schedule", "uploads directory is required", nil)
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = fileops.DefaultOrphanMaxAge
	}
	p := Payload{
		UploadsDir: uploadsDir,
		MaxAge:     maxAge.Milliseconds(),
		DryRun:     opts.DryRun,
	}
	if opts.ArchiveDir != "" && opts.ArchiveMaxAge > 0 {
		p.ArchiveDir = opts.ArchiveDir
		p.ArchiveMaxAge = opts.ArchiveMaxAge.Milliseconds()
	}
	return p, nil
}

// Process is the queue.Processor for cleanup jobs. Sweep problems are logged
// and reflected in the summary; only a malformed payload fails the job.
func (s *Sweeper) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrValidation, "sweep", "decode payload", "", err))
	}
	if strings.TrimSpace(payload.UploadsDir) == "" {
		return nil, queue.Unrecoverable(services.Wrap(services.ErrValidation, "sweep", "process", "uploads directory is required", nil))
	}
	logger := logging.WithContext(ctx, s.logger)

	deleted := s.ops.CleanupOrphanedFiles(ctx, payload.UploadsDir, fileops.CleanupOptions{
		DryRun: payload.DryRun,
		MaxAge: time.Duration(payload.MaxAge) * time.Millisecond,
	})
	summary := Summary{
		Success:      true,
		DeletedCount: len(deleted),
		DeletedFiles: deleted,
		DryRun:       payload.DryRun,
	}

	if payload.ArchiveDir != "" && payload.ArchiveMaxAge > 0 {
		pruned, err := archive.PruneArchives(ctx, payload.ArchiveDir, archive.PruneOptions{
			MaxAge: time.Duration(payload.ArchiveMaxAge) * time.Millisecond,
			DryRun: payload.DryRun,
			Now:    s.now(),
		})
		if err != nil {
			logging.WarnWithContext(logger, "archive pruning incomplete", "archive_prune_failed",
				logging.String("dir", payload.ArchiveDir),
				logging.Error(err),
				logging.String(logging.FieldImpact, "some expired archives remain on disk"),
				logging.String(logging.FieldErrorHint, "check permissions on paths.zip_dir"),
			)
		}
		summary.PrunedArchives = pruned
	}

	logger.Info("orphaned files cleanup finished",
		logging.Int("deleted", summary.DeletedCount),
		logging.Int("archives_pruned", len(summary.PrunedArchives)),
		logging.Bool("dry_run", summary.DryRun),
	)
	return summary, nil
}
