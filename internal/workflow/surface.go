package workflow

import (
	"context"

	"librarian/internal/archive"
	"librarian/internal/deletion"
	"librarian/internal/queue"
	"librarian/internal/sweep"
)

// QueueFileDeletion enqueues deletion of filePath.
func (m *Manager) QueueFileDeletion(ctx context.Context, filePath, materialID string, opts deletion.EnqueueOptions) (*queue.Job, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.deletion.QueueFileDeletion(ctx, filePath, materialID, opts)
}

// ScheduleZipGeneration enqueues a ZIP of materialIDs. The request ID is ""
// when the broker is disabled.
func (m *Manager) ScheduleZipGeneration(ctx context.Context, materialIDs []string) (string, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return "", err
	}
	return conn.archive.ScheduleZipGeneration(ctx, materialIDs)
}

// GetZipGenerationStatus polls a ZIP request. It returns nil for unknown
// requests and when the broker is disabled.
func (m *Manager) GetZipGenerationStatus(ctx context.Context, requestID string) (*archive.Status, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.archive.GetZipGenerationStatus(ctx, requestID)
}

// RunSweep enqueues a one-time orphaned files cleanup of the uploads
// directory using the configured retention. dryRun overrides the config.
func (m *Manager) RunSweep(ctx context.Context, dryRun bool) (*queue.Job, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	opts := m.sweepOptions()
	opts.RepeatInterval = 0
	opts.DryRun = dryRun
	return conn.sweeper.RunOnce(ctx, m.cfg.Paths.UploadsDir, opts)
}

// Job loads a job from the named queue.
func (m *Manager) Job(ctx context.Context, queueName, id string) (*queue.Job, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

func (m *Manager) sweepOptions() sweep.ScheduleOptions {
	s := m.cfg.Sweep
	return sweep.ScheduleOptions{
		MaxAge:         s.MaxAge.Std(),
		DryRun:         s.DryRun,
		RepeatInterval: s.Interval.Std(),
		ArchiveDir:     m.cfg.Paths.ZipDir,
		ArchiveMaxAge:  s.ArchiveMaxAge.Std(),
	}
}
