package queueaccess

import (
	"context"
	"time"

	"librarian/internal/archive"
	"librarian/internal/deletion"
	"librarian/internal/ipc"
	"librarian/internal/queue"
	"librarian/internal/workflow"
)

// Access provides job operations regardless of IPC or direct broker backing.
type Access interface {
	Stats(ctx context.Context) ([]workflow.QueueStats, error)
	EnqueueDeletion(ctx context.Context, req ipc.EnqueueDeletionRequest) (*queue.Job, error)
	ScheduleZip(ctx context.Context, materialIDs []string) (string, error)
	ZipStatus(ctx context.Context, requestID string) (*archive.Status, error)
	Sweep(ctx context.Context, dryRun bool) (*queue.Job, error)
	Job(ctx context.Context, queueName, id string) (*queue.Job, error)
}

// NewIPCAccess returns an Access backed by daemon IPC.
func NewIPCAccess(client *ipc.Client) Access {
	return &ipcAccess{client: client}
}

// NewManagerAccess returns an Access that talks to the broker directly. Jobs
// added this way are processed whenever a daemon's workers next run.
func NewManagerAccess(mgr *workflow.Manager) Access {
	return &managerAccess{mgr: mgr}
}

type ipcAccess struct {
	client *ipc.Client
}

func (a *ipcAccess) Stats(context.Context) ([]workflow.QueueStats, error) {
	resp, err := a.client.Stats()
	if err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

func (a *ipcAccess) EnqueueDeletion(_ context.Context, req ipc.EnqueueDeletionRequest) (*queue.Job, error) {
	resp, err := a.client.EnqueueDeletion(req)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (a *ipcAccess) ScheduleZip(_ context.Context, materialIDs []string) (string, error) {
	resp, err := a.client.ScheduleZip(materialIDs)
	if err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

func (a *ipcAccess) ZipStatus(_ context.Context, requestID string) (*archive.Status, error) {
	resp, err := a.client.ZipStatus(requestID)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (a *ipcAccess) Sweep(_ context.Context, dryRun bool) (*queue.Job, error) {
	resp, err := a.client.Sweep(dryRun)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (a *ipcAccess) Job(_ context.Context, queueName, id string) (*queue.Job, error) {
	resp, err := a.client.Job(queueName, id)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

type managerAccess struct {
	mgr *workflow.Manager
}

func (a *managerAccess) Stats(ctx context.Context) ([]workflow.QueueStats, error) {
	return a.mgr.Stats(ctx)
}

func (a *managerAccess) EnqueueDeletion(ctx context.Context, req ipc.EnqueueDeletionRequest) (*queue.Job, error) {
	return a.mgr.QueueFileDeletion(ctx, req.FilePath, req.MaterialID, deletion.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
}

func (a *managerAccess) ScheduleZip(ctx context.Context, materialIDs []string) (string, error) {
	return a.mgr.ScheduleZipGeneration(ctx, materialIDs)
}

func (a *managerAccess) ZipStatus(ctx context.Context, requestID string) (*archive.Status, error) {
	return a.mgr.GetZipGenerationStatus(ctx, requestID)
}

func (a *managerAccess) Sweep(ctx context.Context, dryRun bool) (*queue.Job, error) {
	return a.mgr.RunSweep(ctx, dryRun)
}

func (a *managerAccess) Job(ctx context.Context, queueName, id string) (*queue.Job, error) {
	return a.mgr.Job(ctx, queueName, id)
}
