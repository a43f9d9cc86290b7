package ipc

import (
	"librarian/internal/archive"
	"librarian/internal/queue"
	"librarian/internal/workflow"
)

// ServiceName is the net/rpc service the daemon registers.
const ServiceName = "Librarian"

// StartRequest triggers worker startup.
type StartRequest struct{}

// StartResponse indicates whether the workers were started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest drains the workers. The daemon process keeps running.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool   `json:"stopped"`
	Message string `json:"message,omitempty"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// QueueStats mirrors the workflow per-queue counts.
type QueueStats = workflow.QueueStats

// JobSummary mirrors the workflow last-job summary.
type JobSummary = workflow.JobSummary

// StatusResponse represents combined daemon and workflow status.
type StatusResponse struct {
	Running       bool         `json:"running"`
	BrokerDriver  string       `json:"broker_driver"`
	BrokerEnabled bool         `json:"broker_enabled"`
	LastError     string       `json:"last_error"`
	LastJob       *JobSummary  `json:"last_job"`
	Queues        []QueueStats `json:"queues"`
	StatsError    string       `json:"stats_error,omitempty"`
	LockPath      string       `json:"lock_path"`
	APIAddress    string       `json:"api_address"`
	PID           int          `json:"pid"`
}

// StatsRequest fetches per-queue job counts.
type StatsRequest struct{}

// StatsResponse carries per-queue job counts.
type StatsResponse struct {
	Queues []QueueStats `json:"queues"`
}

// EnqueueDeletionRequest queues deletion of one uploaded file.
type EnqueueDeletionRequest struct {
	FilePath   string `json:"file_path"`
	MaterialID string `json:"material_id"`
	Priority   int    `json:"priority"`
	DelayMs    int64  `json:"delay_ms"`
}

// JobResponse returns a single job.
type JobResponse struct {
	Job *queue.Job `json:"job"`
}

// ScheduleZipRequest queues a ZIP of the given materials.
type ScheduleZipRequest struct {
	MaterialIDs []string `json:"material_ids"`
}

// ScheduleZipResponse returns the request ID, empty when the broker is disabled.
type ScheduleZipResponse struct {
	RequestID string `json:"request_id"`
}

// ZipStatusRequest polls a ZIP request.
type ZipStatusRequest struct {
	RequestID string `json:"request_id"`
}

// ZipStatusResponse carries the ZIP status. Status is nil for unknown requests.
type ZipStatusResponse struct {
	Status *archive.Status `json:"status"`
}

// SweepRequest queues a one-time orphaned files cleanup.
type SweepRequest struct {
	DryRun bool `json:"dry_run"`
}

// JobRequest fetches one job by queue and ID.
type JobRequest struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}
