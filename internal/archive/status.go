package archive

import (
	"context"
	"errors"
	"fmt"

	"librarian/internal/queue"
)

// StatusValue is the caller-facing state of a ZIP request.
type StatusValue string

const (
	StatusPending    StatusValue = "pending"
	StatusProcessing StatusValue = "processing"
	StatusCompleted  StatusValue = "completed"
	StatusFailed     StatusValue = "failed"
)

const unknownError = "Unknown error"

// Status is returned to ZIP pollers.
type Status struct {
	RequestID string      `json:"requestId"`
	Status    StatusValue `json:"status"`
	Progress  float64     `json:"progress"`
	Result    *Result     `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// GetZipGenerationStatus maps the job for requestID to a Status. It returns
// nil, nil when the broker is disabled or the request is unknown or expired.
func (g *Generator) GetZipGenerationStatus(ctx context.Context, requestID string) (*Status, error) {
	if !g.queue.Enabled() || requestID == "" {
		return nil, nil
	}
	job, err := g.queue.GetJob(ctx, requestID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("zip status %s: %w", requestID, err)
	}
	return statusOf(requestID, job), nil
}

func statusOf(requestID string, job *queue.Job) *Status {
	st := &Status{RequestID: requestID}
	switch job.State {
	case queue.StateWaiting, queue.StateDelayed:
		st.Status = StatusPending
	case queue.StateActive:
		st.Status = StatusProcessing
		st.Progress = job.Progress
	case queue.StateCompleted:
		st.Status = StatusCompleted
		st.Progress = 100
		var res Result
		if err := job.DecodeResult(&res); err == nil {
			st.Result = &res
		}
	case queue.StateFailed:
		st.Status = StatusFailed
		st.Progress = job.Progress
		st.Error = job.FailedReason
		if st.Error == "" {
			st.Error = unknownError
		}
	default:
		st.Status = StatusPending
	}
	return st
}
