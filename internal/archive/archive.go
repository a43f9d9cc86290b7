// Package archive builds ZIP bundles of material files on the zip-generation
// queue and reports their status to pollers.
//
// Every resolved material yields exactly one entry: the source file under
// "<slug>_<basename>" or, when it cannot be read, a "<slug>_NOT_FOUND.txt"
// placeholder. Source checks run concurrently; entries are appended by a
// single writer goroutine. The archive is written to a temporary file and
// renamed into place only when it is complete.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/queue"
	"librarian/internal/services"
)

const (
	// QueueName is the queue ZIP jobs are added to.
	QueueName = "zip-generation"
	// JobName names every ZIP job.
	JobName = "generate-zip"
)

// ErrNoMaterials fails a request whose IDs resolve to nothing.
var ErrNoMaterials = errors.New("no materials found")

// Payload is the job data of a ZIP request.
type Payload struct {
	MaterialIDs []string  `json:"materialIds"`
	RequestID   string    `json:"requestId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Result describes a finished archive.
type Result struct {
	RequestID     string    `json:"requestId"`
	FilePath      string    `json:"filePath"`
	FileName      string    `json:"fileName"`
	FileSize      int64     `json:"fileSize"`
	MaterialCount int       `json:"materialCount"`
	CompletedAt   time.Time `json:"completedAt"`
	DownloadURL   string    `json:"downloadUrl"`
}

// Options locates sources and output.
type Options struct {
	UploadsDir        string
	ZipDir            string
	DownloadURLPrefix string
	// CheckConcurrency bounds parallel source checks. Zero means 8.
	CheckConcurrency int
}

// Generator enqueues and processes ZIP jobs.
type Generator struct {
	queue  queue.Queue
	lookup materials.Lookup
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Generator.
func New(q queue.Queue, lookup materials.Lookup, opts Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.CheckConcurrency <= 0 {
		opts.CheckConcurrency = 8
	}
	return &Generator{
		queue:  q,
		lookup: lookup,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "archive"),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for archive names.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Queue returns the underlying queue.
func (g *Generator) Queue() queue.Queue { return g.queue }

// ScheduleZipGeneration enqueues a ZIP of materialIDs and returns the request
// ID pollers use. It returns "" without enqueueing when the broker is
// disabled.
func (g *Generator) ScheduleZipGeneration(ctx context.Context, materialIDs []string) (string, error) {
	if !g.queue.Enabled() {
		g.logger.Info("zip generation skipped, broker disabled",
			logging.Int("material_count", len(materialIDs)),
		)
		return "", nil
	}
	ids := make([]string, 0, len(materialIDs))
	for _, id := range materialIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	requestID := uuid.NewString()
	payload := Payload{MaterialIDs: ids, RequestID: requestID, RequestedAt: g.now().UTC()}
	if _, err := g.queue.Add(ctx, JobName, payload, queue.Options{JobID: requestID}); err != nil {
		return "", services.Wrap(services.ErrTransient, "archive", "enqueue", requestID, err)
	}
	g.logger.Info("zip generation queued",
		logging.String(logging.FieldRequestID, requestID),
		logging.Int("material_count", len(ids)),
	)
	return requestID, nil
}
