package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"librarian/internal/archive"
	"librarian/internal/broker"
	"librarian/internal/config"
	"librarian/internal/deletion"
	"librarian/internal/fileops"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/metrics"
	"librarian/internal/queue"
	"librarian/internal/services"
	"librarian/internal/sweep"
)

// Opener connects a broker backend. A nil backend with a nil error means the
// broker is disabled.
type Opener func(ctx context.Context) (queue.Backend, error)

// Manager is the per-process owner of queues, pipelines and workers.
type Manager struct {
	cfg     *config.Config
	lookup  materials.Lookup
	base    *slog.Logger
	logger  *slog.Logger
	ops     *fileops.Ops
	opener  Opener
	metrics *metrics.Metrics

	mu      sync.RWMutex
	conn    *connection
	workers []*queue.Worker
	running bool

	// statusMu guards the fields written from worker callbacks.
	statusMu sync.Mutex
	lastErr  error
	lastJob  *JobSummary
}

// connection is everything built on one broker backend.
type connection struct {
	backend  queue.Backend
	queues   []queue.Queue
	deletion *deletion.Pipeline
	sweeper  *sweep.Sweeper
	archive  *archive.Generator
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithOpener replaces the configured broker connection.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.opener = open }
}

// WithMetrics records worker outcomes on reg.
func WithMetrics(reg *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = reg }
}

// NewManager returns a Manager for cfg. Nothing is connected until first use.
func NewManager(cfg *config.Config, lookup materials.Lookup, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		lookup: lookup,
		base:   logger,
		logger: logging.NewComponentLogger(logger, "workflow"),
		ops:    fileops.New(logger),
	}
	m.opener = func(ctx context.Context) (queue.Backend, error) {
		return broker.OpenBackend(ctx, cfg)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// connect returns the current connection, opening it when needed.
func (m *Manager) connect(ctx context.Context) (*connection, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) (*connection, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	backend, err := m.opener(ctx)
	if err != nil {
		m.setLastError(err)
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	conn, err := m.build(backend)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		m.setLastError(err)
		return nil, err
	}
	m.conn = conn
	if backend == nil {
		m.logger.Info("broker disabled, job queues run in no-op mode")
	} else {
		m.logger.Debug("broker connected", logging.String("driver", m.cfg.Broker.Driver))
	}
	return conn, nil
}

func (m *Manager) build(backend queue.Backend) (*connection, error) {
	q := m.cfg.Queues
	deletionQ, err := broker.NewQueue(deletion.QueueName, backend, q.Deletion, m.base)
	if err != nil {
		return nil, err
	}
	cleanupQ, err := broker.NewQueue(sweep.QueueName, backend, q.Cleanup, m.base)
	if err != nil {
		return nil, err
	}
	zipQ, err := broker.NewQueue(archive.QueueName, backend, q.Zip, m.base)
	if err != nil {
		return nil, err
	}
	return &connection{
		backend:  backend,
		queues:   []queue.Queue{deletionQ, cleanupQ, zipQ},
		deletion: deletion.New(deletionQ, m.ops, m.cfg.Paths.UploadsDir, m.base),
		sweeper:  sweep.New(cleanupQ, m.ops, m.base),
		archive: archive.New(zipQ, m.lookup, archive.Options{
			UploadsDir:        m.cfg.Paths.UploadsDir,
			ZipDir:            m.cfg.Paths.ZipDir,
			DownloadURLPrefix: m.cfg.Paths.DownloadURLPrefix,
		}, m.base),
	}, nil
}

// BrokerEnabled reports whether jobs are actually queued.
func (m *Manager) BrokerEnabled() bool { return m.cfg.BrokerEnabled() }

// Ops returns the audited file operations used by the pipelines.
func (m *Manager) Ops() *fileops.Ops { return m.ops }

// Queue returns the queue named name.
func (m *Manager) Queue(ctx context.Context, name string) (queue.Queue, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range conn.queues {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, services.Wrap(services.ErrNotFound, "workflow", "queue", "unknown queue "+name, nil)
}

// Worker returns the running worker for queue name. ok is false while the
// workers are stopped or the broker is disabled.
func (m *Manager) Worker(name string) (*queue.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// QueueNames lists the job families in display order.
func QueueNames() []string {
	return []string{deletion.QueueName, sweep.QueueName, archive.QueueName}
}

// Ping checks the broker connection. A disabled broker always succeeds.
func (m *Manager) Ping(ctx context.Context) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if conn.backend == nil {
		return nil
	}
	return conn.backend.Ping(ctx)
}
