package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/metrics"
	"librarian/internal/workflow"
)

// ErrAlreadyRunning is returned by Start when the workers are already up.
var ErrAlreadyRunning = errors.New("daemon already running")

// Daemon coordinates the background workers and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	base    *slog.Logger
	logger  *slog.Logger
	manager *workflow.Manager
	metrics *metrics.Metrics

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool

	apiMu sync.Mutex
	api   *apiServer
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                   `json:"running"`
	Workflow     workflow.StatusSummary `json:"workflow"`
	Queues       []workflow.QueueStats  `json:"queues"`
	StatsError   string                 `json:"statsError,omitempty"`
	LockFilePath string                 `json:"lockPath"`
	APIAddress   string                 `json:"apiAddress,omitempty"`
	PID          int                    `json:"pid"`
}

// New constructs a daemon around an existing workflow manager. reg may be nil,
// in which case /metrics is not served.
func New(cfg *config.Config, mgr *workflow.Manager, reg *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || mgr == nil {
		return nil, errors.New("daemon requires config and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		manager:  mgr,
		metrics:  reg,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Manager exposes the workflow manager for the IPC layer.
func (d *Daemon) Manager() *workflow.Manager { return d.manager }

// Start acquires the daemon lock and launches the workers.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return ErrAlreadyRunning
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another librarian daemon instance is already running")
	}

	if err := d.manager.StartWorkers(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start workers: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("librarian daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("broker", d.cfg.Broker.Driver))
	return nil
}

// Stop drains the workers and releases the daemon lock. Stopping an idle
// daemon is a no-op.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return nil
	}

	stopCtx := ctx
	if timeout := d.cfg.Workflow.ShutdownTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := d.manager.StopWorkers(stopCtx)
	if unlockErr := d.lock.Unlock(); unlockErr != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(unlockErr),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no daemon is running"))
	}
	d.running.Store(false)
	if err != nil {
		d.logger.Warn("librarian daemon stopped with errors",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_stop_failed"),
			logging.String(logging.FieldImpact, "in-flight jobs may be retried after their lease expires"))
		return err
	}
	d.logger.Info("librarian daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return nil
}

// Close stops the daemon, the HTTP server and the manager's resources.
func (d *Daemon) Close() error {
	stopErr := d.Stop(context.Background())
	d.apiMu.Lock()
	api := d.api
	d.api = nil
	d.apiMu.Unlock()
	api.stop()
	return errors.Join(stopErr, d.manager.Close())
}

// Running reports whether the workers are active.
func (d *Daemon) Running() bool { return d.running.Load() }

// Status reports daemon state plus per-queue counts. Counting failures are
// reported in StatsError rather than failing the call.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Workflow:     d.manager.Status(),
		LockFilePath: d.lockPath,
		PID:          os.Getpid(),
	}
	d.apiMu.Lock()
	if d.api != nil {
		status.APIAddress = d.api.address()
	}
	d.apiMu.Unlock()

	stats, err := d.manager.Stats(ctx)
	if err != nil {
		status.StatsError = err.Error()
	} else {
		status.Queues = stats
	}
	return status
}

// ServeAPI starts the HTTP server on the configured bind address. The server
// shuts down when ctx is canceled or the daemon is closed.
func (d *Daemon) ServeAPI(ctx context.Context) error {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	if d.api != nil {
		return nil
	}
	srv := newAPIServer(d.cfg, d, d.base)
	if srv == nil {
		return nil
	}
	if err := srv.start(ctx); err != nil {
		return err
	}
	d.api = srv
	return nil
}
