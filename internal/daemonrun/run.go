// Package daemonrun wires configuration, logging, the broker, the material
// lookup and the daemon into one foreground process that runs until SIGINT
// or SIGTERM.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"librarian/internal/config"
	"librarian/internal/daemon"
	"librarian/internal/fileutil"
	"librarian/internal/ipc"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/metrics"
	"librarian/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// NoAPI skips the HTTP server.
	NoAPI bool
}

// Run starts the librarian daemon and blocks until a shutdown signal arrives
// or cmdCtx is canceled. Workers are drained within the configured shutdown
// timeout before Run returns.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("librarian-%s.log", runID))
	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update librarian.log link: %v\n", err)
	}
	logConfigSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := fileutil.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	lookup, err := materials.Open(signalCtx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "open material lookup", "materials_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check materials.driver and materials.dsn"))
		return err
	}
	defer lookup.Close()

	reg := metrics.New()
	mgr := workflow.NewManager(cfg, lookup, logger, workflow.WithMetrics(reg))
	if err := reg.RegisterQueueStats(mgr.StatsByQueue); err != nil {
		return fmt.Errorf("register queue metrics: %w", err)
	}
	if cached, ok := lookup.(*materials.Cached); ok {
		if err := reg.RegisterCacheStats(cached.Stats); err != nil {
			return fmt.Errorf("register cache metrics: %w", err)
		}
	}

	d, err := daemon.New(cfg, mgr, reg, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("daemon close failed", logging.Error(err))
		}
	}()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if !opts.NoAPI {
		if err := d.ServeAPI(signalCtx); err != nil {
			logging.WarnWithContext(logger, "api server start failed", "api_start_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check paths.api_bind is free"),
				logging.String(logging.FieldImpact, "HTTP submissions and metrics are unavailable"))
		}
	}

	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker connectivity with librarian preflight"),
			logging.String(logging.FieldImpact, "jobs are accepted but not processed"))
	}

	<-signalCtx.Done()
	logger.Info("librarian daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
		logging.Duration("timeout", cfg.Workflow.ShutdownTimeout.Std()))
	if err := d.Stop(context.Background()); err != nil {
		logger.Warn("worker drain incomplete", logging.Error(err))
	}
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "librarian.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("broker", cfg.Broker.Driver),
		logging.String("materials", cfg.Materials.Driver),
		logging.String("uploads_dir", cfg.Paths.UploadsDir),
		logging.String("zip_dir", cfg.Paths.ZipDir),
		logging.Bool("sweep_enabled", cfg.Sweep.Enabled),
		logging.Duration("sweep_interval", cfg.Sweep.Interval.Std()),
		logging.Bool("api_token_set", cfg.Paths.APIToken != ""),
	)
}
