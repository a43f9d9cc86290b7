package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"librarian/internal/daemon"
	"librarian/internal/deletion"
	"librarian/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer listens on path, replacing any stale socket file.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	svc := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, svc); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
	go func() {
		<-s.ctx.Done()
		_ = s.listener.Close()
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC", logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("daemon stop requested")
	if err := s.daemon.Stop(s.ctx); err != nil {
		resp.Message = err.Error()
	}
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC", logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	*resp = StatusResponse{
		Running:       status.Running,
		BrokerDriver:  status.Workflow.BrokerDriver,
		BrokerEnabled: status.Workflow.BrokerEnabled,
		LastError:     status.Workflow.LastError,
		LastJob:       status.Workflow.LastJob,
		Queues:        status.Queues,
		StatsError:    status.StatsError,
		LockPath:      status.LockFilePath,
		APIAddress:    status.APIAddress,
		PID:           status.PID,
	}
	return nil
}

func (s *service) Stats(_ StatsRequest, resp *StatsResponse) error {
	stats, err := s.daemon.Manager().Stats(s.ctx)
	if err != nil {
		return err
	}
	resp.Queues = stats
	return nil
}

func (s *service) EnqueueDeletion(req EnqueueDeletionRequest, resp *JobResponse) error {
	if req.DelayMs < 0 {
		return fmt.Errorf("delay must not be negative: %d", req.DelayMs)
	}
	job, err := s.daemon.Manager().QueueFileDeletion(s.ctx, req.FilePath, req.MaterialID, deletion.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	resp.Job = job
	return nil
}

func (s *service) ScheduleZip(req ScheduleZipRequest, resp *ScheduleZipResponse) error {
	if len(req.MaterialIDs) == 0 {
		return errors.New("at least one material id is required")
	}
	requestID, err := s.daemon.Manager().ScheduleZipGeneration(s.ctx, req.MaterialIDs)
	if err != nil {
		return err
	}
	resp.RequestID = requestID
	return nil
}

func (s *service) ZipStatus(req ZipStatusRequest, resp *ZipStatusResponse) error {
	status, err := s.daemon.Manager().GetZipGenerationStatus(s.ctx, req.RequestID)
	if err != nil {
		return err
	}
	resp.Status = status
	return nil
}

func (s *service) Sweep(req SweepRequest, resp *JobResponse) error {
	job, err := s.daemon.Manager().RunSweep(s.ctx, req.DryRun)
	if err != nil {
		return err
	}
	s.logger.Info("orphaned files cleanup requested via IPC",
		logging.String(logging.FieldEventType, "sweep_requested"),
		logging.String(logging.FieldJobID, job.ID),
		logging.Bool("dry_run", req.DryRun))
	resp.Job = job
	return nil
}

func (s *service) Job(req JobRequest, resp *JobResponse) error {
	job, err := s.daemon.Manager().Job(s.ctx, req.Queue, req.ID)
	if err != nil {
		return err
	}
	resp.Job = job
	return nil
}
