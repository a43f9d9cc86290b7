package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"librarian/internal/config"
	"librarian/internal/deletion"
	"librarian/internal/fileops"
	"librarian/internal/logging"
	"librarian/internal/queue"
	"librarian/internal/services"
)

const maxRequestBody = 1 << 20

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	zipDir string

	listener net.Listener
	server   *http.Server
}

// DeletionRequest is the body of POST /api/deletions.
type DeletionRequest struct {
	FilePath   string `json:"filePath"`
	MaterialID string `json:"materialId"`
	Priority   int    `json:"priority"`
	DelayMs    int64  `json:"delayMs"`
}

// ZipRequest is the body of POST /api/zips.
type ZipRequest struct {
	MaterialIDs []string `json:"materialIds"`
}

// ZipResponse carries the request ID of a scheduled ZIP. It is empty when
// the broker is disabled.
type ZipResponse struct {
	RequestID string `json:"requestId"`
}

// SweepRequest is the body of POST /api/sweeps.
type SweepRequest struct {
	DryRun bool `json:"dryRun"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		zipDir: cfg.Paths.ZipDir,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	if reg := s.daemon.metrics; reg != nil {
		r.Use(reg.Middleware)
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	r.Get(downloadRoute(cfg.Paths.DownloadURLPrefix)+"/{fileName}", s.handleDownload)

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return authMiddleware(cfg.Paths.APIToken, next.ServeHTTP)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Post("/deletions", s.handleDeletion)
		r.Post("/zips", s.handleZip)
		r.Get("/zips/{requestId}", s.handleZipStatus)
		r.Post("/sweeps", s.handleSweep)
		r.Get("/jobs/{queue}/{id}", s.handleJob)
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *apiServer) address() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.manager.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.daemon.Running(),
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.daemon.manager.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (s *apiServer) handleDeletion(w http.ResponseWriter, r *http.Request) {
	var req DeletionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DelayMs < 0 {
		s.writeError(w, http.StatusBadRequest, "delayMs must not be negative")
		return
	}
	job, err := s.daemon.manager.QueueFileDeletion(r.Context(), req.FilePath, req.MaterialID, deletion.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *apiServer) handleZip(w http.ResponseWriter, r *http.Request) {
	var req ZipRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.MaterialIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "materialIds is required")
		return
	}
	requestID, err := s.daemon.manager.ScheduleZipGeneration(r.Context(), req.MaterialIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ZipResponse{RequestID: requestID})
}

func (s *apiServer) handleZipStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	status, err := s.daemon.manager.GetZipGenerationStatus(r.Context(), requestID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if status == nil {
		s.writeError(w, http.StatusNotFound, "zip request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	job, err := s.daemon.manager.RunSweep(r.Context(), req.DryRun)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.manager.Job(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "fileName")
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".zip") {
		s.writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	path, err := fileops.ValidateAndNormalizePath(name, s.zipDir)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	file, err := os.Open(path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps error markers onto HTTP status codes.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, fileops.ErrPathTraversal):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.log().Warn("api request failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "api_request_failed"))
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.NewNop()
}

// downloadRoute returns the path portion of the configured download prefix.
func downloadRoute(prefix string) string {
	if u, err := url.Parse(prefix); err == nil && u.Path != "" {
		prefix = u.Path
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return ""
	}
	return prefix
}
