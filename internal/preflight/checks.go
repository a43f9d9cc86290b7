package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"librarian/internal/broker"
	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/materials"
)

const probeMaterialID = "__preflight__"

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckBroker connects to the configured job broker and pings it. A disabled
// broker passes.
func CheckBroker(ctx context.Context, cfg *config.Config) Result {
	name := "Job broker"
	if !cfg.BrokerEnabled() {
		return Result{Name: name, Passed: true, Detail: "Disabled (jobs are not queued)"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	backend, err := broker.OpenBackend(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer backend.Close()
	if err := backend.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable (%s)", cfg.Broker.Driver, brokerTarget(cfg))}
}

// CheckMaterials opens the material lookup and runs one query against it.
func CheckMaterials(ctx context.Context, cfg *config.Config) Result {
	name := "Material catalog"
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	lookup, err := materials.Open(checkCtx, cfg, logging.NewNop())
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer lookup.Close()
	if _, err := lookup.FindByIDs(checkCtx, []string{probeMaterialID}); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	driver := cfg.Materials.Driver
	if driver == "" {
		driver = config.MaterialsStatic
	}
	if driver == config.MaterialsStatic {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("static (%s)", cfg.Materials.StaticPath)}
	}
	return Result{Name: name, Passed: true, Detail: driver + " reachable"}
}

// CheckAPI probes the daemon's /healthz endpoint at bind.
func CheckAPI(ctx context.Context, bind string) Result {
	const name = "HTTP API"
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return Result{Name: name, Detail: "Disabled"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, "http://"+bind+"/healthz", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Name: name, Passed: true, Detail: "Healthy on " + bind}
	case http.StatusServiceUnavailable:
		return Result{Name: name, Detail: "broker unavailable"}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
}

func brokerTarget(cfg *config.Config) string {
	if cfg.Broker.Driver == config.BrokerSQLite {
		return cfg.Broker.SQLitePath
	}
	return cfg.RedisAddr()
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out (unreachable)"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "unreachable: " + opErr.Err.Error()
	}
	return err.Error()
}
