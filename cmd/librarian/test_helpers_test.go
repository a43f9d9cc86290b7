package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"librarian/internal/config"
	"librarian/internal/daemon"
	"librarian/internal/ipc"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/testsupport"
	"librarian/internal/workflow"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

// setupCLITestEnv writes a config file for a SQLite-backed test tree. When
// withDaemon is set an in-process daemon serves the socket with its workers
// running.
func setupCLITestEnv(t *testing.T, withDaemon bool) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithSweepDisabled(), testsupport.WithFastRetries())
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.UploadsDir, "take1.wav"), 128)
	catalog, err := json.Marshal([]materials.Material{
		{ID: "m1", Title: "Take One", FilePath: "take1.wav", Slug: "take-one"},
	})
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	testsupport.WriteContent(t, cfg.Materials.StaticPath, string(catalog))

	env := &cliTestEnv{cfg: cfg, socketPath: cfg.SocketPath(), configPath: configPath}
	if !withDaemon {
		return env
	}

	logger := logging.NewNop()
	mgr := workflow.NewManager(cfg, materials.NewStatic(cfg.Materials.StaticPath), logger)
	d, err := daemon.New(cfg, mgr, nil, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := ipc.NewServer(ctx, env.socketPath, d, logger)
	if err != nil {
		cancel()
		_ = d.Close()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI daemon test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	env.daemon = d

	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = d.Close()
	})
	return env
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, args, e.socketPath, e.configPath)
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
uploads_dir = %q
zip_dir = %q
state_dir = %q
log_dir = %q
api_bind = %q

[broker]
driver = %q
sqlite_path = %q

[sweep]
enabled = false

[workflow]
poll_interval = "10ms"
stalled_interval = "50ms"
lease = "2s"
shutdown_timeout = "5s"

[materials]
driver = "static"
static_path = %q

[logging]
level = "error"
`,
		cfg.Paths.UploadsDir,
		cfg.Paths.ZipDir,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Paths.APIBind,
		cfg.Broker.Driver,
		cfg.Broker.SQLitePath,
		cfg.Materials.StaticPath,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func decodeJSON(t *testing.T, out string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
