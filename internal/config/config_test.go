package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"librarian/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantUploads := filepath.Join(tempHome, ".local", "share", "librarian", "uploads")
	if cfg.Paths.UploadsDir != wantUploads {
		t.Fatalf("unexpected uploads dir: got %q want %q", cfg.Paths.UploadsDir, wantUploads)
	}
	wantZip := filepath.Join(tempHome, ".local", "share", "librarian", "downloads", "zips")
	if cfg.Paths.ZipDir != wantZip {
		t.Fatalf("unexpected zip dir: got %q want %q", cfg.Paths.ZipDir, wantZip)
	}
	if cfg.RedisAddr() != "localhost:6379" {
		t.Fatalf("unexpected redis addr: %q", cfg.RedisAddr())
	}
	if cfg.Broker.SQLitePath != filepath.Join(cfg.Paths.StateDir, "queue.db") {
		t.Fatalf("unexpected sqlite path: %q", cfg.Broker.SQLitePath)
	}
	if cfg.Paths.DownloadURLPrefix != "/downloads/zips" {
		t.Fatalf("unexpected download prefix: %q", cfg.Paths.DownloadURLPrefix)
	}
}

func TestDefaultQueuePolicies(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name        string
		policy      config.QueuePolicy
		attempts    int
		backoff     string
		delay       time.Duration
		concurrency int
	}{
		{"deletion", cfg.Queues.Deletion, 3, config.BackoffExponential, 2 * time.Second, 5},
		{"cleanup", cfg.Queues.Cleanup, 1, config.BackoffNone, 0, 1},
		{"zip", cfg.Queues.Zip, 3, config.BackoffExponential, 5 * time.Second, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.policy.Attempts != tt.attempts {
				t.Fatalf("attempts = %d, want %d", tt.policy.Attempts, tt.attempts)
			}
			if tt.policy.Backoff != tt.backoff {
				t.Fatalf("backoff = %q, want %q", tt.policy.Backoff, tt.backoff)
			}
			if tt.policy.BackoffDelay.Std() != tt.delay {
				t.Fatalf("backoff delay = %s, want %s", tt.policy.BackoffDelay.Std(), tt.delay)
			}
			if tt.policy.Concurrency != tt.concurrency {
				t.Fatalf("concurrency = %d, want %d", tt.policy.Concurrency, tt.concurrency)
			}
		})
	}

	if cfg.Sweep.MaxAge.Std() != 24*time.Hour || cfg.Sweep.Interval.Std() != 6*time.Hour {
		t.Fatalf("unexpected sweep defaults: max_age=%s interval=%s", cfg.Sweep.MaxAge.Std(), cfg.Sweep.Interval.Std())
	}
}

func TestLoadUsesRedisEnvFallbacks(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RedisAddr() != "cache.internal:6380" {
		t.Fatalf("unexpected redis addr: %q", cfg.RedisAddr())
	}
	if cfg.Broker.Password != "hunter2" {
		t.Fatalf("expected password from env, got %q", cfg.Broker.Password)
	}
}

func TestLoadRejectsInvalidRedisPortEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "not-a-port")

	if _, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for invalid REDIS_PORT")
	}
}

func TestLoadParsesFileOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "librarian.toml")
	content := `
[paths]
uploads_dir = "` + filepath.Join(dir, "uploads") + `"
zip_dir = "` + filepath.Join(dir, "zips") + `"
download_url_prefix = "/files/zips/"

[broker]
driver = "SQLite"

[queues.deletion]
attempts = 5
backoff_delay = "750ms"

[sweep]
interval = "1h"
dry_run = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %s, got %s (exists=%v)", path, resolved, exists)
	}
	if cfg.Broker.Driver != config.BrokerSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.Broker.Driver)
	}
	if cfg.Queues.Deletion.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Queues.Deletion.Attempts)
	}
	if cfg.Queues.Deletion.BackoffDelay.Std() != 750*time.Millisecond {
		t.Fatalf("unexpected backoff delay: %s", cfg.Queues.Deletion.BackoffDelay.Std())
	}
	if cfg.Queues.Deletion.Concurrency != 5 {
		t.Fatalf("expected default concurrency preserved, got %d", cfg.Queues.Deletion.Concurrency)
	}
	if cfg.Sweep.Interval.Std() != time.Hour || !cfg.Sweep.DryRun {
		t.Fatalf("unexpected sweep config: %+v", cfg.Sweep)
	}
	if cfg.Paths.DownloadURLPrefix != "/files/zips" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Paths.DownloadURLPrefix)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"driver", func(c *config.Config) { c.Broker.Driver = "kafka" }, "broker.driver"},
		{"attempts", func(c *config.Config) { c.Queues.Zip.Attempts = 0 }, "queues.zip.attempts"},
		{"concurrency", func(c *config.Config) { c.Queues.Deletion.Concurrency = 0 }, "queues.deletion.concurrency"},
		{"backoff", func(c *config.Config) { c.Queues.Cleanup.Backoff = "linear" }, "queues.cleanup.backoff"},
		{"postgres dsn", func(c *config.Config) {
			c.Materials.Driver = config.MaterialsPostgres
			c.Materials.DSN = ""
		}, "materials.dsn"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"sweep interval", func(c *config.Config) { c.Sweep.Interval = 0 }, "sweep.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Broker.Port = 6379
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample failed: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.Broker.Driver != config.BrokerRedis {
		t.Fatalf("unexpected sample driver: %q", cfg.Broker.Driver)
	}
}
