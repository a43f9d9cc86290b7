package testsupport

import (
	"path/filepath"
	"testing"
	"time"

	"librarian/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The broker is a SQLite database inside the temp tree and worker timings are
// shortened so tests do not wait on production intervals.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.UploadsDir = filepath.Join(base, "uploads")
	cfgVal.Paths.ZipDir = filepath.Join(base, "downloads", "zips")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Broker.Driver = config.BrokerSQLite
	cfgVal.Broker.Host = "localhost"
	cfgVal.Broker.Port = 6379
	cfgVal.Broker.SQLitePath = filepath.Join(base, "state", "queue.db")
	cfgVal.Workflow.PollInterval = config.Duration(10 * time.Millisecond)
	cfgVal.Workflow.StalledInterval = config.Duration(50 * time.Millisecond)
	cfgVal.Workflow.Lease = config.Duration(2 * time.Second)
	cfgVal.Workflow.ShutdownTimeout = config.Duration(5 * time.Second)
	cfgVal.Materials.StaticPath = filepath.Join(base, "materials.json")
	cfgVal.Logging.Level = "error"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithBrokerDriver overrides the broker driver on the test config.
func WithBrokerDriver(driver string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Broker.Driver = driver
	}
}

// WithFastRetries shrinks every queue backoff to a few milliseconds.
func WithFastRetries() ConfigOption {
	return func(b *configBuilder) {
		for _, p := range []*config.QueuePolicy{&b.cfg.Queues.Deletion, &b.cfg.Queues.Cleanup, &b.cfg.Queues.Zip} {
			if p.BackoffDelay > 0 {
				p.BackoffDelay = config.Duration(5 * time.Millisecond)
			}
		}
	}
}

// WithSweepDisabled turns off the recurring orphan sweep.
func WithSweepDisabled() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sweep.Enabled = false
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.UploadsDir)
}
