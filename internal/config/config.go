package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"librarian/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadsDir        string `toml:"uploads_dir"`
	ZipDir            string `toml:"zip_dir"`
	StateDir          string `toml:"state_dir"`
	LogDir            string `toml:"log_dir"`
	DownloadURLPrefix string `toml:"download_url_prefix"`
	APIBind           string `toml:"api_bind"`
	APIToken          string `toml:"api_token"`
}

// Broker selects and configures the job queue backend.
type Broker struct {
	Driver      string   `toml:"driver"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	DB          int      `toml:"db"`
	Password    string   `toml:"password"`
	Prefix      string   `toml:"prefix"`
	SQLitePath  string   `toml:"sqlite_path"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// QueuePolicy holds the default job options and worker sizing for one queue family.
type QueuePolicy struct {
	Attempts           int      `toml:"attempts"`
	Backoff            string   `toml:"backoff"`
	BackoffDelay       Duration `toml:"backoff_delay"`
	Concurrency        int      `toml:"concurrency"`
	KeepCompletedAge   Duration `toml:"keep_completed_age"`
	KeepCompletedCount int      `toml:"keep_completed_count"`
	KeepFailedAge      Duration `toml:"keep_failed_age"`
}

// Queues groups the per-family policies.
type Queues struct {
	Deletion QueuePolicy `toml:"deletion"`
	Cleanup  QueuePolicy `toml:"cleanup"`
	Zip      QueuePolicy `toml:"zip"`
}

// Sweep configures the recurring orphaned files cleanup.
type Sweep struct {
	Enabled       bool     `toml:"enabled"`
	MaxAge        Duration `toml:"max_age"`
	Interval      Duration `toml:"interval"`
	DryRun        bool     `toml:"dry_run"`
	ArchiveMaxAge Duration `toml:"archive_max_age"`
}

// Workflow contains worker timing configuration.
type Workflow struct {
	PollInterval    Duration `toml:"poll_interval"`
	StalledInterval Duration `toml:"stalled_interval"`
	Lease           Duration `toml:"lease"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Materials configures the material lookup used by ZIP generation.
type Materials struct {
	Driver       string   `toml:"driver"`
	DSN          string   `toml:"dsn"`
	StaticPath   string   `toml:"static_path"`
	CacheSize    int      `toml:"cache_size"`
	QueryTimeout Duration `toml:"query_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for librarian.
//
// Configuration sections by subsystem:
//   - Paths: upload, archive, state and log directories plus the API bind address
//   - Broker: redis, sqlite or disabled job backend
//   - Queues: attempts, backoff, concurrency and retention per queue family
//   - Sweep: orphaned tombstone cleanup schedule
//   - Workflow: poll, lease and stalled-job intervals
//   - Materials: lookup backend for ZIP generation
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Broker    Broker    `toml:"broker"`
	Queues    Queues    `toml:"queues"`
	Sweep     Sweep     `toml:"sweep"`
	Workflow  Workflow  `toml:"workflow"`
	Materials Materials `toml:"materials"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("librarian.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.UploadsDir, c.Paths.ZipDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RedisAddr returns the host:port pair for the redis broker.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port))
}

// SocketPath returns the IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "librarian.sock")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "librariand.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "librarian.pid")
}

// BrokerEnabled reports whether a job backend is configured.
func (c *Config) BrokerEnabled() bool {
	return c.Broker.Driver != BrokerDisabled
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if err := fileutil.WriteFileAtomic(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
