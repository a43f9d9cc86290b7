package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateSweep(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateMaterials(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.UploadsDir) == "" {
		return errors.New("paths.uploads_dir must be set")
	}
	if strings.TrimSpace(c.Paths.ZipDir) == "" {
		return errors.New("paths.zip_dir must be set")
	}
	if !strings.HasPrefix(c.Paths.DownloadURLPrefix, "/") && !strings.Contains(c.Paths.DownloadURLPrefix, "://") {
		return fmt.Errorf("paths.download_url_prefix must be an absolute path or URL, got %q", c.Paths.DownloadURLPrefix)
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Driver {
	case BrokerRedis:
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be between 1 and 65535, got %d", c.Broker.Port)
		}
		if c.Broker.DB < 0 {
			return errors.New("broker.db must be non-negative")
		}
	case BrokerSQLite:
		if strings.TrimSpace(c.Broker.SQLitePath) == "" {
			return errors.New("broker.sqlite_path must be set for the sqlite driver")
		}
	case BrokerDisabled:
	default:
		return fmt.Errorf("broker.driver: unsupported value %q (want redis, sqlite or disabled)", c.Broker.Driver)
	}
	return nil
}

func (c *Config) validateQueues() error {
	policies := []struct {
		name   string
		policy QueuePolicy
	}{
		{"queues.deletion", c.Queues.Deletion},
		{"queues.cleanup", c.Queues.Cleanup},
		{"queues.zip", c.Queues.Zip},
	}
	for _, entry := range policies {
		p := entry.policy
		if p.Attempts < 1 {
			return fmt.Errorf("%s.attempts must be at least 1", entry.name)
		}
		if p.Concurrency < 1 {
			return fmt.Errorf("%s.concurrency must be at least 1", entry.name)
		}
		switch p.Backoff {
		case BackoffExponential, BackoffFixed:
			if p.BackoffDelay <= 0 {
				return fmt.Errorf("%s.backoff_delay must be positive for %s backoff", entry.name, p.Backoff)
			}
		case BackoffNone:
		default:
			return fmt.Errorf("%s.backoff: unsupported value %q", entry.name, p.Backoff)
		}
		if p.KeepCompletedAge < 0 || p.KeepFailedAge < 0 || p.KeepCompletedCount < 0 {
			return fmt.Errorf("%s retention values must be non-negative", entry.name)
		}
	}
	return nil
}

func (c *Config) validateSweep() error {
	if c.Sweep.MaxAge < 0 {
		return errors.New("sweep.max_age must be non-negative")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive when the sweep is enabled")
	}
	if c.Sweep.ArchiveMaxAge < 0 {
		return errors.New("sweep.archive_max_age must be non-negative")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.PollInterval <= 0 {
		return errors.New("workflow.poll_interval must be positive")
	}
	if c.Workflow.Lease <= 0 {
		return errors.New("workflow.lease must be positive")
	}
	if c.Workflow.StalledInterval <= 0 {
		return errors.New("workflow.stalled_interval must be positive")
	}
	if c.Workflow.ShutdownTimeout < 0 {
		return errors.New("workflow.shutdown_timeout must be non-negative")
	}
	return nil
}

func (c *Config) validateMaterials() error {
	switch c.Materials.Driver {
	case MaterialsStatic:
	case MaterialsPostgres:
		if strings.TrimSpace(c.Materials.DSN) == "" {
			return errors.New("materials.dsn is required for the postgres driver (or set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("materials.driver: unsupported value %q (want static or postgres)", c.Materials.Driver)
	}
	if c.Materials.CacheSize < 0 {
		return errors.New("materials.cache_size must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
