package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeBroker(); err != nil {
		return err
	}
	c.normalizeQueues()
	c.normalizeMaterials()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.UploadsDir, err = expandPath(c.Paths.UploadsDir); err != nil {
		return fmt.Errorf("paths.uploads_dir: %w", err)
	}
	if c.Paths.ZipDir, err = expandPath(c.Paths.ZipDir); err != nil {
		return fmt.Errorf("paths.zip_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	prefix := strings.TrimSpace(c.Paths.DownloadURLPrefix)
	if prefix == "" {
		prefix = defaultDownloadURLPrefix
	}
	c.Paths.DownloadURLPrefix = strings.TrimRight(prefix, "/")
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("LIBRARIAN_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeBroker() error {
	c.Broker.Driver = strings.ToLower(strings.TrimSpace(c.Broker.Driver))
	if c.Broker.Driver == "" {
		c.Broker.Driver = BrokerRedis
	}
	c.Broker.Host = strings.TrimSpace(c.Broker.Host)
	if c.Broker.Host == "" {
		if value, ok := os.LookupEnv("REDIS_HOST"); ok && strings.TrimSpace(value) != "" {
			c.Broker.Host = strings.TrimSpace(value)
		} else {
			c.Broker.Host = defaultBrokerHost
		}
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = defaultBrokerPort
		if value, ok := os.LookupEnv("REDIS_PORT"); ok && strings.TrimSpace(value) != "" {
			port, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("REDIS_PORT: invalid port %q", value)
			}
			c.Broker.Port = port
		}
	}
	if c.Broker.Password == "" {
		if value, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
			c.Broker.Password = value
		}
	}
	c.Broker.Prefix = strings.TrimSpace(c.Broker.Prefix)
	if c.Broker.Prefix == "" {
		c.Broker.Prefix = defaultBrokerPrefix
	}
	if c.Broker.DialTimeout <= 0 {
		c.Broker.DialTimeout = Duration(defaultBrokerDialTimeout)
	}
	if strings.TrimSpace(c.Broker.SQLitePath) == "" {
		c.Broker.SQLitePath = filepath.Join(c.Paths.StateDir, "queue.db")
	}
	var err error
	if c.Broker.SQLitePath, err = expandPath(c.Broker.SQLitePath); err != nil {
		return fmt.Errorf("broker.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueues() {
	for _, policy := range []*QueuePolicy{&c.Queues.Deletion, &c.Queues.Cleanup, &c.Queues.Zip} {
		policy.Backoff = strings.ToLower(strings.TrimSpace(policy.Backoff))
		if policy.Backoff == "" {
			policy.Backoff = BackoffNone
		}
	}
}

func (c *Config) normalizeMaterials() {
	c.Materials.Driver = strings.ToLower(strings.TrimSpace(c.Materials.Driver))
	if c.Materials.Driver == "" {
		c.Materials.Driver = MaterialsStatic
	}
	if c.Materials.DSN == "" {
		if value, ok := os.LookupEnv("DATABASE_URL"); ok {
			c.Materials.DSN = strings.TrimSpace(value)
		}
	}
	if path := strings.TrimSpace(c.Materials.StaticPath); path != "" {
		if expanded, err := expandPath(path); err == nil {
			c.Materials.StaticPath = expanded
		}
	}
	if c.Materials.QueryTimeout <= 0 {
		c.Materials.QueryTimeout = Duration(defaultMaterialsTimeout)
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
