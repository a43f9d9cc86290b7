package config

import "time"

// Broker drivers.
const (
	BrokerRedis    = "redis"
	BrokerSQLite   = "sqlite"
	BrokerDisabled = "disabled"
)

// Material lookup drivers.
const (
	MaterialsStatic   = "static"
	MaterialsPostgres = "postgres"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
	BackoffNone        = "none"
)

const (
	defaultConfigPath        = "~/.config/librarian/config.toml"
	defaultUploadsDir        = "~/.local/share/librarian/uploads"
	defaultZipDir            = "~/.local/share/librarian/downloads/zips"
	defaultStateDir          = "~/.local/share/librarian"
	defaultLogDir            = "~/.local/share/librarian/logs"
	defaultDownloadURLPrefix = "/downloads/zips"
	defaultAPIBind           = "127.0.0.1:7488"
	defaultBrokerHost        = "localhost"
	defaultBrokerPort        = 6379
	defaultBrokerPrefix      = "librarian"
	defaultBrokerDialTimeout = 5 * time.Second
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultSweepMaxAge       = 24 * time.Hour
	defaultSweepInterval     = 6 * time.Hour
	defaultPollInterval      = time.Second
	defaultStalledInterval   = 30 * time.Second
	defaultLease             = 30 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaterialsCache    = 256
	defaultMaterialsTimeout  = 5 * time.Second
	defaultKeepCompletedAge  = 24 * time.Hour
	defaultKeepFailedAge     = 7 * 24 * time.Hour
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadsDir:        defaultUploadsDir,
			ZipDir:            defaultZipDir,
			StateDir:          defaultStateDir,
			LogDir:            defaultLogDir,
			DownloadURLPrefix: defaultDownloadURLPrefix,
			APIBind:           defaultAPIBind,
		},
		Broker: Broker{
			Driver:      BrokerRedis,
			Prefix:      defaultBrokerPrefix,
			DialTimeout: Duration(defaultBrokerDialTimeout),
		},
		Queues: Queues{
			Deletion: QueuePolicy{
				Attempts:           3,
				Backoff:            BackoffExponential,
				BackoffDelay:       Duration(2 * time.Second),
				Concurrency:        5,
				KeepCompletedAge:   Duration(defaultKeepCompletedAge),
				KeepCompletedCount: 1000,
				KeepFailedAge:      Duration(defaultKeepFailedAge),
			},
			Cleanup: QueuePolicy{
				Attempts:           1,
				Backoff:            BackoffNone,
				Concurrency:        1,
				KeepCompletedAge:   Duration(defaultKeepCompletedAge),
				KeepCompletedCount: 100,
				KeepFailedAge:      Duration(defaultKeepFailedAge),
			},
			Zip: QueuePolicy{
				Attempts:           3,
				Backoff:            BackoffExponential,
				BackoffDelay:       Duration(5 * time.Second),
				Concurrency:        2,
				KeepCompletedAge:   Duration(defaultKeepCompletedAge),
				KeepCompletedCount: 100,
				KeepFailedAge:      Duration(defaultKeepFailedAge),
			},
		},
		Sweep: Sweep{
			Enabled:  true,
			MaxAge:   Duration(defaultSweepMaxAge),
			Interval: Duration(defaultSweepInterval),
		},
		Workflow: Workflow{
			PollInterval:    Duration(defaultPollInterval),
			StalledInterval: Duration(defaultStalledInterval),
			Lease:           Duration(defaultLease),
			ShutdownTimeout: Duration(defaultShutdownTimeout),
		},
		Materials: Materials{
			Driver:       MaterialsStatic,
			CacheSize:    defaultMaterialsCache,
			QueryTimeout: Duration(defaultMaterialsTimeout),
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
