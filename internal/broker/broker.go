// Package broker selects the job backend named in configuration and builds
// queues from the configured per-family policies.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"librarian/internal/config"
	"librarian/internal/queue"
	"librarian/internal/redisbroker"
	"librarian/internal/sqlitebroker"
)

// OpenBackend connects the configured backend. It returns nil, nil when the
// broker is disabled.
func OpenBackend(ctx context.Context, cfg *config.Config) (queue.Backend, error) {
	switch cfg.Broker.Driver {
	case config.BrokerRedis:
		store, err := redisbroker.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BrokerSQLite:
		store, err := sqlitebroker.Open(cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BrokerDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("broker.driver: unsupported value %q", cfg.Broker.Driver)
	}
}

// NewQueue returns a Broker over backend, or a Disabled queue when backend is nil.
func NewQueue(name string, backend queue.Backend, policy config.QueuePolicy, logger *slog.Logger) (queue.Queue, error) {
	if backend == nil {
		return queue.NewDisabled(name, logger), nil
	}
	return queue.New(name, backend, Options(policy), logger)
}

// Options converts a configured policy into default job options.
func Options(policy config.QueuePolicy) queue.Options {
	backoff := queue.Backoff{Type: queue.BackoffNone}
	switch policy.Backoff {
	case config.BackoffExponential:
		backoff = queue.Backoff{Type: queue.BackoffExponential, Delay: policy.BackoffDelay.Std()}
	case config.BackoffFixed:
		backoff = queue.Backoff{Type: queue.BackoffFixed, Delay: policy.BackoffDelay.Std()}
	}
	return queue.Options{
		Attempts: policy.Attempts,
		Backoff:  backoff,
		RemoveOnComplete: queue.Retention{
			Age:   policy.KeepCompletedAge.Std(),
			Count: policy.KeepCompletedCount,
		},
		RemoveOnFail: queue.Retention{
			Age: policy.KeepFailedAge.Std(),
		},
	}
}

// WorkerOptions combines the workflow timings with a queue's concurrency.
func WorkerOptions(cfg *config.Config, policy config.QueuePolicy) queue.WorkerOptions {
	return queue.WorkerOptions{
		Concurrency:     policy.Concurrency,
		Lease:           cfg.Workflow.Lease.Std(),
		PollInterval:    cfg.Workflow.PollInterval.Std(),
		StalledInterval: cfg.Workflow.StalledInterval.Std(),
	}
}
