package workflow

import (
	"context"
	"fmt"

	"librarian/internal/queue"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running       bool        `json:"running"`
	BrokerDriver  string      `json:"brokerDriver"`
	BrokerEnabled bool        `json:"brokerEnabled"`
	LastError     string      `json:"lastError,omitempty"`
	LastJob       *JobSummary `json:"lastJob,omitempty"`
}

// QueueStats holds the counts of one job family.
type QueueStats struct {
	Queue       string       `json:"queue"`
	Counts      queue.Counts `json:"counts"`
	Concurrency int          `json:"concurrency"`
}

// Status returns the latest workflow information.
func (m *Manager) Status() StatusSummary {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	summary := StatusSummary{
		Running:       running,
		BrokerDriver:  m.cfg.Broker.Driver,
		BrokerEnabled: m.cfg.BrokerEnabled(),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastJob != nil {
		copy := *m.lastJob
		summary.LastJob = &copy
	}
	return summary
}

// Stats returns job counts for every family in QueueNames order. A disabled
// broker reports zero counts.
func (m *Manager) Stats(ctx context.Context) ([]QueueStats, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	concurrency := map[string]int{
		QueueNames()[0]: m.cfg.Queues.Deletion.Concurrency,
		QueueNames()[1]: m.cfg.Queues.Cleanup.Concurrency,
		QueueNames()[2]: m.cfg.Queues.Zip.Concurrency,
	}
	out := make([]QueueStats, 0, len(conn.queues))
	for _, q := range conn.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s counts: %w", q.Name(), err)
		}
		out = append(out, QueueStats{Queue: q.Name(), Counts: counts, Concurrency: concurrency[q.Name()]})
	}
	return out, nil
}

// StatsByQueue adapts Stats for the metrics collector.
func (m *Manager) StatsByQueue(ctx context.Context) (map[string]queue.Counts, error) {
	stats, err := m.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]queue.Counts, len(stats))
	for _, s := range stats {
		out[s.Queue] = s.Counts
	}
	return out, nil
}
