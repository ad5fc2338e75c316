package workflow

import (
	"context"

	"vectorflow/internal/logging"
	"vectorflow/internal/queue"
	"vectorflow/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running      bool           `json:"running"`
	Concurrency  int            `json:"concurrency"`
	InFlight     int            `json:"in_flight"`
	Processed    int64          `json:"processed"`
	Succeeded    int64          `json:"succeeded"`
	Retried      int64          `json:"retried"`
	Failed       int64          `json:"failed"`
	LastError    string         `json:"last_error,omitempty"`
	LastWorkItem string         `json:"last_work_item,omitempty"`
	QueueStats   queue.Stats    `json:"queue"`
	StageHealth  []stage.Health `json:"stage_health"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:      m.running,
		Processed:    m.counters.processed,
		Succeeded:    m.counters.succeeded,
		Retried:      m.counters.retried,
		Failed:       m.counters.failed,
		LastWorkItem: m.lastItem,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	summary.Concurrency = m.pool.Cap()
	summary.InFlight = m.inflight.Len()
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats",
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_stats_failed"),
		)
	}
	summary.QueueStats = stats
	summary.StageHealth = m.stages.Health(ctx)
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) count(update func(*counters), workItemID string) {
	m.mu.Lock()
	update(&m.counters)
	m.lastItem = workItemID
	m.mu.Unlock()
}
