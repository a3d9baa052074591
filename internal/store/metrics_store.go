package store

import (
	"context"
	"fmt"
)

// Metrics holds aggregated engine statistics.
type Metrics struct {
	RunningPolls       int     `json:"running_polls"`
	ActiveChannels     int     `json:"active_channels"`
	RetryEvents        int     `json:"retry_events"`
	RetrySuccessCount  int     `json:"retry_success_count"`
	RetryFailureCount  int     `json:"retry_failure_count"`
	CircuitOpenCount   int     `json:"circuit_open_count"`
	RetrySuccessRate   float64 `json:"retry_success_rate"`
	AvgRetryDurationMs float64 `json:"avg_retry_duration_ms"`
}

// GetMetrics returns aggregated statistics over the last 24 hours of retry
// events plus current poll and channel counts.
func (s *PostgresStore) GetMetrics(ctx context.Context) (*Metrics, error) {
	var m Metrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = 'success') AS success,
			COUNT(*) FILTER (WHERE outcome = 'failure') AS failure,
			COUNT(*) FILTER (WHERE outcome = 'circuit_open') AS circuit_open,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM retry_events
		WHERE created_at > NOW() - INTERVAL '24 hours'
	`).Scan(&m.RetryEvents, &m.RetrySuccessCount, &m.RetryFailureCount, &m.CircuitOpenCount, &m.AvgRetryDurationMs)
	if err != nil {
		return nil, fmt.Errorf("querying retry metrics: %w", err)
	}

	if m.RetryEvents > 0 {
		m.RetrySuccessRate = float64(m.RetrySuccessCount) / float64(m.RetryEvents) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM poll_instances WHERE status = 'running'
	`).Scan(&m.RunningPolls)
	if err != nil {
		return nil, fmt.Errorf("querying running polls: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM channels WHERE is_active = true
	`).Scan(&m.ActiveChannels)
	if err != nil {
		return nil, fmt.Errorf("querying active channels: %w", err)
	}

	return &m, nil
}
