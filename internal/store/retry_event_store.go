package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
)

// RecordRetryEvent appends one retry event. Events are never updated.
func (s *PostgresStore) RecordRetryEvent(ctx context.Context, event domain.RetryEvent) error {
	detail, err := json.Marshal(event.AttemptDetail)
	if err != nil {
		return fmt.Errorf("encoding attempt detail: %w", err)
	}
	var metadata []byte
	if len(event.Metadata) > 0 {
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO retry_events (id, service, operation, breaker_key, outcome, attempts, duration_ms,
			attempt_detail, instance_id, channel_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, event.ID, event.Service, event.Operation, nullable(event.BreakerKey), event.Outcome, event.Attempts,
		event.DurationMs, detail, nullable(event.InstanceID), nullable(event.ChannelID), metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting retry event: %w", err)
	}
	return nil
}

// ListRetryEvents returns the most recent events, optionally for one instance.
func (s *PostgresStore) ListRetryEvents(ctx context.Context, instanceID string, limit int) ([]domain.RetryEvent, error) {
	query := `SELECT id, service, operation, COALESCE(breaker_key, ''), outcome, attempts, duration_ms,
		attempt_detail, COALESCE(instance_id::text, ''), COALESCE(channel_id::text, ''), metadata, created_at
		FROM retry_events`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = $1`
		args = append(args, instanceID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retry events: %w", err)
	}
	defer rows.Close()

	events := []domain.RetryEvent{}
	for rows.Next() {
		var (
			e        domain.RetryEvent
			detail   []byte
			metadata []byte
		)
		err := rows.Scan(
			&e.ID, &e.Service, &e.Operation, &e.BreakerKey, &e.Outcome, &e.Attempts, &e.DurationMs,
			&detail, &e.InstanceID, &e.ChannelID, &metadata, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning retry event: %w", err)
		}
		if err := json.Unmarshal(detail, &e.AttemptDetail); err != nil {
			return nil, fmt.Errorf("decoding attempt detail of event %s: %w", e.ID, err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retry events: %w", err)
	}
	return events, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
