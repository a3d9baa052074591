package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/jackc/pgx/v5"
)

const pollColumns = `id, campaign_id::text, owner_id, title, options, duration_seconds, status,
	channel_points_enabled, channel_points_per_vote, final_results, created_at, started_at, ended_at`

func scanPoll(row pgx.Row) (*domain.PollInstance, error) {
	var (
		p            domain.PollInstance
		options      []byte
		cpEnabled    bool
		cpPerVote    *int
		finalResults []byte
	)
	err := row.Scan(
		&p.ID, &p.CampaignID, &p.OwnerID, &p.Title, &options, &p.DurationSeconds, &p.Status,
		&cpEnabled, &cpPerVote, &finalResults, &p.CreatedAt, &p.StartedAt, &p.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(options, &p.Options); err != nil {
		return nil, fmt.Errorf("decoding options of poll %s: %w", p.ID, err)
	}
	if cpEnabled {
		p.ChannelPoints = &domain.ChannelPoints{Enabled: true}
		if cpPerVote != nil {
			p.ChannelPoints.PerVote = *cpPerVote
		}
	}
	if len(finalResults) > 0 {
		var agg domain.Aggregate
		if err := json.Unmarshal(finalResults, &agg); err != nil {
			return nil, fmt.Errorf("decoding final results of poll %s: %w", p.ID, err)
		}
		p.FinalResults = &agg
	}
	return &p, nil
}

// GetPoll returns the instance or nil if it does not exist.
func (s *PostgresStore) GetPoll(ctx context.Context, id string) (*domain.PollInstance, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM poll_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying poll: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPollsByStatus(ctx context.Context, status domain.PollStatus) ([]domain.PollInstance, error) {
	return s.listPolls(ctx, `SELECT `+pollColumns+` FROM poll_instances WHERE status = $1 ORDER BY created_at`, status)
}

// ListRunningPollsByCampaign returns the running instances of one campaign.
func (s *PostgresStore) ListRunningPollsByCampaign(ctx context.Context, campaignID string) ([]domain.PollInstance, error) {
	return s.listPolls(ctx, `
		SELECT `+pollColumns+` FROM poll_instances
		WHERE campaign_id = $1 AND status = 'running'
		ORDER BY created_at
	`, campaignID)
}

func (s *PostgresStore) listPolls(ctx context.Context, query string, args ...any) ([]domain.PollInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying polls: %w", err)
	}
	defer rows.Close()

	polls := []domain.PollInstance{}
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning poll: %w", err)
		}
		polls = append(polls, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating polls: %w", err)
	}
	return polls, nil
}

// MarkPollRunning moves a pending instance to running. It reports false
// when the instance was not pending.
func (s *PostgresStore) MarkPollRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE poll_instances SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("marking poll running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPollEnded moves a running instance to ended and stores its final
// results. It reports false when the instance was not running.
func (s *PostgresStore) MarkPollEnded(ctx context.Context, id string, endedAt time.Time, final domain.Aggregate) (bool, error) {
	results, err := json.Marshal(final)
	if err != nil {
		return false, fmt.Errorf("encoding final results: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE poll_instances SET status = 'ended', ended_at = $2, final_results = $3
		WHERE id = $1 AND status = 'running'
	`, id, endedAt, results)
	if err != nil {
		return false, fmt.Errorf("marking poll ended: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPollCancelled moves a running instance to cancelled. It reports false
// when the instance was not running.
func (s *PostgresStore) MarkPollCancelled(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE poll_instances SET status = 'cancelled', ended_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, endedAt)
	if err != nil {
		return false, fmt.Errorf("marking poll cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
