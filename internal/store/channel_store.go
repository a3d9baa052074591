package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/jackc/pgx/v5"
)

const channelColumns = `c.id, c.provider_user_id, c.login, c.broadcaster_type, c.profile_image_url,
	c.access_token_enc, c.refresh_token_enc, c.is_active, c.last_failure_at, c.updated_at`

func scanChannel(row pgx.Row) (*domain.Channel, error) {
	var c domain.Channel
	err := row.Scan(
		&c.ID, &c.ProviderUserID, &c.Login, &c.BroadcasterType, &c.ProfileImageURL,
		&c.AccessTokenEnc, &c.RefreshTokenEnc, &c.IsActive, &c.LastFailureAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	c, err := scanChannel(s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	return c, nil
}

// ListTargetChannels returns the active channels a poll should reach: those
// of the campaign's members, or the owner's own channel without a campaign.
func (s *PostgresStore) ListTargetChannels(ctx context.Context, poll *domain.PollInstance) ([]domain.Channel, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if poll.CampaignID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+channelColumns+` FROM channels c
			JOIN campaign_memberships m ON m.user_id = c.user_id
			WHERE m.campaign_id = $1 AND c.is_active
			ORDER BY c.login
		`, *poll.CampaignID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+channelColumns+` FROM channels c
			WHERE c.user_id = $1 AND c.is_active
			ORDER BY c.login
		`, poll.OwnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying target channels: %w", err)
	}
	defer rows.Close()

	channels := []domain.Channel{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channels: %w", err)
	}
	return channels, nil
}

// UpdateChannelMetadata stores the broadcaster type and profile image most
// recently reported by the provider.
func (s *PostgresStore) UpdateChannelMetadata(ctx context.Context, id, broadcasterType, profileImageURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET broadcaster_type = $2, profile_image_url = $3, updated_at = NOW()
		WHERE id = $1
	`, id, broadcasterType, profileImageURL)
	if err != nil {
		return fmt.Errorf("updating channel metadata: %w", err)
	}
	return nil
}

// DeactivateChannel marks a channel whose credentials were rejected.
func (s *PostgresStore) DeactivateChannel(ctx context.Context, id string, failedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET is_active = false, last_failure_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, failedAt)
	if err != nil {
		return fmt.Errorf("deactivating channel: %w", err)
	}
	return nil
}

// UpdateTokens stores a refreshed token pair and reactivates a channel that
// was deactivated for rejected credentials.
func (s *PostgresStore) UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels SET access_token_enc = $2, refresh_token_enc = $3,
			is_active = true, last_failure_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, accessEnc, refreshEnc)
	if err != nil {
		return fmt.Errorf("updating channel tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating channel tokens: channel %s not found", id)
	}
	return nil
}
