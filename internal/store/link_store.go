package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/jackc/pgx/v5"
)

const linkColumns = `id, instance_id, channel_id, remote_poll_id, status, votes_by_option, total_votes, created_at, updated_at`

func scanLink(row pgx.Row) (*domain.ChannelLink, error) {
	var (
		l     domain.ChannelLink
		votes []byte
	)
	err := row.Scan(
		&l.ID, &l.InstanceID, &l.ChannelID, &l.RemotePollID, &l.Status,
		&votes, &l.TotalVotes, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.VotesByOption = map[int]int{}
	if err := json.Unmarshal(votes, &l.VotesByOption); err != nil {
		return nil, fmt.Errorf("decoding votes of link %s: %w", l.ID, err)
	}
	return &l, nil
}

// CreateLink inserts a link and fills in its timestamps.
func (s *PostgresStore) CreateLink(ctx context.Context, link *domain.ChannelLink) error {
	votes, err := json.Marshal(link.VotesByOption)
	if err != nil {
		return fmt.Errorf("encoding votes: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO poll_channel_links (id, instance_id, channel_id, remote_poll_id, status, votes_by_option, total_votes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, link.ID, link.InstanceID, link.ChannelID, link.RemotePollID, link.Status, votes, link.TotalVotes).Scan(
		&link.CreatedAt, &link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting link: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLinks(ctx context.Context, instanceID string) ([]domain.ChannelLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM poll_channel_links
		WHERE instance_id = $1
		ORDER BY created_at, id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()

	links := []domain.ChannelLink{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating links: %w", err)
	}
	return links, nil
}

// FindLink returns the link of channelID on instanceID, or nil.
func (s *PostgresStore) FindLink(ctx context.Context, instanceID, channelID string) (*domain.ChannelLink, error) {
	l, err := scanLink(s.pool.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM poll_channel_links
		WHERE instance_id = $1 AND channel_id = $2
	`, instanceID, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying link: %w", err)
	}
	return l, nil
}

// UpdateLinkVotes writes the link's counts and status. The write only lands
// while the owning instance is running; it reports false otherwise.
func (s *PostgresStore) UpdateLinkVotes(ctx context.Context, link *domain.ChannelLink) (bool, error) {
	votes, err := json.Marshal(link.VotesByOption)
	if err != nil {
		return false, fmt.Errorf("encoding votes: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE poll_channel_links l
		SET votes_by_option = $2, total_votes = $3, status = $4, updated_at = NOW()
		FROM poll_instances p
		WHERE l.id = $1 AND p.id = l.instance_id AND p.status = 'running'
	`, link.ID, votes, link.TotalVotes, link.Status)
	if err != nil {
		return false, fmt.Errorf("updating link votes: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateLinkStatus(ctx context.Context, linkID string, status domain.LinkStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE poll_channel_links SET status = $2, updated_at = NOW() WHERE id = $1
	`, linkID, status)
	if err != nil {
		return fmt.Errorf("updating link status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLink(ctx context.Context, linkID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM poll_channel_links WHERE id = $1`, linkID); err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}
	return nil
}
