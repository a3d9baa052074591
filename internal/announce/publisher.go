package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel results are published on.
const DefaultChannel = "poll:results"

// Announcement is the message downstream consumers (chat bots, overlays on
// other hosts) receive when a poll closes.
type Announcement struct {
	PollID       string           `json:"poll_id"`
	CampaignID   *string          `json:"campaign_id,omitempty"`
	Title        string           `json:"title"`
	Options      []string         `json:"options"`
	Results      domain.Aggregate `json:"results"`
	Winners      []int            `json:"winners"`
	WasCancelled bool             `json:"was_cancelled"`
	AnnouncedAt  time.Time        `json:"announced_at"`
}

// Publisher announces closed polls over Redis pub/sub.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

func NewPublisher(client *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, logger: logger, now: time.Now}
}

func (p *Publisher) Channel() string {
	return p.channel
}

// Announce publishes the closing tally of poll.
func (p *Publisher) Announce(ctx context.Context, poll *domain.PollInstance, agg domain.Aggregate, wasCancelled bool) error {
	msg := Announcement{
		PollID:       poll.ID,
		CampaignID:   poll.CampaignID,
		Title:        poll.Title,
		Options:      poll.Options,
		Results:      agg,
		Winners:      Winners(agg),
		WasCancelled: wasCancelled,
		AnnouncedAt:  p.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}

	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publishing announcement: %w", err)
	}
	p.logger.Info("poll results announced",
		"instance_id", poll.ID,
		"was_cancelled", wasCancelled,
		"receivers", receivers,
	)
	return nil
}

// Winners returns the option indices with the highest count, in ascending
// order. No votes means no winners.
func Winners(agg domain.Aggregate) []int {
	winners := []int{}
	if agg.TotalVotes == 0 {
		return winners
	}
	best := 0
	for i := 0; i < len(agg.VotesByOption); i++ {
		v := agg.VotesByOption[i]
		switch {
		case v > best:
			best = v
			winners = []int{i}
		case v == best && v > 0:
			winners = append(winners, i)
		}
	}
	return winners
}
