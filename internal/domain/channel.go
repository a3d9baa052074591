package domain

import "time"

// Broadcaster types reported by the provider.
const (
	BroadcasterPartner   = "partner"
	BroadcasterAffiliate = "affiliate"
)

type Channel struct {
	ID              string     `json:"id"`
	ProviderUserID  string     `json:"provider_user_id"`
	Login           string     `json:"login"`
	BroadcasterType string     `json:"broadcaster_type"`
	ProfileImageURL string     `json:"profile_image_url,omitempty"`
	AccessTokenEnc  []byte     `json:"-"`
	RefreshTokenEnc []byte     `json:"-"`
	IsActive        bool       `json:"is_active"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NativePollCapable reports whether the channel's tier supports the
// provider's built-in poll primitive.
func (c *Channel) NativePollCapable() bool {
	return c.BroadcasterType == BroadcasterPartner || c.BroadcasterType == BroadcasterAffiliate
}

// LinkStatus is the local status of a per-channel remote poll.
type LinkStatus string

const (
	LinkCreated    LinkStatus = "created"
	LinkRunning    LinkStatus = "running"
	LinkCompleted  LinkStatus = "completed"
	LinkTerminated LinkStatus = "terminated"
)

// ChannelLink binds one poll instance to one channel's remote poll.
type ChannelLink struct {
	ID            string      `json:"id"`
	InstanceID    string      `json:"instance_id"`
	ChannelID     string      `json:"channel_id"`
	RemotePollID  *string     `json:"remote_poll_id,omitempty"`
	Status        LinkStatus  `json:"status"`
	VotesByOption map[int]int `json:"votes_by_option"`
	TotalVotes    int         `json:"total_votes"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SetVotes replaces the per-option counts with votes[i] for option i,
// ignoring indices outside [0, optionCount). TotalVotes is recomputed.
func (l *ChannelLink) SetVotes(votes []int, optionCount int) {
	l.VotesByOption = make(map[int]int, optionCount)
	l.TotalVotes = 0
	for i, v := range votes {
		if i >= optionCount {
			break
		}
		if v < 0 {
			v = 0
		}
		l.VotesByOption[i] = v
		l.TotalVotes += v
	}
}

// Done reports whether the remote poll has stopped accepting votes.
func (l *ChannelLink) Done() bool {
	return l.Status == LinkCompleted || l.Status == LinkTerminated
}
