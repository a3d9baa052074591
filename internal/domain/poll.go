package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PollStatus is the lifecycle state of a poll instance.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollRunning   PollStatus = "running"
	PollEnded     PollStatus = "ended"
	PollCancelled PollStatus = "cancelled"
)

// Provider limits for a native poll.
const (
	MinOptions         = 2
	MaxOptions         = 5
	MaxTitleLength     = 60
	MaxOptionLength    = 25
	MinDurationSeconds = 15
	MaxDurationSeconds = 1800
)

// IsTerminal reports whether no further transition is possible.
func (s PollStatus) IsTerminal() bool {
	return s == PollEnded || s == PollCancelled
}

// CanTransitionTo reports whether moving from s to next is legal:
// pending -> running -> ended, running -> cancelled.
func (s PollStatus) CanTransitionTo(next PollStatus) bool {
	switch s {
	case PollPending:
		return next == PollRunning
	case PollRunning:
		return next == PollEnded || next == PollCancelled
	default:
		return false
	}
}

// ChannelPoints configures optional channel-points voting on native polls.
type ChannelPoints struct {
	Enabled bool `json:"enabled"`
	PerVote int  `json:"per_vote"`
}

type PollInstance struct {
	ID              string         `json:"id"`
	CampaignID      *string        `json:"campaign_id,omitempty"`
	OwnerID         string         `json:"owner_id"`
	Title           string         `json:"title"`
	Options         []string       `json:"options"`
	DurationSeconds int            `json:"duration_seconds"`
	Status          PollStatus     `json:"status"`
	ChannelPoints   *ChannelPoints `json:"channel_points,omitempty"`
	FinalResults    *Aggregate     `json:"final_results,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}

// EndsAt returns the natural expiry time. Zero if the poll never started.
func (p *PollInstance) EndsAt() time.Time {
	if p.StartedAt == nil {
		return time.Time{}
	}
	return p.StartedAt.Add(time.Duration(p.DurationSeconds) * time.Second)
}

// Validate checks the instance against the provider's poll limits.
func (p *PollInstance) Validate() error {
	title := strings.TrimSpace(p.Title)
	if title == "" || utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidPoll, MaxTitleLength)
	}
	if len(p.Options) < MinOptions || len(p.Options) > MaxOptions {
		return fmt.Errorf("%w: need %d-%d options, got %d", ErrInvalidPoll, MinOptions, MaxOptions, len(p.Options))
	}
	for i, opt := range p.Options {
		opt = strings.TrimSpace(opt)
		if opt == "" || utf8.RuneCountInString(opt) > MaxOptionLength {
			return fmt.Errorf("%w: option %d must be 1-%d characters", ErrInvalidPoll, i, MaxOptionLength)
		}
	}
	if p.DurationSeconds < MinDurationSeconds || p.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("%w: duration must be %d-%d seconds", ErrInvalidPoll, MinDurationSeconds, MaxDurationSeconds)
	}
	if p.ChannelPoints != nil && p.ChannelPoints.Enabled && p.ChannelPoints.PerVote < 1 {
		return fmt.Errorf("%w: channel points per vote must be positive", ErrInvalidPoll)
	}
	return nil
}
