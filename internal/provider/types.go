package provider

import (
	"errors"
	"fmt"
	"time"
)

// Remote poll statuses.
const (
	StatusActive     = "ACTIVE"
	StatusCompleted  = "COMPLETED"
	StatusTerminated = "TERMINATED"
	StatusArchived   = "ARCHIVED"
	StatusModerated  = "MODERATED"
	StatusInvalid    = "INVALID"
)

var ErrMalformedResponse = errors.New("malformed provider response")

type Choice struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Votes              int    `json:"votes"`
	ChannelPointsVotes int    `json:"channel_points_votes"`
}

// Poll is the provider's poll resource.
type Poll struct {
	ID                         string     `json:"id"`
	BroadcasterID              string     `json:"broadcaster_id"`
	Title                      string     `json:"title"`
	Choices                    []Choice   `json:"choices"`
	ChannelPointsVotingEnabled bool       `json:"channel_points_voting_enabled"`
	ChannelPointsPerVote       int        `json:"channel_points_per_vote"`
	Status                     string     `json:"status"`
	Duration                   int        `json:"duration"`
	StartedAt                  time.Time  `json:"started_at"`
	EndedAt                    *time.Time `json:"ended_at,omitempty"`
}

// Validate rejects responses that do not match the poll schema.
func (p *Poll) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: poll id missing", ErrMalformedResponse)
	}
	switch p.Status {
	case StatusActive, StatusCompleted, StatusTerminated, StatusArchived, StatusModerated, StatusInvalid:
	default:
		return fmt.Errorf("%w: unknown poll status %q", ErrMalformedResponse, p.Status)
	}
	for i, c := range p.Choices {
		if c.Votes < 0 {
			return fmt.Errorf("%w: choice %d has negative votes", ErrMalformedResponse, i)
		}
	}
	return nil
}

// Votes returns the vote count of each choice in order.
func (p *Poll) Votes() []int {
	votes := make([]int, len(p.Choices))
	for i, c := range p.Choices {
		votes[i] = c.Votes
	}
	return votes
}

// CreatePollRequest describes a poll to open on one channel.
type CreatePollRequest struct {
	Title                      string
	Choices                    []string
	DurationSeconds            int
	ChannelPointsVotingEnabled bool
	ChannelPointsPerVote       int
}

// User is the provider's account record for a channel.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	BroadcasterType string `json:"broadcaster_type"`
	ProfileImageURL string `json:"profile_image_url"`
}

// APIError is a non-2xx provider response, or a request refused before it
// was sent. Err, when set, is the underlying cause.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from err, or 0 for transport errors.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// RetryAfter extracts the provider's retry hint from err.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
