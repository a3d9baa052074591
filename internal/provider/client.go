package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
)

const maxResponseBytes = 1 << 20

// Limiter paces requests per channel.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	Window() time.Duration
}

// Client talks to the provider's poll API (Helix style: bearer token plus
// Client-Id header, responses wrapped in {"data": [...]}).
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	limiter    Limiter
	logger     *slog.Logger
}

// NewClient creates a client. limiter may be nil.
func NewClient(baseURL, clientID string, limiter Limiter, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:  baseURL,
		clientID: clientID,
		limiter:  limiter,
		logger:   logger,
	}
}

type createPollBody struct {
	BroadcasterID              string        `json:"broadcaster_id"`
	Title                      string        `json:"title"`
	Choices                    []choiceTitle `json:"choices"`
	Duration                   int           `json:"duration"`
	ChannelPointsVotingEnabled bool          `json:"channel_points_voting_enabled,omitempty"`
	ChannelPointsPerVote       int           `json:"channel_points_per_vote,omitempty"`
}

type choiceTitle struct {
	Title string `json:"title"`
}

type endPollBody struct {
	BroadcasterID string `json:"broadcaster_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
}

type envelope[T any] struct {
	Data []T `json:"data"`
}

type errorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// CreatePoll opens a poll on broadcasterID's channel.
func (c *Client) CreatePoll(ctx context.Context, broadcasterID, token string, req CreatePollRequest) (*Poll, error) {
	body := createPollBody{
		BroadcasterID:              broadcasterID,
		Title:                      req.Title,
		Duration:                   req.DurationSeconds,
		ChannelPointsVotingEnabled: req.ChannelPointsVotingEnabled,
		ChannelPointsPerVote:       req.ChannelPointsPerVote,
	}
	for _, choice := range req.Choices {
		body.Choices = append(body.Choices, choiceTitle{Title: choice})
	}

	var env envelope[Poll]
	if err := c.do(ctx, http.MethodPost, "/polls", nil, broadcasterID, token, body, &env); err != nil {
		return nil, fmt.Errorf("creating poll: %w", err)
	}
	return singlePoll(env)
}

// GetPoll fetches the current state of one poll.
func (c *Client) GetPoll(ctx context.Context, broadcasterID, pollID, token string) (*Poll, error) {
	query := url.Values{}
	query.Set("broadcaster_id", broadcasterID)
	query.Set("id", pollID)

	var env envelope[Poll]
	if err := c.do(ctx, http.MethodGet, "/polls", query, broadcasterID, token, nil, &env); err != nil {
		return nil, fmt.Errorf("getting poll: %w", err)
	}
	return singlePoll(env)
}

// EndPoll ends a poll with StatusTerminated (results shown) or
// StatusArchived (results hidden).
func (c *Client) EndPoll(ctx context.Context, broadcasterID, pollID, token, status string) (*Poll, error) {
	if status != StatusTerminated && status != StatusArchived {
		return nil, fmt.Errorf("ending poll: unsupported status %q", status)
	}
	body := endPollBody{BroadcasterID: broadcasterID, ID: pollID, Status: status}

	var env envelope[Poll]
	if err := c.do(ctx, http.MethodPatch, "/polls", nil, broadcasterID, token, body, &env); err != nil {
		return nil, fmt.Errorf("ending poll: %w", err)
	}
	return singlePoll(env)
}

// GetUsers looks up account records for up to 100 provider user ids.
func (c *Client) GetUsers(ctx context.Context, token string, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	if len(ids) > 100 {
		return nil, fmt.Errorf("getting users: at most 100 ids per request, got %d", len(ids))
	}
	query := url.Values{}
	for _, id := range ids {
		query.Add("id", id)
	}

	var env envelope[User]
	if err := c.do(ctx, http.MethodGet, "/users", query, "", token, nil, &env); err != nil {
		return nil, fmt.Errorf("getting users: %w", err)
	}
	for _, u := range env.Data {
		if u.ID == "" {
			return nil, fmt.Errorf("getting users: %w: user id missing", ErrMalformedResponse)
		}
	}
	return env.Data, nil
}

func singlePoll(env envelope[Poll]) (*Poll, error) {
	if len(env.Data) != 1 {
		return nil, fmt.Errorf("%w: expected 1 poll, got %d", ErrMalformedResponse, len(env.Data))
	}
	p := env.Data[0]
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, limitKey, token string, in, out any) error {
	if c.limiter != nil && limitKey != "" && !c.limiter.Allow(ctx, limitKey) {
		return &APIError{
			StatusCode: http.StatusTooManyRequests,
			Message:    "local rate limit reached",
			RetryAfter: c.limiter.Window(),
			Err:        engine.ErrThrottled,
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("provider request",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"response_time_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header, time.Now()),
		}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil {
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// retryAfter reads Retry-After (seconds) or, failing that, Ratelimit-Reset
// (unix seconds at which the bucket refills).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}
