package domain

import "time"

// Retry event outcomes.
const (
	RetryOutcomeSuccess     = "success"
	RetryOutcomeFailure     = "failure"
	RetryOutcomeCircuitOpen = "circuit_open"
)

type RetryAttempt struct {
	Attempt     int    `json:"attempt"`
	StatusCode  int    `json:"status_code,omitempty"`
	Error       string `json:"error,omitempty"`
	DelayMs     int64  `json:"delay_ms"`
	HintHonored bool   `json:"hint_honored"`
}

// RetryEvent is an append-only record of a retried or failed outbound call.
type RetryEvent struct {
	ID            string            `json:"id"`
	Service       string            `json:"service"`
	Operation     string            `json:"operation"`
	BreakerKey    string            `json:"breaker_key,omitempty"`
	Outcome       string            `json:"outcome"`
	Attempts      int               `json:"attempts"`
	DurationMs    int64             `json:"duration_ms"`
	AttemptDetail []RetryAttempt    `json:"attempt_detail"`
	InstanceID    string            `json:"instance_id,omitempty"`
	ChannelID     string            `json:"channel_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
