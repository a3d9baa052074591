package engine

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// CircuitBreaker keeps an independent breaker per key, usually
// "operation:channel". State transitions: closed → open → half-open → closed
//
// - Closed: Normal operation. Failures are counted.
// - Open: Requests are rejected until the cooldown expires.
// - Half-Open: One probe is allowed. Success → closed, failure → open.
//
// State lives in process memory and starts closed after a restart.
type CircuitBreaker struct {
	mu               sync.Mutex
	breakers         map[string]*breaker
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

type breaker struct {
	state      string
	failures   int
	retryAfter time.Time
	lastFailed time.Time
}

// CircuitBreakerState is a snapshot of one key's breaker.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
	RetryAfter   string `json:"retry_after,omitempty"`
}

// NewCircuitBreaker creates a breaker registry. A threshold or cooldown of
// zero selects the defaults (5 failures, 30s).
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		breakers:         make(map[string]*breaker),
		logger:           logger,
		failureThreshold: threshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

func (cb *CircuitBreaker) get(key string) *breaker {
	b, ok := cb.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		cb.breakers[key] = b
	}
	return b
}

// AllowRequest checks if a call for this key may proceed.
// Returns the current state and whether the request should proceed.
func (cb *CircuitBreaker) AllowRequest(key string) (string, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[key]
	if !ok {
		return StateClosed, true
	}

	now := cb.now()
	switch b.state {
	case StateOpen, StateHalfOpen:
		if now.Before(b.retryAfter) {
			return b.state, false
		}
		// Admit one probe; a second caller waits for the probe window to lapse.
		b.state = StateHalfOpen
		b.retryAfter = now.Add(cb.cooldownPeriod)
		cb.logger.Info("circuit breaker half-open", "key", key)
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// RecordSuccess resets the key's breaker to closed.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[key]
	if !ok {
		return
	}

	if b.state != StateClosed {
		cb.logger.Info("circuit breaker closed (recovered)", "key", key)
	}
	b.state = StateClosed
	b.failures = 0
	b.retryAfter = time.Time{}
}

// RecordFailure counts a failure and opens the breaker once the threshold is reached.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(key)
	now := cb.now()
	b.failures++
	b.lastFailed = now

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.retryAfter = now.Add(cb.cooldownPeriod)
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)", "key", key)
	case b.state == StateClosed && b.failures >= cb.failureThreshold:
		b.state = StateOpen
		b.retryAfter = now.Add(cb.cooldownPeriod)
		cb.logger.Warn("circuit breaker opened",
			"key", key,
			"failures", b.failures,
			"threshold", cb.failureThreshold,
		)
	}
}

// GetState returns a snapshot of the breaker for key.
func (cb *CircuitBreaker) GetState(key string) CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[key]
	if !ok {
		return CircuitBreakerState{State: StateClosed}
	}

	result := CircuitBreakerState{State: b.state, Failures: b.failures}
	if !b.lastFailed.IsZero() {
		result.LastFailedAt = b.lastFailed.Format(time.RFC3339)
	}
	if b.state != StateClosed {
		result.RetryAfter = b.retryAfter.Format(time.RFC3339)
	}
	return result
}

