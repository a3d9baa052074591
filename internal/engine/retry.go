package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrInvalidOptions = errors.New("invalid retry options")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrThrottled marks a failure caused by local request pacing rather
	// than the remote side. It is retried but never counts against the
	// breaker.
	ErrThrottled = errors.New("throttled by local rate limit")
)

const (
	MaxRetriesLimit   = 10
	MaxAttemptTimeout = 120 * time.Second
)

// Outcome is the result of a single attempt: success carrying data, or a
// failure carrying an HTTP-like status, an error and an optional Retry-After
// hint. A failure with status 0 is a transport error and is always retryable.
type Outcome[T any] struct {
	ok         bool
	data       T
	statusCode int
	err        error
	retryAfter time.Duration
}

// Succeeded wraps a successful attempt.
func Succeeded[T any](data T) Outcome[T] {
	return Outcome[T]{ok: true, data: data}
}

// Failed wraps a failed attempt.
func Failed[T any](statusCode int, err error, retryAfter time.Duration) Outcome[T] {
	if err == nil {
		err = fmt.Errorf("request failed with status %d", statusCode)
	}
	return Outcome[T]{statusCode: statusCode, err: err, retryAfter: retryAfter}
}

// Operation performs one attempt of an outbound call.
type Operation[T any] func(ctx context.Context) Outcome[T]

// Options configures one Execute call.
type Options struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Exponential       bool
	RetryableStatuses []int
	AttemptTimeout    time.Duration

	// BreakerKey enables circuit breaking when non-empty.
	BreakerKey string

	Service    string
	Operation  string
	InstanceID string
	ChannelID  string
	Metadata   map[string]string
}

// DefaultProviderOptions retries rate limits and transient 5xx responses.
func DefaultProviderOptions(operation, breakerKey string) Options {
	return Options{
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponential: true,
		RetryableStatuses: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		AttemptTimeout: 10 * time.Second,
		BreakerKey:     breakerKey,
		Service:        "poll_provider",
		Operation:      operation,
	}
}

// Validate checks the option bounds; it never touches the network.
func (o Options) Validate() error {
	if o.MaxRetries < 0 || o.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%w: max retries must be 0-%d, got %d", ErrInvalidOptions, MaxRetriesLimit, o.MaxRetries)
	}
	if o.BaseDelay < 0 || o.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidOptions)
	}
	if o.RetryableStatuses == nil {
		return fmt.Errorf("%w: retryable statuses must be an explicit list", ErrInvalidOptions)
	}
	if o.AttemptTimeout < 0 || o.AttemptTimeout > MaxAttemptTimeout {
		return fmt.Errorf("%w: attempt timeout must be 0-%s", ErrInvalidOptions, MaxAttemptTimeout)
	}
	return nil
}

// ResultKind classifies how Execute finished.
type ResultKind string

const (
	KindSuccess        ResultKind = "success"
	KindNonRetryable   ResultKind = "non_retryable"
	KindExhausted      ResultKind = "exhausted"
	KindCircuitOpen    ResultKind = "circuit_open"
	KindInvalidOptions ResultKind = "invalid_options"
)

// Result is the terminal outcome of Execute.
type Result[T any] struct {
	Kind       ResultKind
	Data       T
	Attempts   int
	Duration   time.Duration
	StatusCode int
	Err        error
	Details    []domain.RetryAttempt
}

// OK reports whether an attempt succeeded.
func (r Result[T]) OK() bool {
	return r.Kind == KindSuccess
}

// EventRecorder persists retry events.
type EventRecorder interface {
	RecordRetryEvent(ctx context.Context, event domain.RetryEvent) error
}

// Executor runs outbound calls through breaker gating, timeouts and retries.
// It owns the process-wide breaker state.
type Executor struct {
	breakers *CircuitBreaker
	events   EventRecorder
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. events may be nil.
func NewExecutor(breakers *CircuitBreaker, events EventRecorder, logger *slog.Logger) *Executor {
	return &Executor{
		breakers: breakers,
		events:   events,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// BreakerState exposes the breaker snapshot for key.
func (ex *Executor) BreakerState(key string) CircuitBreakerState {
	if ex.breakers == nil {
		return CircuitBreakerState{State: StateClosed}
	}
	return ex.breakers.GetState(key)
}

// Execute runs op until it succeeds, fails with a non-retryable status, or
// opts.MaxRetries retries are spent. A cancelled ctx ends the loop early.
func Execute[T any](ctx context.Context, ex *Executor, opts Options, op Operation[T]) Result[T] {
	var res Result[T]
	if err := opts.Validate(); err != nil {
		res.Kind = KindInvalidOptions
		res.Err = err
		return res
	}

	start := ex.now()
	useBreaker := opts.BreakerKey != "" && ex.breakers != nil

	if useBreaker {
		if _, allowed := ex.breakers.AllowRequest(opts.BreakerKey); !allowed {
			res.Kind = KindCircuitOpen
			res.Err = fmt.Errorf("%w: %s", ErrCircuitOpen, opts.BreakerKey)
			finish(ctx, ex, opts, &res, start)
			return res
		}
	}

	var (
		lastStatus int
		lastHint   time.Duration
	)

	for i := 0; i <= opts.MaxRetries; i++ {
		var delay time.Duration
		honored := false

		if i > 0 {
			var hint time.Duration
			if lastStatus == http.StatusTooManyRequests && lastHint > 0 {
				hint = lastHint
				honored = true
			}
			delay = Calculate(i-1, opts.BaseDelay, opts.MaxDelay, opts.Exponential, hint)
			if err := ex.sleep(ctx, delay); err != nil {
				res.Err = err
				break
			}
		}

		out := runAttempt(ctx, opts.AttemptTimeout, op)
		res.Attempts++

		detail := domain.RetryAttempt{
			Attempt:     i + 1,
			StatusCode:  out.statusCode,
			DelayMs:     delay.Milliseconds(),
			HintHonored: honored,
		}
		if out.err != nil {
			detail.Error = out.err.Error()
		}
		res.Details = append(res.Details, detail)

		if out.ok {
			if useBreaker {
				ex.breakers.RecordSuccess(opts.BreakerKey)
			}
			res.Kind = KindSuccess
			res.Data = out.data
			res.StatusCode = 0
			res.Err = nil
			finish(ctx, ex, opts, &res, start)
			return res
		}

		res.StatusCode = out.statusCode
		res.Err = out.err

		if out.statusCode != 0 && !slices.Contains(opts.RetryableStatuses, out.statusCode) {
			res.Kind = KindNonRetryable
			finish(ctx, ex, opts, &res, start)
			return res
		}

		if useBreaker && !errors.Is(out.err, ErrThrottled) {
			ex.breakers.RecordFailure(opts.BreakerKey)
		}
		lastStatus = out.statusCode
		lastHint = out.retryAfter
	}

	res.Kind = KindExhausted
	finish(ctx, ex, opts, &res, start)
	return res
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op Operation[T]) Outcome[T] {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome[T], 1)
	go func() {
		done <- op(attemptCtx)
	}()

	select {
	case out := <-done:
		return out
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return Failed[T](0, ctx.Err(), 0)
		}
		return Failed[T](0, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout), 0)
	}
}

// finish stamps the duration, logs, and records every outcome except a
// first-attempt success.
func finish[T any](ctx context.Context, ex *Executor, opts Options, res *Result[T], start time.Time) {
	res.Duration = ex.now().Sub(start)

	if res.Kind == KindSuccess && res.Attempts <= 1 {
		return
	}

	outcome := domain.RetryOutcomeFailure
	switch res.Kind {
	case KindSuccess:
		outcome = domain.RetryOutcomeSuccess
		ex.logger.Info("call succeeded after retry",
			"operation", opts.Operation,
			"breaker_key", opts.BreakerKey,
			"attempts", res.Attempts,
		)
	case KindCircuitOpen:
		outcome = domain.RetryOutcomeCircuitOpen
		ex.logger.Warn("call skipped, circuit open",
			"operation", opts.Operation,
			"breaker_key", opts.BreakerKey,
		)
	default:
		ex.logger.Warn("call failed",
			"operation", opts.Operation,
			"breaker_key", opts.BreakerKey,
			"result", res.Kind,
			"attempts", res.Attempts,
			"status_code", res.StatusCode,
			"error", res.Err,
		)
	}

	if ex.events == nil {
		return
	}

	details := res.Details
	if details == nil {
		details = []domain.RetryAttempt{}
	}

	event := domain.RetryEvent{
		ID:            uuid.NewString(),
		Service:       opts.Service,
		Operation:     opts.Operation,
		BreakerKey:    opts.BreakerKey,
		Outcome:       outcome,
		Attempts:      res.Attempts,
		DurationMs:    res.Duration.Milliseconds(),
		AttemptDetail: details,
		InstanceID:    opts.InstanceID,
		ChannelID:     opts.ChannelID,
		Metadata:      opts.Metadata,
		CreatedAt:     ex.now(),
	}
	if err := ex.events.RecordRetryEvent(context.WithoutCancel(ctx), event); err != nil {
		ex.logger.Error("failed to record retry event",
			"error", err,
			"operation", opts.Operation,
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
