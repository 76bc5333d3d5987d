package extraction

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"harvester/internal/logger"
	"harvester/internal/platform/clock"
)

const backoffFactor = 1.5

// RetryPolicy bounds one RetryExecutor.Run call.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	PerCallTimeout time.Duration
	// Throttle runs before every attempt, outside the per-call timeout.
	// The controller passes RateLimiter.Wait here so retries consume budget.
	Throttle func(ctx context.Context) error
}

// Operation is one attempt against the external source.
type Operation func(ctx context.Context) error

// RetryExecutor runs an Operation with bounded exponential backoff.
// Non-recoverable failures short-circuit after the first attempt.
type RetryExecutor struct {
	clock  clock.Clock
	log    *logger.Logger
	jitter func() float64
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err *Error, delay time.Duration)
}

func NewRetryExecutor(c clock.Clock, log *logger.Logger) *RetryExecutor {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RetryExecutor{
		clock:  c,
		log:    log,
		jitter: func() float64 { return 0.9 + rand.Float64()*0.2 },
	}
}

// Backoff returns the wait before retry number attempt (1-based):
// base * 1.5^(attempt-1) * jitter, jitter in [0.9, 1.1].
func (e *RetryExecutor) Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	mult := math.Pow(backoffFactor, float64(attempt-1)) * e.jitter()
	return time.Duration(float64(base) * mult)
}

// Run invokes op until it succeeds, fails with a non-recoverable error, or
// MaxRetries retries are used up. It returns the number of attempts made and
// the last classified error.
func (e *RetryExecutor) Run(ctx context.Context, policy RetryPolicy, op Operation) (int, error) {
	var last *Error
	maxAttempts := policy.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if policy.Throttle != nil {
			if err := policy.Throttle(ctx); err != nil {
				return attempt - 1, err
			}
		}
		err := e.attempt(ctx, policy.PerCallTimeout, op)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		last = Classify(err)
		if !last.Recoverable() {
			e.log.LogWarnf("attempt %d failed with non-recoverable %s, not retrying: %s", attempt, last.Code, last.Message)
			return attempt, last
		}
		if attempt == maxAttempts {
			break
		}
		delay := e.Backoff(policy.BaseDelay, attempt)
		e.log.LogDebugf("attempt %d/%d failed (%s), retrying in %v", attempt, maxAttempts, last.Code, delay)
		if e.OnRetry != nil {
			e.OnRetry(attempt, last, delay)
		}
		if err := clock.Sleep(ctx, e.clock, delay); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, last
}

// attempt runs op under the per-call timeout. A hung call is abandoned once
// the timeout fires so one request cannot stall the executor.
func (e *RetryExecutor) attempt(ctx context.Context, timeout time.Duration, op Operation) (err error) {
	if timeout <= 0 {
		return e.safeCall(ctx, op)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.safeCall(callCtx, op) }()

	select {
	case err = <-done:
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return NewError(CodeTimeout, fmt.Sprintf("call exceeded %v", timeout), err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewError(CodeTimeout, fmt.Sprintf("call exceeded %v", timeout), callCtx.Err())
	}
}

func (e *RetryExecutor) safeCall(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeGeneral, fmt.Sprintf("operation panicked: %v", r), nil)
		}
	}()
	return op(ctx)
}

// Do is Run for operations that produce a value. Results from attempts that
// were abandoned on timeout are discarded.
func Do[T any](ctx context.Context, e *RetryExecutor, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		mu  sync.Mutex
		out T
	)
	attempts, err := e.Run(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out = v
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	return out, attempts, err
}
