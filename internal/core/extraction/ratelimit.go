package extraction

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harvester/internal/platform/clock"
)

const rateWindow = time.Hour

// RateLimiter enforces an hourly request budget plus a minimum spacing
// between consecutive calls to the external source.
type RateLimiter struct {
	mu              sync.Mutex
	clock           clock.Clock
	requestsPerHour int
	cooldown        time.Duration
	spacing         *rate.Limiter
	jitter          func(cooldown time.Duration) time.Duration
	state           RateLimitState
}

type RateLimiterOption func(*RateLimiter)

// WithJitter replaces the random jitter added on top of the cooldown wait.
func WithJitter(fn func(cooldown time.Duration) time.Duration) RateLimiterOption {
	return func(r *RateLimiter) { r.jitter = fn }
}

func NewRateLimiter(c clock.Clock, requestsPerHour int, cooldown time.Duration, opts ...RateLimiterOption) *RateLimiter {
	if c == nil {
		c = clock.Real()
	}
	limit := rate.Inf
	if cooldown > 0 {
		limit = rate.Every(cooldown)
	}
	r := &RateLimiter{
		clock:           c,
		requestsPerHour: requestsPerHour,
		cooldown:        cooldown,
		spacing:         rate.NewLimiter(limit, 1),
		jitter:          defaultJitter,
		state:           RateLimitState{WindowStartedAt: c.Now()},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// defaultJitter adds up to a fifth of the cooldown, capped at 1.5s, so
// consecutive calls never land on a perfectly periodic schedule.
func defaultJitter(cooldown time.Duration) time.Duration {
	maxJitter := cooldown / 5
	if maxJitter > 1500*time.Millisecond {
		maxJitter = 1500 * time.Millisecond
	}
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxJitter)))
}

// Wait blocks until the caller may issue one request and then charges it
// against the budget. Call it once per network attempt, retries included.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.clock.Now()
		if now.Sub(r.state.WindowStartedAt) >= rateWindow {
			r.state.RequestCount = 0
			r.state.WindowStartedAt = now
		}
		if r.state.RequestCount >= r.requestsPerHour {
			wait := r.state.WindowStartedAt.Add(rateWindow).Sub(now)
			r.mu.Unlock()
			if err := clock.Sleep(ctx, r.clock, wait); err != nil {
				return err
			}
			continue
		}

		// Reserving from the spacing limiter claims the next free slot even
		// when several workers arrive together.
		delay := r.spacing.ReserveN(now, 1).DelayFrom(now)
		if delay > 0 {
			delay += r.jitter(r.cooldown)
		}
		r.state.RequestCount++
		r.state.LastRequestAt = now.Add(delay)
		r.mu.Unlock()

		return clock.Sleep(ctx, r.clock, delay)
	}
}

// State returns a copy of the current budget counters.
func (r *RateLimiter) State() RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
