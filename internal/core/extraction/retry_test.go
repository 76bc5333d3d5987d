package extraction_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/platform/clock"
)

func newExecutor() *extraction.RetryExecutor {
	return extraction.NewRetryExecutor(clock.Real(), logger.Nop())
}

// failing returns an operation that fails n times with err and then succeeds.
func failing(n int, err error, calls *int32) extraction.Operation {
	return func(context.Context) error {
		if int(atomic.AddInt32(calls, 1)) <= n {
			return err
		}
		return nil
	}
}

func TestRetryExecutor_Run(t *testing.T) {
	t.Parallel()

	navErr := errors.New("net::ERR_CONNECTION_RESET")

	t.Run("succeeds after r failures with r+1 calls", func(t *testing.T) {
		t.Parallel()
		for r := 0; r <= 3; r++ {
			var calls int32
			attempts, err := newExecutor().Run(context.Background(),
				extraction.RetryPolicy{MaxRetries: 3, PerCallTimeout: time.Second},
				failing(r, navErr, &calls))
			require.NoError(t, err)
			assert.Equal(t, int32(r+1), calls)
			assert.Equal(t, r+1, attempts)
		}
	})

	t.Run("gives up after maxRetries+1 calls", func(t *testing.T) {
		t.Parallel()
		var calls int32
		attempts, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{MaxRetries: 2, PerCallTimeout: time.Second},
			failing(5, navErr, &calls))
		require.Error(t, err)
		assert.Equal(t, int32(3), calls)
		assert.Equal(t, 3, attempts)

		var ce *extraction.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, extraction.CodeNavigation, ce.Code)
	})

	t.Run("timeout on a url with a status-like id is retried", func(t *testing.T) {
		t.Parallel()
		var calls int32
		timeoutErr := errors.New("goto https://site.example/jobs/14031: timeout: Timeout 10000ms exceeded.")
		attempts, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{MaxRetries: 3, PerCallTimeout: time.Second},
			failing(10, timeoutErr, &calls))
		require.Error(t, err)
		assert.Equal(t, int32(4), calls)
		assert.Equal(t, 4, attempts)

		var ce *extraction.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, extraction.CodeTimeout, ce.Code)
	})

	t.Run("security check is attempted once", func(t *testing.T) {
		t.Parallel()
		var calls int32
		attempts, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{MaxRetries: 10, PerCallTimeout: time.Second},
			failing(100, errors.New("captcha challenge"), &calls))
		require.Error(t, err)
		assert.Equal(t, int32(1), calls)
		assert.Equal(t, 1, attempts)
	})

	t.Run("hung call times out as recoverable", func(t *testing.T) {
		t.Parallel()
		var calls int32
		attempts, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{MaxRetries: 1, PerCallTimeout: 20 * time.Millisecond},
			func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		var ce *extraction.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, extraction.CodeTimeout, ce.Code)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("panic is classified as general", func(t *testing.T) {
		t.Parallel()
		_, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{MaxRetries: 0, PerCallTimeout: time.Second},
			func(context.Context) error { panic("boom") })
		var ce *extraction.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, extraction.CodeGeneral, ce.Code)
	})

	t.Run("throttle runs before every attempt", func(t *testing.T) {
		t.Parallel()
		var calls, throttled int32
		_, err := newExecutor().Run(context.Background(),
			extraction.RetryPolicy{
				MaxRetries:     2,
				PerCallTimeout: time.Second,
				Throttle: func(context.Context) error {
					atomic.AddInt32(&throttled, 1)
					return nil
				},
			},
			failing(2, navErr, &calls))
		require.NoError(t, err)
		assert.Equal(t, int32(3), throttled)
	})

	t.Run("backoff sleeps on the clock", func(t *testing.T) {
		t.Parallel()
		fake := clock.NewFake(time.Now())
		exec := extraction.NewRetryExecutor(fake, logger.Nop())
		var delays []time.Duration
		exec.OnRetry = func(_ int, _ *extraction.Error, d time.Duration) { delays = append(delays, d) }

		var calls int32
		done := make(chan error, 1)
		go func() {
			_, err := exec.Run(context.Background(),
				extraction.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, PerCallTimeout: time.Second},
				failing(2, navErr, &calls))
			done <- err
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := 0; i < 2; i++ {
			require.NoError(t, fake.BlockUntil(ctx, 1))
			fake.Advance(2 * time.Second)
		}
		require.NoError(t, <-done)
		require.Len(t, delays, 2)
		assert.InDelta(t, float64(time.Second), float64(delays[0]), float64(100*time.Millisecond))
		assert.InDelta(t, float64(1500*time.Millisecond), float64(delays[1]), float64(150*time.Millisecond))
	})
}

func TestRetryExecutor_Backoff(t *testing.T) {
	t.Parallel()

	exec := newExecutor()
	for attempt := 1; attempt <= 4; attempt++ {
		want := float64(2*time.Second) * pow15(attempt-1)
		got := float64(exec.Backoff(2*time.Second, attempt))
		assert.GreaterOrEqual(t, got, want*0.9)
		assert.LessOrEqual(t, got, want*1.1)
	}
	assert.Zero(t, exec.Backoff(0, 3))
}

func pow15(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 1.5
	}
	return v
}

func TestDo_ReturnsValue(t *testing.T) {
	t.Parallel()

	var calls int32
	v, attempts, err := extraction.Do(context.Background(), newExecutor(),
		extraction.RetryPolicy{MaxRetries: 2, PerCallTimeout: time.Second},
		func(context.Context) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return "", errors.New("503 service unavailable")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}
