package extraction_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/platform/clock"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestRateLimiter_BlocksWhenHourlyBudgetIsSpent(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	rl := extraction.NewRateLimiter(fake, 3, 0, extraction.WithJitter(noJitter))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Equal(t, 3, rl.State().RequestCount)

	done := make(chan error, 1)
	go func() { done <- rl.Wait(ctx) }()

	require.NoError(t, fake.BlockUntil(ctx, 1))
	select {
	case <-done:
		t.Fatal("fourth call did not wait for the window to reset")
	default:
	}

	fake.Advance(time.Hour)
	require.NoError(t, <-done)

	st := rl.State()
	assert.Equal(t, 1, st.RequestCount)
	assert.Equal(t, start.Add(time.Hour), st.WindowStartedAt)
}

func TestRateLimiter_EnforcesCooldown(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	rl := extraction.NewRateLimiter(fake, 100, 2*time.Second, extraction.WithJitter(noJitter))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rl.Wait(ctx))

	done := make(chan error, 1)
	go func() { done <- rl.Wait(ctx) }()
	require.NoError(t, fake.BlockUntil(ctx, 1))

	fake.Advance(time.Second)
	select {
	case <-done:
		t.Fatal("second call ignored the cooldown")
	default:
	}
	fake.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, 2, rl.State().RequestCount)
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Now())
	rl := extraction.NewRateLimiter(fake, 1, 0)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Wait(ctx) }()
	require.NoError(t, fake.BlockUntil(context.Background(), 1))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
