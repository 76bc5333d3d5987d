package extraction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/mock"
	"harvester/internal/platform/clock"
)

// gate stops the run once checkpoints reaches stopAfter (0 = never).
type gate struct {
	mu          sync.Mutex
	checkpoints int
	stopAfter   int
	stop        chan struct{}
}

func newGate(stopAfter int) *gate { return &gate{stopAfter: stopAfter, stop: make(chan struct{})} }

func (g *gate) Checkpoint(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkpoints++
	if g.stopAfter > 0 && g.checkpoints >= g.stopAfter {
		return extraction.ErrStopped
	}
	return nil
}

func (g *gate) StopRequested() <-chan struct{} { return g.stop }

func TestPartition(t *testing.T) {
	t.Parallel()

	batches := extraction.Partition(mock.Items(7), 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Items, 3)
	assert.Len(t, batches[1].Items, 3)
	assert.Len(t, batches[2].Items, 1)
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
	}
	assert.Equal(t, "item-7", batches[2].Items[0].ID)

	assert.Empty(t, extraction.Partition(nil, 3))
	assert.Len(t, extraction.Partition(mock.Items(6), 3), 2)
}

func TestBatchScheduler_Run(t *testing.T) {
	t.Parallel()

	t.Run("processes every item in batch order", func(t *testing.T) {
		t.Parallel()
		var (
			mu        sync.Mutex
			processed []string
			started   []int
			stats     []extraction.BatchStats
		)
		s := extraction.NewBatchScheduler(clock.Real(), logger.Nop())
		err := s.Run(context.Background(), extraction.Plan{
			Batches:     extraction.Partition(mock.Items(5), 2),
			Concurrency: 1,
			Gate:        newGate(0),
			Process: func(_ context.Context, it extraction.WorkItem) bool {
				mu.Lock()
				defer mu.Unlock()
				processed = append(processed, it.ID)
				return it.ID != "item-4"
			},
			OnBatchStarted:   func(b extraction.Batch) { started = append(started, b.Index) },
			OnBatchCompleted: func(_ extraction.Batch, st extraction.BatchStats) { stats = append(stats, st) },
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"item-1", "item-2", "item-3", "item-4", "item-5"}, processed)
		assert.Equal(t, []int{0, 1, 2}, started)
		assert.Equal(t, extraction.BatchStats{Processed: 2, Succeeded: 1, Failed: 1}, stats[1])
	})

	t.Run("skips items already done and starts at StartBatch", func(t *testing.T) {
		t.Parallel()
		var processed []string
		s := extraction.NewBatchScheduler(clock.Real(), logger.Nop())
		err := s.Run(context.Background(), extraction.Plan{
			Batches:     extraction.Partition(mock.Items(6), 2),
			StartBatch:  1,
			Concurrency: 1,
			Gate:        newGate(0),
			Skip:        func(it extraction.WorkItem) bool { return it.ID == "item-3" },
			Process: func(_ context.Context, it extraction.WorkItem) bool {
				processed = append(processed, it.ID)
				return true
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"item-4", "item-5", "item-6"}, processed)
	})

	t.Run("stop at a checkpoint ends the run", func(t *testing.T) {
		t.Parallel()
		var processed int
		s := extraction.NewBatchScheduler(clock.Real(), logger.Nop())
		// checkpoints: batch 0, window 0, window 1, batch 1 -> stop
		err := s.Run(context.Background(), extraction.Plan{
			Batches:     extraction.Partition(mock.Items(4), 2),
			Concurrency: 1,
			Gate:        newGate(4),
			Process: func(context.Context, extraction.WorkItem) bool {
				processed++
				return true
			},
		})
		assert.ErrorIs(t, err, extraction.ErrStopped)
		assert.Equal(t, 2, processed)
	})

	t.Run("inter-batch delay waits on the clock", func(t *testing.T) {
		t.Parallel()
		fake := clock.NewFake(time.Now())
		s := extraction.NewBatchScheduler(fake, logger.Nop())
		done := make(chan error, 1)
		var mu sync.Mutex
		var processed int
		go func() {
			done <- s.Run(context.Background(), extraction.Plan{
				Batches:      extraction.Partition(mock.Items(2), 1),
				Concurrency:  1,
				PauseBetween: 30 * time.Second,
				Gate:         newGate(0),
				Process: func(context.Context, extraction.WorkItem) bool {
					mu.Lock()
					processed++
					mu.Unlock()
					return true
				},
			})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, fake.BlockUntil(ctx, 1))
		mu.Lock()
		assert.Equal(t, 1, processed)
		mu.Unlock()
		fake.Advance(30 * time.Second)
		require.NoError(t, <-done)
		assert.Equal(t, 2, processed)
	})

	t.Run("stop request cuts the inter-batch delay short", func(t *testing.T) {
		t.Parallel()
		fake := clock.NewFake(time.Now())
		s := extraction.NewBatchScheduler(fake, logger.Nop())
		g := newGate(0)
		done := make(chan error, 1)
		go func() {
			done <- s.Run(context.Background(), extraction.Plan{
				Batches:      extraction.Partition(mock.Items(2), 1),
				Concurrency:  1,
				PauseBetween: time.Hour,
				Gate:         g,
				Process:      func(context.Context, extraction.WorkItem) bool { return true },
			})
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, fake.BlockUntil(ctx, 1))
		g.mu.Lock()
		g.stopAfter = 1
		g.mu.Unlock()
		close(g.stop)
		assert.ErrorIs(t, <-done, extraction.ErrStopped)
	})
}
