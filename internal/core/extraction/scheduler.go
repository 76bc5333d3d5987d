package extraction

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"harvester/internal/logger"
	"harvester/internal/platform/clock"
)

// Gate is where pause and stop requests take effect. Checkpoint blocks while
// the job is paused and returns ErrStopped once a stop was requested.
type Gate interface {
	Checkpoint(ctx context.Context) error
	// StopRequested is closed when Stop is called; it cuts the inter-batch delay short.
	StopRequested() <-chan struct{}
}

// BatchStats summarizes one batch for batch-completed.
type BatchStats struct {
	Processed int
	Succeeded int
	Failed    int
}

// Plan is one scheduling pass over a partitioned item list.
type Plan struct {
	Batches      []Batch
	StartBatch   int
	Concurrency  int
	PauseBetween time.Duration
	Gate         Gate

	// Skip reports items already recorded as successful.
	Skip func(WorkItem) bool
	// Process handles one item and reports success.
	Process func(ctx context.Context, item WorkItem) bool

	OnBatchStarted   func(Batch)
	OnBatchCompleted func(Batch, BatchStats)
}

// Partition splits items into ordered batches of size; the last may be shorter.
func Partition(items []WorkItem, size int) []Batch {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	batches := make([]Batch, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, Batch{Index: len(batches), Items: items[i:end]})
	}
	return batches
}

type BatchScheduler struct {
	clock clock.Clock
	log   *logger.Logger
}

func NewBatchScheduler(c clock.Clock, log *logger.Logger) *BatchScheduler {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &BatchScheduler{clock: c, log: log}
}

// Run walks the batches in order. It returns nil when every batch ran,
// ErrStopped when a checkpoint observed a stop, or the context error.
func (s *BatchScheduler) Run(ctx context.Context, p Plan) error {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := p.StartBatch; i < len(p.Batches); i++ {
		batch := p.Batches[i]
		if err := p.Gate.Checkpoint(ctx); err != nil {
			return err
		}
		if p.OnBatchStarted != nil {
			p.OnBatchStarted(batch)
		}

		stats, err := s.runBatch(ctx, p, batch, concurrency)
		if p.OnBatchCompleted != nil {
			p.OnBatchCompleted(batch, stats)
		}
		if err != nil {
			return err
		}

		if i < len(p.Batches)-1 && p.PauseBetween > 0 {
			s.log.LogDebugf("batch %d done, pausing %v before next batch", batch.Index, p.PauseBetween)
			if err := s.humanDelay(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// runBatch dispatches items in windows of `concurrency`. The gate is checked
// before every window, so at most one window of in-flight items finishes after
// a pause or stop is requested.
func (s *BatchScheduler) runBatch(ctx context.Context, p Plan, batch Batch, concurrency int) (BatchStats, error) {
	var stats BatchStats
	pending := make([]WorkItem, 0, len(batch.Items))
	for _, item := range batch.Items {
		if p.Skip != nil && p.Skip(item) {
			continue
		}
		pending = append(pending, item)
	}

	for start := 0; start < len(pending); start += concurrency {
		if err := p.Gate.Checkpoint(ctx); err != nil {
			return stats, err
		}
		end := start + concurrency
		if end > len(pending) {
			end = len(pending)
		}
		window := pending[start:end]
		results := make([]bool, len(window))

		var g errgroup.Group
		for idx, item := range window {
			g.Go(func() error {
				results[idx] = p.Process(ctx, item)
				return nil
			})
		}
		_ = g.Wait()

		for _, ok := range results {
			stats.Processed++
			if ok {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}
	return stats, nil
}

func (s *BatchScheduler) humanDelay(ctx context.Context, p Plan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Gate.StopRequested():
		return nil
	case <-s.clock.After(p.PauseBetween):
		return nil
	}
}
