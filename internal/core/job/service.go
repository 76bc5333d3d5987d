// Package job mirrors extraction state into redis so other processes can read
// the latest snapshot, follow events, and resume after a restart.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	rds "harvester/internal/platform/redis"
)

// Store is the slice of the redis service the job service needs.
type Store interface {
	CacheGet(ctx context.Context, key string, dest interface{}) error
	CacheSet(ctx context.Context, key string, val interface{}, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// StateReader is satisfied by *extraction.Controller.
type StateReader interface {
	GetState() extraction.JobSnapshot
	Subscribe(name extraction.EventName, handler extraction.Handler) (unsubscribe func())
}

type JobService struct {
	store   Store
	log     *logger.Logger
	timeout time.Duration
}

var _ extraction.CheckpointStore = (*JobService)(nil)

func NewJobService(store Store) *JobService {
	return &JobService{store: store, log: logger.New("JobService"), timeout: 3 * time.Second}
}

// Attach mirrors every event of c into redis. Snapshots are written on every
// event except batch-started so the checkpoint never lags more than one item.
func (s *JobService) Attach(c StateReader) (detach func()) {
	return c.Subscribe(extraction.AllEvents, func(e extraction.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.PublishEvent(ctx, e); err != nil {
			s.log.LogWarnf("publish %s for %s: %v", e.Name, e.JobID, err)
		}
		if e.Name == extraction.EventBatchStarted {
			return
		}
		if err := s.SaveSnapshot(ctx, c.GetState()); err != nil {
			s.log.LogWarnf("save snapshot for %s: %v", e.JobID, err)
		}
	})
}

// SaveSnapshot stores snap under its job key.
func (s *JobService) SaveSnapshot(ctx context.Context, snap extraction.JobSnapshot) error {
	if snap.ID == "" {
		return nil
	}
	return s.store.CacheSet(ctx, Key(snap.ID), snap, ttl(snap.State))
}

// LoadSnapshot implements extraction.CheckpointStore.
func (s *JobService) LoadSnapshot(ctx context.Context, jobID string) (*extraction.JobSnapshot, error) {
	var snap extraction.JobSnapshot
	if err := s.store.CacheGet(ctx, Key(jobID), &snap); err != nil {
		if errors.Is(err, rds.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot %s: %w", jobID, err)
	}
	return &snap, nil
}

// GetJobStatus returns the last stored snapshot, failing when none exists.
func (s *JobService) GetJobStatus(ctx context.Context, jobID string) (*extraction.JobSnapshot, error) {
	snap, err := s.LoadSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return snap, nil
}

// PublishEvent sends e as JSON on the job's event channel.
func (s *JobService) PublishEvent(ctx context.Context, e extraction.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.store.Publish(ctx, EventsChannel(e.JobID), b)
}

func Key(id string) string           { return "extraction:" + id }
func EventsChannel(id string) string { return Key(id) + ":events" }

func ttl(s extraction.State) time.Duration {
	if s.Terminal() {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}
