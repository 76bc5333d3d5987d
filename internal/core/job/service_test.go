package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/mock"
	rds "harvester/internal/platform/redis"
)

type memStore struct {
	mu        sync.Mutex
	values    map[string][]byte
	ttls      map[string]time.Duration
	published map[string][][]byte
}

func newMemStore() *memStore {
	return &memStore{values: map[string][]byte{}, ttls: map[string]time.Duration{}, published: map[string][][]byte{}}
}

func (m *memStore) CacheGet(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.values[key]
	if !ok {
		return rds.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (m *memStore) CacheSet(_ context.Context, key string, val interface{}, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = b
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func TestJobService_LoadSnapshotMissing(t *testing.T) {
	t.Parallel()

	svc := NewJobService(newMemStore())
	snap, err := svc.LoadSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = svc.GetJobStatus(context.Background(), "nope")
	assert.Error(t, err)
}

type brokenStore struct{ *memStore }

func (brokenStore) CacheGet(context.Context, string, interface{}) error {
	return errors.New("connection refused")
}

func TestJobService_LoadSnapshotError(t *testing.T) {
	t.Parallel()

	svc := NewJobService(brokenStore{newMemStore()})
	_, err := svc.LoadSnapshot(context.Background(), "a")
	assert.Error(t, err)
}

func TestJobService_MirrorsControllerIntoRedis(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	svc := NewJobService(store)
	c := extraction.NewController(extraction.Deps{
		Sessions: extraction.Reuse(&mock.Scraper{
			ListWorkItemsFn: func(context.Context, string, int) ([]extraction.WorkItem, error) {
				return mock.Items(3), nil
			},
		}),
		Checkpoints: svc,
		Log:         logger.Nop(),
	})
	detach := svc.Attach(c)
	defer detach()

	cfg := extraction.DefaultJobConfig()
	cfg.PauseBetweenBatches = 0
	cfg.CooldownPeriod = 0
	require.NoError(t, c.Start("source-9", cfg))
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	snap, err := svc.GetJobStatus(context.Background(), "source-9")
	require.NoError(t, err)
	assert.Equal(t, extraction.StateCompleted, snap.State)
	assert.Equal(t, 3, snap.SucceededCount)
	assert.Len(t, snap.SucceededIDs(), 3)

	store.mu.Lock()
	assert.Equal(t, 7*24*time.Hour, store.ttls[Key("source-9")])
	published := store.published[EventsChannel("source-9")]
	store.mu.Unlock()

	// started, batch-started, 3x progress, batch-completed, completed
	require.Len(t, published, 7)
	var first, last struct {
		Event extraction.EventName `json:"event"`
		JobID string               `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(published[0], &first))
	require.NoError(t, json.Unmarshal(published[len(published)-1], &last))
	assert.Equal(t, extraction.EventStarted, first.Event)
	assert.Equal(t, extraction.EventCompleted, last.Event)
	assert.Equal(t, "source-9", last.JobID)
}
