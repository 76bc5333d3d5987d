package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/storage/postgres"
)

// Runs against a real database only when TEST_DATABASE_URL is set.
func TestSink_Save(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := postgres.Open(ctx, dsn, 2, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(ctx))

	rec := extraction.DetailRecord{
		SourceID:  "test-" + uuid.NewString(),
		ItemID:    "item-1",
		URL:       "https://example.com/records/item-1",
		Title:     "first",
		Content:   "body",
		Fields:    map[string]string{"status": "open"},
		FetchedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	isNew, err := s.Save(ctx, rec)
	require.NoError(t, err)
	assert.True(t, isNew)

	rec.Title = "second"
	isNew, err = s.Save(ctx, rec)
	require.NoError(t, err)
	assert.False(t, isNew)

	got, err := s.Get(ctx, rec.SourceID, rec.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
	assert.Equal(t, rec.Fields, got.Fields)
	assert.True(t, rec.FetchedAt.Equal(got.FetchedAt))
}
