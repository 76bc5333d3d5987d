package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/storage/sqlite"
)

func open(t *testing.T) *sqlite.Sink {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(item, title string) extraction.DetailRecord {
	return extraction.DetailRecord{
		SourceID:  "src-1",
		ItemID:    item,
		URL:       "https://example.com/records/" + item,
		Title:     title,
		Content:   "body of " + item,
		Fields:    map[string]string{"status": "open"},
		FetchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSink_Save(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first save is new, later saves update", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		isNew, err := s.Save(ctx, record("item-1", "first"))
		require.NoError(t, err)
		assert.True(t, isNew)

		isNew, err = s.Save(ctx, record("item-1", "second"))
		require.NoError(t, err)
		assert.False(t, isNew)

		got, err := s.Get(ctx, "src-1", "item-1")
		require.NoError(t, err)
		assert.Equal(t, record("item-1", "second"), got)

		n, err := s.Count(ctx, "src-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("same item under another source is new", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		_, err := s.Save(ctx, record("item-1", "a"))
		require.NoError(t, err)

		other := record("item-1", "b")
		other.SourceID = "src-2"
		isNew, err := s.Save(ctx, other)
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("concurrent saves serialize", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Save(ctx, record("item-shared", "x"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		n, err := s.Count(ctx, "src-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("missing record", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		_, err := s.Get(ctx, "src-1", "nope")
		assert.ErrorIs(t, err, sqlite.ErrNotFound)
		assert.NoError(t, s.Ping(ctx))
	})
}
