package supabase_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storage_go "github.com/supabase-community/storage-go"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/storage/supabase"
)

type upload struct {
	bucket, key, contentType, body string
	upsert                         bool
}

type uploader struct {
	uploads []upload
	err     error
}

func (u *uploader) UploadFile(bucket, key string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error) {
	if u.err != nil {
		return storage_go.FileUploadResponse{}, u.err
	}
	body, _ := io.ReadAll(data)
	up := upload{bucket: bucket, key: key, body: string(body)}
	if len(opts) > 0 {
		up.contentType = *opts[0].ContentType
		up.upsert = opts[0].Upsert != nil && *opts[0].Upsert
	}
	u.uploads = append(u.uploads, up)
	return storage_go.FileUploadResponse{Key: bucket + "/" + key}, nil
}

func attachment(t *testing.T, name, body string) extraction.AttachmentResult {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return extraction.AttachmentResult{Path: p, Bytes: int64(len(body))}
}

func TestArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	item := extraction.WorkItem{ID: "item-1"}

	t.Run("uploads under the job prefix", func(t *testing.T) {
		t.Parallel()
		up := &uploader{}
		a := supabase.NewWithUploader(up, "attachments", logger.Nop())

		got, err := a.Archive(ctx, "job-7", item, attachment(t, "item-1.pdf", "PDF"))
		require.NoError(t, err)
		assert.Equal(t, "attachments/job-7/item-1.pdf", got)
		require.Len(t, up.uploads, 1)
		assert.Equal(t, upload{bucket: "attachments", key: "job-7/item-1.pdf", contentType: "application/pdf", body: "PDF", upsert: true}, up.uploads[0])
	})

	t.Run("upload failure", func(t *testing.T) {
		t.Parallel()
		a := supabase.NewWithUploader(&uploader{err: errors.New("bucket not found")}, "attachments", logger.Nop())
		_, err := a.Archive(ctx, "job-7", item, attachment(t, "item-1.bin", "x"))
		assert.ErrorContains(t, err, "bucket not found")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		a := supabase.NewWithUploader(&uploader{}, "attachments", logger.Nop())
		_, err := a.Archive(ctx, "job-7", item, extraction.AttachmentResult{Path: filepath.Join(t.TempDir(), "gone")})
		assert.Error(t, err)
	})
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()
	_, err := supabase.New("", "key", "bucket", logger.Nop())
	assert.Error(t, err)
}
