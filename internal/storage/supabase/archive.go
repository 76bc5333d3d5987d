// Package supabase copies downloaded attachments into a Supabase storage bucket.
package supabase

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"

	sb "github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
)

// Uploader is the part of the storage client the archive needs.
type Uploader interface {
	UploadFile(bucketId string, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

var _ extraction.AttachmentArchive = (*Archive)(nil)

type Archive struct {
	files  Uploader
	bucket string
	log    *logger.Logger
}

// New connects to the project at url with the service role key.
func New(url, serviceKey, bucket string, log *logger.Logger) (*Archive, error) {
	if url == "" || serviceKey == "" || bucket == "" {
		return nil, fmt.Errorf("supabase archive requires SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY and SUPABASE_STORAGE_BUCKET")
	}
	client, err := sb.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return NewWithUploader(client.Storage, bucket, log), nil
}

func NewWithUploader(files Uploader, bucket string, log *logger.Logger) *Archive {
	if log == nil {
		log = logger.New("AttachmentArchive")
	}
	return &Archive{files: files, bucket: bucket, log: log}
}

// Archive uploads res under <jobID>/<file name> and returns "<bucket>/<key>".
// Re-uploading the same attachment overwrites it.
func (a *Archive) Archive(ctx context.Context, jobID string, item extraction.WorkItem, res extraction.AttachmentResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(res.Path)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	key := path.Join(jobID, filepath.Base(res.Path))
	contentType := res.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(res.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert := true
	if _, err := a.files.UploadFile(a.bucket, key, f, storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	a.log.LogDebugf("archived attachment for %s to %s/%s", item.ID, a.bucket, key)
	return a.bucket + "/" + key, nil
}
