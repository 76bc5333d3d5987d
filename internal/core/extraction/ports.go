package extraction

import "context"

// Scraper is the only component that knows how to navigate the external site.
// Implementations return *Error when they can tell what went wrong; anything
// else goes through Classify.
type Scraper interface {
	Login(ctx context.Context) error
	EnsureLoggedIn(ctx context.Context) (bool, error)
	// ListWorkItems returns every item for the source. limit > 0 lets the
	// implementation stop paginating early.
	ListWorkItems(ctx context.Context, sourceID string, limit int) ([]WorkItem, error)
	FetchDetail(ctx context.Context, item WorkItem) (DetailRecord, error)
	DownloadAttachment(ctx context.Context, item WorkItem, destPath string) (AttachmentResult, error)
}

// SessionFactory opens the single scraper session used by one job. If the
// returned Scraper implements io.Closer it is closed when the job ends.
type SessionFactory func(ctx context.Context, jobID string) (Scraper, error)

// Reuse serves the same Scraper to every job.
func Reuse(s Scraper) SessionFactory {
	return func(context.Context, string) (Scraper, error) { return s, nil }
}

// PersistenceSink stores one successfully fetched record.
type PersistenceSink interface {
	Save(ctx context.Context, record DetailRecord) (isNew bool, err error)
}

// AttachmentArchive copies a downloaded attachment to durable storage and
// returns where it ended up.
type AttachmentArchive interface {
	Archive(ctx context.Context, jobID string, item WorkItem, res AttachmentResult) (string, error)
}

// CheckpointStore returns the last known snapshot of a job, or nil when none
// exists. It lets Start skip items a previous process already extracted.
type CheckpointStore interface {
	LoadSnapshot(ctx context.Context, jobID string) (*JobSnapshot, error)
}
