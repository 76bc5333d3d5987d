// Package mock provides function-field fakes for the extraction ports.
package mock

import (
	"context"
	"strconv"
	"sync"

	"harvester/internal/core/extraction"
)

var (
	_ extraction.Scraper           = (*Scraper)(nil)
	_ extraction.PersistenceSink   = (*PersistenceSink)(nil)
	_ extraction.AttachmentArchive = (*AttachmentArchive)(nil)
	_ extraction.CheckpointStore   = (*CheckpointStore)(nil)
)

// Scraper records every FetchDetail call. Nil functions succeed with zero values.
type Scraper struct {
	LoginFn              func(ctx context.Context) error
	EnsureLoggedInFn     func(ctx context.Context) (bool, error)
	ListWorkItemsFn      func(ctx context.Context, sourceID string, limit int) ([]extraction.WorkItem, error)
	FetchDetailFn        func(ctx context.Context, item extraction.WorkItem) (extraction.DetailRecord, error)
	DownloadAttachmentFn func(ctx context.Context, item extraction.WorkItem, destPath string) (extraction.AttachmentResult, error)

	mu      sync.Mutex
	fetched []string
	logins  int
}

func (s *Scraper) Login(ctx context.Context) error {
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
	if s.LoginFn == nil {
		return nil
	}
	return s.LoginFn(ctx)
}

func (s *Scraper) EnsureLoggedIn(ctx context.Context) (bool, error) {
	if s.EnsureLoggedInFn == nil {
		return true, nil
	}
	return s.EnsureLoggedInFn(ctx)
}

func (s *Scraper) ListWorkItems(ctx context.Context, sourceID string, limit int) ([]extraction.WorkItem, error) {
	if s.ListWorkItemsFn == nil {
		return nil, nil
	}
	return s.ListWorkItemsFn(ctx, sourceID, limit)
}

func (s *Scraper) FetchDetail(ctx context.Context, item extraction.WorkItem) (extraction.DetailRecord, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, item.ID)
	s.mu.Unlock()
	if s.FetchDetailFn == nil {
		return extraction.DetailRecord{ItemID: item.ID, URL: item.URL, Title: item.Title}, nil
	}
	return s.FetchDetailFn(ctx, item)
}

func (s *Scraper) DownloadAttachment(ctx context.Context, item extraction.WorkItem, destPath string) (extraction.AttachmentResult, error) {
	if s.DownloadAttachmentFn == nil {
		return extraction.AttachmentResult{Path: destPath}, nil
	}
	return s.DownloadAttachmentFn(ctx, item, destPath)
}

// Fetched returns the item ids passed to FetchDetail, one entry per attempt.
func (s *Scraper) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

func (s *Scraper) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Items builds n work items with ids item-1..item-n.
func Items(n int) []extraction.WorkItem {
	items := make([]extraction.WorkItem, n)
	for i := range items {
		id := "item-" + strconv.Itoa(i+1)
		items[i] = extraction.WorkItem{ID: id, URL: "https://example.com/records/" + id}
	}
	return items
}

type PersistenceSink struct {
	SaveFn func(ctx context.Context, record extraction.DetailRecord) (bool, error)

	mu    sync.Mutex
	saved []extraction.DetailRecord
}

func (p *PersistenceSink) Save(ctx context.Context, record extraction.DetailRecord) (bool, error) {
	if p.SaveFn != nil {
		isNew, err := p.SaveFn(ctx, record)
		if err != nil {
			return false, err
		}
		p.record(record)
		return isNew, nil
	}
	p.record(record)
	return true, nil
}

func (p *PersistenceSink) record(r extraction.DetailRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, r)
}

func (p *PersistenceSink) Saved() []extraction.DetailRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]extraction.DetailRecord(nil), p.saved...)
}

type AttachmentArchive struct {
	ArchiveFn func(ctx context.Context, jobID string, item extraction.WorkItem, res extraction.AttachmentResult) (string, error)
}

func (a *AttachmentArchive) Archive(ctx context.Context, jobID string, item extraction.WorkItem, res extraction.AttachmentResult) (string, error) {
	if a.ArchiveFn == nil {
		return "", nil
	}
	return a.ArchiveFn(ctx, jobID, item, res)
}

type CheckpointStore struct {
	LoadSnapshotFn func(ctx context.Context, jobID string) (*extraction.JobSnapshot, error)
}

func (c *CheckpointStore) LoadSnapshot(ctx context.Context, jobID string) (*extraction.JobSnapshot, error) {
	if c.LoadSnapshotFn == nil {
		return nil, nil
	}
	return c.LoadSnapshotFn(ctx, jobID)
}
