package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"harvester/internal/logger"
	"harvester/internal/platform/clock"
)

// Deps are the collaborators of a Controller. Only Sessions is required.
type Deps struct {
	Sessions    SessionFactory
	Sink        PersistenceSink
	Archive     AttachmentArchive
	Checkpoints CheckpointStore
	Clock       clock.Clock
	Log         *logger.Logger
}

// Controller owns the single extraction job of this process and drives it
// through idle → running ⇄ paused → stopping/stopped, completed or failed.
type Controller struct {
	mu             sync.Mutex
	job            *ExtractionJob
	pauseRequested bool
	stopRequested  bool
	wake           chan struct{} // replaced each time it is closed
	stopCh         chan struct{}
	done           chan struct{}
	limiter        *RateLimiter

	// held while a progress update is applied and published so events carry
	// strictly increasing counts
	record sync.Mutex

	deps      Deps
	clock     clock.Clock
	log       *logger.Logger
	bus       *Bus
	retry     *RetryExecutor
	scheduler *BatchScheduler

	ctx    context.Context
	cancel context.CancelFunc
}

func NewController(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logger.New("Extraction")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:      deps,
		clock:     deps.Clock,
		log:       deps.Log,
		bus:       NewBus(deps.Log),
		retry:     NewRetryExecutor(deps.Clock, deps.Log),
		scheduler: NewBatchScheduler(deps.Clock, deps.Log),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a handler on the progress bus.
func (c *Controller) Subscribe(name EventName, handler Handler) (unsubscribe func()) {
	return c.bus.Subscribe(name, handler)
}

// Start launches jobID in the background and returns immediately. Starting
// the paused job again resumes it; a Stopped or Failed job started again under
// the same id skips the items it already extracted.
func (c *Controller) Start(jobID string, cfg JobConfig) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if prev := c.job; prev != nil {
		switch {
		case prev.State == StatePaused && prev.ID == jobID:
			c.mu.Unlock()
			return c.Resume()
		case prev.State == StateRunning, prev.State == StatePaused, prev.State == StateStopping, c.runningLocked():
			c.mu.Unlock()
			return fmt.Errorf("%w: job %s is %s", ErrAlreadyRunning, prev.ID, prev.State)
		}
	}

	job := &ExtractionJob{
		ID:        jobID,
		State:     StateRunning,
		Config:    cfg,
		StartedAt: c.clock.Now(),
		succeeded: make(map[string]struct{}),
	}
	if prev := c.job; prev != nil && prev.ID == jobID && prev.State != StateCompleted {
		seedFrom(job, prev.Outcomes, prev.Errors)
	}
	if c.limiter == nil || c.limiter.requestsPerHour != cfg.RequestsPerHour || c.limiter.cooldown != cfg.CooldownPeriod {
		c.limiter = NewRateLimiter(c.clock, cfg.RequestsPerHour, cfg.CooldownPeriod)
	}
	c.job = job
	c.pauseRequested = false
	c.stopRequested = false
	c.wake = make(chan struct{})
	c.stopCh = make(chan struct{})
	done := make(chan struct{})
	c.done = done
	limiter := c.limiter
	c.mu.Unlock()

	c.log.WithJob(jobID).LogInfof("starting extraction (batch=%d concurrency=%d max_items=%d)", cfg.BatchSize, cfg.Concurrency, cfg.MaxItems)
	go c.run(job, limiter, done)
	return nil
}

func (c *Controller) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Pause asks the running job to halt at its next checkpoint. The
// extraction-paused event is emitted from that checkpoint.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || c.job.State != StateRunning || c.stopRequested {
		return ErrNoActiveJob
	}
	if !c.pauseRequested {
		c.pauseRequested = true
		c.log.WithJob(c.job.ID).LogInfof("pause requested at %d/%d", c.job.ProcessedCount, c.job.TotalItems)
	}
	return nil
}

// Resume continues a paused job from its current batch. A pause that was
// requested but not yet reached stays in place and Resume reports
// ErrNotPaused; call it again once extraction-paused arrives.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || c.job.State != StatePaused {
		return ErrNotPaused
	}
	now := c.clock.Now()
	c.pauseRequested = false
	c.job.State = StateRunning
	c.job.pausedTotal += now.Sub(c.job.PausedAt)
	c.job.PausedAt = time.Time{}
	c.broadcastLocked()
	c.log.WithJob(c.job.ID).LogInfof("resuming at batch %d/%d", c.job.CurrentBatchIndex+1, c.job.TotalBatches)
	return nil
}

// Stop asks the job to end at its next checkpoint. In-flight fetches finish.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || (c.job.State != StateRunning && c.job.State != StatePaused) {
		return ErrNoActiveJob
	}
	if c.job.State == StatePaused {
		c.job.pausedTotal += c.clock.Now().Sub(c.job.PausedAt)
		c.job.PausedAt = time.Time{}
	}
	c.stopRequested = true
	c.job.State = StateStopping
	close(c.stopCh)
	c.broadcastLocked()
	c.log.WithJob(c.job.ID).LogInfo("stop requested")
	return nil
}

// Reset acknowledges a finished job and returns the controller to idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return nil
	}
	if !c.job.State.Terminal() || c.runningLocked() {
		return fmt.Errorf("%w: job %s is %s", ErrAlreadyRunning, c.job.ID, c.job.State)
	}
	c.job = nil
	return nil
}

// Done is closed once the current run has fully finished.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Shutdown stops the job and waits for it. When ctx expires first,
// in-flight calls are abandoned.
func (c *Controller) Shutdown(ctx context.Context) error {
	_ = c.Stop()
	done := c.Done()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// GetState returns a deep copy of the job plus derived progress figures.
func (c *Controller) GetState() JobSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() JobSnapshot {
	snap := JobSnapshot{
		State:                  StateIdle,
		EstimatedTimeRemaining: "unknown",
		Errors:                 []ErrorRecord{},
		Outcomes:               []ProcessedOutcome{},
	}
	if c.limiter != nil {
		snap.RateLimit = c.limiter.State()
	}
	j := c.job
	if j == nil {
		return snap
	}
	now := c.clock.Now()
	snap.ID = j.ID
	snap.State = j.State
	snap.Config = j.Config
	snap.TotalItems = j.TotalItems
	snap.ProcessedCount = j.ProcessedCount
	snap.SucceededCount = j.SucceededCount
	snap.FailedCount = j.FailedCount
	snap.CurrentBatchIndex = j.CurrentBatchIndex
	snap.TotalBatches = j.TotalBatches
	snap.Reason = j.Reason
	snap.Percentage = percentage(j.ProcessedCount, j.TotalItems)
	snap.StartedAt = timePtr(j.StartedAt)
	snap.PausedAt = timePtr(j.PausedAt)
	snap.FinishedAt = timePtr(j.FinishedAt)
	snap.Errors = append(snap.Errors, j.Errors...)
	for _, o := range j.Outcomes {
		o.Item.Meta = copyMap(o.Item.Meta)
		snap.Outcomes = append(snap.Outcomes, o)
	}

	elapsed := activeElapsed(j, now)
	snap.ElapsedMs = elapsed.Milliseconds()
	if done := j.ProcessedCount - j.inherited; done > 0 && j.TotalItems > 0 {
		remaining := time.Duration(float64(elapsed) / float64(done) * float64(j.TotalItems-j.ProcessedCount))
		snap.EstimatedTimeRemaining = remaining.Round(time.Second).String()
	}
	return snap
}

func activeElapsed(j *ExtractionJob, now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !j.FinishedAt.IsZero() {
		end = j.FinishedAt
	}
	d := end.Sub(j.StartedAt) - j.pausedTotal
	if !j.PausedAt.IsZero() {
		d -= end.Sub(j.PausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

func percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// seedFrom carries successful outcomes (Attempts reset to 0 to mark them as
// inherited) and the error audit trail into a new run of the same job.
func seedFrom(job *ExtractionJob, outcomes []ProcessedOutcome, errs []ErrorRecord) {
	for _, o := range outcomes {
		if !o.Success {
			continue
		}
		if _, dup := job.succeeded[o.Item.ID]; dup {
			continue
		}
		o.Attempts = 0
		job.succeeded[o.Item.ID] = struct{}{}
		job.Outcomes = append(job.Outcomes, o)
	}
	job.Errors = append(job.Errors, errs...)
}

func (c *Controller) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Checkpoint implements Gate for the scheduler.
func (c *Controller) Checkpoint(ctx context.Context) error {
	halted := false
	for {
		c.mu.Lock()
		if c.stopRequested {
			c.mu.Unlock()
			return ErrStopped
		}
		job := c.job
		if job.State == StateRunning && !c.pauseRequested {
			var ev *Event
			if halted {
				ev = &Event{Name: EventResumed, JobID: job.ID, Payload: ResumedPayload{Current: job.ProcessedCount, Total: job.TotalItems}}
			}
			c.mu.Unlock()
			if ev != nil {
				c.publish(*ev)
			}
			return nil
		}

		var ev *Event
		if job.State == StateRunning {
			job.State = StatePaused
			job.PausedAt = c.clock.Now()
			ev = &Event{Name: EventPaused, JobID: job.ID, Payload: PausedPayload{Current: job.ProcessedCount, Total: job.TotalItems, Reason: "user"}}
			c.log.WithJob(job.ID).LogInfof("paused at %d/%d", job.ProcessedCount, job.TotalItems)
		}
		halted = true
		wake := c.wake
		c.mu.Unlock()

		if ev != nil {
			c.publish(*ev)
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopRequested implements Gate.
func (c *Controller) StopRequested() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh
}

func (c *Controller) publish(e Event) {
	e.Timestamp = c.clock.Now()
	c.bus.Publish(e)
}

func (c *Controller) policy(cfg JobConfig, limiter *RateLimiter) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		PerCallTimeout: cfg.PerCallTimeout,
		Throttle:       limiter.Wait,
	}
}

func (c *Controller) run(job *ExtractionJob, limiter *RateLimiter, done chan struct{}) {
	defer close(done)
	ctx := c.ctx
	log := c.log.WithJob(job.ID)
	policy := c.policy(job.Config, limiter)

	session, err := c.deps.Sessions(ctx, job.ID)
	if err != nil {
		c.fail(job, Classify(err), "session")
		return
	}
	if closer, ok := session.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.LogWarnf("closing scraper session: %v", err)
			}
		}()
	}

	c.seedFromStore(ctx, job)

	if err := c.ensureSession(ctx, session, policy); err != nil {
		c.fail(job, Classify(err), "login")
		return
	}

	items, _, err := Do(ctx, c.retry, policy, func(ctx context.Context) ([]WorkItem, error) {
		return session.ListWorkItems(ctx, job.ID, job.Config.MaxItems)
	})
	if err != nil {
		c.fail(job, Classify(err), "list")
		return
	}
	items = dedupe(items)
	if limit := job.Config.MaxItems; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	batches := Partition(items, job.Config.BatchSize)

	c.mu.Lock()
	job.TotalItems = len(items)
	job.TotalBatches = len(batches)
	startBatch := len(batches)
	inherited := 0
	for _, b := range batches {
		for _, it := range b.Items {
			if _, ok := job.succeeded[it.ID]; ok {
				inherited++
			} else if b.Index < startBatch {
				startBatch = b.Index
			}
		}
	}
	job.ProcessedCount = inherited
	job.SucceededCount = inherited
	job.inherited = inherited
	if startBatch < len(batches) {
		job.CurrentBatchIndex = startBatch
	}
	c.mu.Unlock()

	log.LogInfof("listed %d items in %d batches (%d already extracted)", len(items), len(batches), inherited)
	c.publish(Event{Name: EventStarted, JobID: job.ID, Payload: StartedPayload{EstimatedTotal: len(items)}})

	err = c.scheduler.Run(ctx, Plan{
		Batches:      batches,
		StartBatch:   startBatch,
		Concurrency:  job.Config.Concurrency,
		PauseBetween: job.Config.PauseBetweenBatches,
		Gate:         c,
		Skip: func(it WorkItem) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			_, ok := job.succeeded[it.ID]
			return ok
		},
		Process: func(ctx context.Context, it WorkItem) bool {
			return c.processItem(ctx, job, session, policy, it)
		},
		OnBatchStarted: func(b Batch) {
			c.mu.Lock()
			job.CurrentBatchIndex = b.Index
			c.mu.Unlock()
			c.publish(Event{Name: EventBatchStarted, JobID: job.ID, Payload: BatchStartedPayload{BatchIndex: b.Index, TotalBatches: len(batches), BatchSize: len(b.Items)}})
		},
		OnBatchCompleted: func(b Batch, st BatchStats) {
			c.publish(Event{Name: EventBatchCompleted, JobID: job.ID, Payload: BatchCompletedPayload{BatchIndex: b.Index, Processed: st.Processed, Succeeded: st.Succeeded, Failed: st.Failed}})
		},
	})
	c.finish(job, err)
}

func (c *Controller) ensureSession(ctx context.Context, s Scraper, policy RetryPolicy) error {
	ok, _, err := Do(ctx, c.retry, policy, s.EnsureLoggedIn)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = c.retry.Run(ctx, policy, s.Login)
	return err
}

func (c *Controller) seedFromStore(ctx context.Context, job *ExtractionJob) {
	if c.deps.Checkpoints == nil {
		return
	}
	snap, err := c.deps.Checkpoints.LoadSnapshot(ctx, job.ID)
	if err != nil {
		c.log.WithJob(job.ID).LogWarnf("loading checkpoint: %v", err)
		return
	}
	if snap == nil || snap.State == StateCompleted || snap.ID != job.ID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(job.succeeded)
	seedFrom(job, snap.Outcomes, nil)
	if len(job.Errors) == 0 {
		job.Errors = append(job.Errors, snap.Errors...)
	}
	if n := len(job.succeeded) - before; n > 0 {
		c.log.WithJob(job.ID).LogInfof("recovered %d extracted items from checkpoint", n)
	}
}

func dedupe(items []WorkItem) []WorkItem {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		key := it.ID
		if key == "" {
			key = it.URL
			it.ID = it.URL
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

func (c *Controller) processItem(ctx context.Context, job *ExtractionJob, s Scraper, policy RetryPolicy, item WorkItem) bool {
	rec, attempts, err := Do(ctx, c.retry, policy, func(ctx context.Context) (DetailRecord, error) {
		return s.FetchDetail(ctx, item)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.recordOutcome(job, item, attempts, false, false, Classify(err))
		return false
	}
	if rec.ItemID == "" {
		rec.ItemID = item.ID
	}
	if rec.SourceID == "" {
		rec.SourceID = job.ID
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = c.clock.Now()
	}

	if job.Config.AttachmentDir != "" && item.AttachmentURL != "" {
		c.fetchAttachment(ctx, job, s, policy, item, &rec)
	}

	isNew := false
	if c.deps.Sink != nil {
		isNew, err = c.deps.Sink.Save(ctx, rec)
		if err != nil {
			ce := NewError(CodeGeneral, fmt.Sprintf("persist record: %v", err), err)
			c.recordOutcome(job, item, attempts, false, false, ce)
			return false
		}
	}
	c.recordOutcome(job, item, attempts, true, isNew, nil)
	return true
}

// fetchAttachment failures are recorded but never fail the item.
func (c *Controller) fetchAttachment(ctx context.Context, job *ExtractionJob, s Scraper, policy RetryPolicy, item WorkItem, rec *DetailRecord) {
	dest := filepath.Join(job.Config.AttachmentDir, sanitizeID(job.ID), sanitizeID(item.ID))
	res, _, err := Do(ctx, c.retry, policy, func(ctx context.Context) (AttachmentResult, error) {
		return s.DownloadAttachment(ctx, item, dest)
	})
	if err != nil {
		ce := Classify(err)
		if ce.Code == CodeGeneral {
			ce = NewError(CodeDownload, ce.Message, err)
		}
		c.recordError(job, item, ce)
		return
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]string)
	}
	rec.Fields["attachment_path"] = res.Path
	if c.deps.Archive != nil {
		remote, err := c.deps.Archive.Archive(ctx, job.ID, item, res)
		if err != nil {
			c.recordError(job, item, NewError(CodeDownload, fmt.Sprintf("archive attachment: %v", err), err))
			return
		}
		rec.Fields["attachment_url"] = remote
	}
}

// sanitizeID keeps ids usable as a single path element.
func sanitizeID(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	return clean
}

func (c *Controller) recordError(job *ExtractionJob, item WorkItem, ce *Error) {
	c.record.Lock()
	defer c.record.Unlock()

	c.mu.Lock()
	er := ce.Record(item.ID)
	er.Timestamp = c.clock.Now()
	job.Errors = append(job.Errors, er)
	partial := job.SucceededCount
	c.mu.Unlock()

	c.log.WithJob(job.ID).LogWarnf("item %s: %s %s", item.ID, er.Code, er.Message)
	c.publish(Event{Name: EventError, JobID: job.ID, Payload: ErrorPayload{
		Code: er.Code, Message: er.Message, Context: er.Context, Recoverable: er.Recoverable, Partial: &partial,
	}})
}

func (c *Controller) recordOutcome(job *ExtractionJob, item WorkItem, attempts int, success, isNew bool, ce *Error) {
	c.record.Lock()
	defer c.record.Unlock()

	c.mu.Lock()
	now := c.clock.Now()
	outcome := ProcessedOutcome{Item: item, Success: success, IsNew: isNew, Attempts: attempts, Timestamp: now}
	var errEvent *Event
	if ce != nil {
		er := ce.Record(item.ID)
		er.Timestamp = now
		job.Errors = append(job.Errors, er)
		outcome.Error = ce.Error()
		errEvent = &Event{Name: EventError, JobID: job.ID, Payload: ErrorPayload{
			Code: er.Code, Message: er.Message, Context: er.Context, Recoverable: er.Recoverable,
		}}
	}
	if job.ProcessedCount < job.TotalItems {
		job.ProcessedCount++
	}
	if success {
		job.SucceededCount++
		job.succeeded[item.ID] = struct{}{}
	} else {
		job.FailedCount++
	}
	job.Outcomes = append(job.Outcomes, outcome)
	partial := job.SucceededCount
	progress := Event{Name: EventProgress, JobID: job.ID, Payload: ProgressPayload{
		Current:     job.ProcessedCount,
		Total:       job.TotalItems,
		Percentage:  percentage(job.ProcessedCount, job.TotalItems),
		CurrentItem: item,
	}}
	c.mu.Unlock()

	if errEvent != nil {
		p := errEvent.Payload.(ErrorPayload)
		p.Partial = &partial
		errEvent.Payload = p
		c.log.WithJob(job.ID).LogWarnf("item %s failed after %d attempt(s): %s", item.ID, attempts, ce.Error())
		c.publish(*errEvent)
	}
	c.publish(progress)
}

func (c *Controller) fail(job *ExtractionJob, ce *Error, stage string) {
	c.mu.Lock()
	er := ce.Record(stage)
	er.Timestamp = c.clock.Now()
	job.Errors = append(job.Errors, er)
	partial := job.SucceededCount
	c.mu.Unlock()

	c.log.WithJob(job.ID).LogErrorf("extraction failed during %s: %s", stage, ce.Error())
	c.publish(Event{Name: EventError, JobID: job.ID, Payload: ErrorPayload{
		Code: er.Code, Message: er.Message, Context: er.Context, Recoverable: er.Recoverable, Partial: &partial,
	}})
	c.finish(job, ce)
}

func (c *Controller) finish(job *ExtractionJob, runErr error) {
	c.mu.Lock()
	switch {
	case runErr == nil:
		job.State = StateCompleted
		job.Reason = ReasonCompleted
	case errors.Is(runErr, ErrStopped), errors.Is(runErr, context.Canceled):
		job.State = StateStopped
		job.Reason = ReasonStopped
	default:
		job.State = StateFailed
		job.Reason = ReasonFailed
	}
	job.FinishedAt = c.clock.Now()
	job.PausedAt = time.Time{}
	c.pauseRequested = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.WithJob(job.ID).LogInfof("extraction %s: %d/%d items, %d succeeded, %d failed in %dms",
		snap.Reason, snap.ProcessedCount, snap.TotalItems, snap.SucceededCount, snap.FailedCount, snap.ElapsedMs)
	c.publish(Event{Name: EventCompleted, JobID: job.ID, Payload: CompletedPayload{
		Items:            snap.SucceededCount,
		Total:            snap.TotalItems,
		Reason:           snap.Reason,
		CompletionTimeMs: snap.ElapsedMs,
		Outcomes:         snap.Outcomes,
		Errors:           snap.Errors,
	}})
}
