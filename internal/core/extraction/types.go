package extraction

import (
	"fmt"
	"time"
)

// State of the single extraction job owned by a Controller.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions happen without Start or Reset.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// JobConfig is supplied at Start and never mutated while the job runs.
type JobConfig struct {
	BatchSize           int           `json:"batch_size" yaml:"batch_size"`
	Concurrency         int           `json:"concurrency" yaml:"concurrency"`
	PauseBetweenBatches time.Duration `json:"pause_between_batches" yaml:"pause_between_batches"`
	MaxItems            int           `json:"max_items" yaml:"max_items"`
	RequestsPerHour     int           `json:"requests_per_hour" yaml:"requests_per_hour"`
	CooldownPeriod      time.Duration `json:"cooldown_period" yaml:"cooldown_period"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	PerCallTimeout      time.Duration `json:"per_call_timeout" yaml:"per_call_timeout"`
	// AttachmentDir enables DownloadAttachment for items that carry one.
	AttachmentDir string `json:"attachment_dir,omitempty" yaml:"attachment_dir,omitempty"`
}

// DefaultJobConfig mirrors the conservative limits used against hardened targets.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		BatchSize:           10,
		Concurrency:         2,
		PauseBetweenBatches: 30 * time.Second,
		MaxItems:            0,
		RequestsPerHour:     200,
		CooldownPeriod:      3 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      2 * time.Second,
		PerCallTimeout:      45 * time.Second,
	}
}

func (c JobConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be > 0", ErrInvalidConfig)
	case c.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be > 0", ErrInvalidConfig)
	case c.PauseBetweenBatches < 0:
		return fmt.Errorf("%w: pause_between_batches must be >= 0", ErrInvalidConfig)
	case c.MaxItems < 0:
		return fmt.Errorf("%w: max_items must be >= 0", ErrInvalidConfig)
	case c.RequestsPerHour <= 0:
		return fmt.Errorf("%w: requests_per_hour must be > 0", ErrInvalidConfig)
	case c.CooldownPeriod < 0:
		return fmt.Errorf("%w: cooldown_period must be >= 0", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	case c.RetryBaseDelay < 0:
		return fmt.Errorf("%w: retry_base_delay must be >= 0", ErrInvalidConfig)
	case c.PerCallTimeout <= 0:
		return fmt.Errorf("%w: per_call_timeout must be > 0", ErrInvalidConfig)
	}
	return nil
}

// WorkItem references one external record found by the listing call.
type WorkItem struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Title         string            `json:"title,omitempty"`
	AttachmentURL string            `json:"attachment_url,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// DetailRecord is what FetchDetail extracts for a WorkItem.
type DetailRecord struct {
	SourceID  string            `json:"source_id"`
	ItemID    string            `json:"item_id"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// AttachmentResult describes a file written by DownloadAttachment.
type AttachmentResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Bytes       int64  `json:"bytes"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// Batch is a scheduling group only; it is never persisted.
type Batch struct {
	Index int
	Items []WorkItem
}

// ProcessedOutcome is appended once per finished WorkItem.
type ProcessedOutcome struct {
	Item      WorkItem  `json:"item"`
	Success   bool      `json:"success"`
	IsNew     bool      `json:"is_new,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorRecord is the audit trail entry produced for every failure.
type ErrorRecord struct {
	Code        Code      `json:"code"`
	Message     string    `json:"message"`
	Context     string    `json:"context,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// RateLimitState is process local and reset when the hourly window elapses.
type RateLimitState struct {
	RequestCount    int       `json:"request_count"`
	WindowStartedAt time.Time `json:"window_started_at"`
	LastRequestAt   time.Time `json:"last_request_at"`
}

// ExtractionJob is owned by the Controller and only mutated under its lock.
type ExtractionJob struct {
	ID                string
	State             State
	Config            JobConfig
	TotalItems        int
	ProcessedCount    int
	SucceededCount    int
	FailedCount       int
	CurrentBatchIndex int
	TotalBatches      int
	StartedAt         time.Time
	PausedAt          time.Time
	FinishedAt        time.Time
	Reason            string
	Errors            []ErrorRecord
	Outcomes          []ProcessedOutcome

	pausedTotal time.Duration
	inherited   int // successes carried over from an earlier run
	succeeded   map[string]struct{}
}

// JobSnapshot is an immutable copy of ExtractionJob returned by GetState.
type JobSnapshot struct {
	ID                     string             `json:"id"`
	State                  State              `json:"state"`
	Config                 JobConfig          `json:"config"`
	TotalItems             int                `json:"total_items"`
	ProcessedCount         int                `json:"processed_count"`
	SucceededCount         int                `json:"succeeded_count"`
	FailedCount            int                `json:"failed_count"`
	CurrentBatchIndex      int                `json:"current_batch_index"`
	TotalBatches           int                `json:"total_batches"`
	Percentage             int                `json:"percentage"`
	EstimatedTimeRemaining string             `json:"estimated_time_remaining"`
	ElapsedMs              int64              `json:"elapsed_ms"`
	StartedAt              *time.Time         `json:"started_at,omitempty"`
	PausedAt               *time.Time         `json:"paused_at,omitempty"`
	FinishedAt             *time.Time         `json:"finished_at,omitempty"`
	Reason                 string             `json:"reason,omitempty"`
	RateLimit              RateLimitState     `json:"rate_limit"`
	Errors                 []ErrorRecord      `json:"errors"`
	Outcomes               []ProcessedOutcome `json:"outcomes"`
}

// SucceededIDs lists the items recorded as successful, used to seed a resumed run.
func (s JobSnapshot) SucceededIDs() []string {
	ids := make([]string, 0, s.SucceededCount)
	for _, o := range s.Outcomes {
		if o.Success {
			ids = append(ids, o.Item.ID)
		}
	}
	return ids
}
