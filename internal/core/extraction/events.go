package extraction

import (
	"sync"
	"time"

	"harvester/internal/logger"
)

// EventName is one entry of the fixed progress vocabulary.
type EventName string

const (
	EventStarted        EventName = "extraction-started"
	EventProgress       EventName = "extraction-progress"
	EventPaused         EventName = "extraction-paused"
	EventResumed        EventName = "extraction-resumed"
	EventCompleted      EventName = "extraction-completed"
	EventError          EventName = "extraction-error"
	EventBatchStarted   EventName = "batch-started"
	EventBatchCompleted EventName = "batch-completed"

	// AllEvents subscribes a handler to every event name.
	AllEvents EventName = "*"
)

// Completion reasons carried by extraction-completed.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
	ReasonFailed    = "failed"
)

type StartedPayload struct {
	EstimatedTotal int `json:"estimatedTotal"`
}

type ProgressPayload struct {
	Current     int      `json:"current"`
	Total       int      `json:"total"`
	Percentage  int      `json:"percentage"`
	CurrentItem WorkItem `json:"currentItem"`
}

type PausedPayload struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Reason  string `json:"reason,omitempty"`
}

type ResumedPayload struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type CompletedPayload struct {
	Items            int                `json:"items"`
	Total            int                `json:"total"`
	Reason           string             `json:"reason"`
	CompletionTimeMs int64              `json:"completionTimeMs"`
	Outcomes         []ProcessedOutcome `json:"outcomes,omitempty"`
	Errors           []ErrorRecord      `json:"errors,omitempty"`
}

type ErrorPayload struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Context     string `json:"context,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Partial     *int   `json:"partial,omitempty"`
}

type BatchStartedPayload struct {
	BatchIndex   int `json:"batchIndex"`
	TotalBatches int `json:"totalBatches"`
	BatchSize    int `json:"batchSize"`
}

type BatchCompletedPayload struct {
	BatchIndex int `json:"batchIndex"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// Event is what subscribers receive. Payload holds one of the *Payload types.
type Event struct {
	Name      EventName   `json:"event"`
	JobID     string      `json:"jobId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type Handler func(Event)

type subscription struct {
	id      uint64
	name    EventName
	handler Handler
}

// Bus delivers events synchronously, in publish order, to every subscriber.
// A panicking subscriber is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	// serializes delivery so every subscriber sees the same order
	deliver sync.Mutex
	log     *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{log: log}
}

// Subscribe registers handler for name (or AllEvents) and returns a function
// that removes it. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(name EventName, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == e.Name || s.name == AllEvents {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(s, e)
	}
}

func (b *Bus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.LogErrorf("subscriber %d panicked on %s: %v", s.id, e.Name, r)
		}
	}()
	s.handler(e)
}
