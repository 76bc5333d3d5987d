package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"harvester/internal/platform/redis"
)

const (
	TaskTypeExtractionStart = "extraction:start"

	// ExtractionTimeout replaces asynq's 30 minute default; a throttled job
	// against a large source runs for hours.
	ExtractionTimeout = 24 * time.Hour
)

// Enqueuer is what HTTP handlers need from the task client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}

func (t *Client) Close() error { return t.c.Close() }

// NewJSONTask marshals payload into a task of the given type.
func NewJSONTask(taskType string, payload interface{}, opts ...asynq.Option) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, b, opts...), nil
}
