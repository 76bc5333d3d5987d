package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// StartTaskPayload is queued by POST /v1/extractions.
type StartTaskPayload struct {
	JobID  string    `json:"job_id"`
	Config JobConfig `json:"config"`
}

// HandleStartTask starts the queued job and holds the worker slot until it
// finishes. A busy controller makes asynq retry the task later.
func (c *Controller) HandleStartTask(ctx context.Context, task *asynq.Task) error {
	var p StartTaskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode start task: %v: %w", err, asynq.SkipRetry)
	}
	log := c.log.WithJob(p.JobID)
	log.LogInfo("processing queued extraction")

	if err := c.Start(p.JobID, p.Config); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	done := c.Done()
	select {
	case <-done:
	case <-ctx.Done():
		log.LogWarnf("worker context ended (%v), stopping extraction", ctx.Err())
		_ = c.Stop()
		<-done
		return ctx.Err()
	}

	snap := c.GetState()
	if snap.ID != p.JobID || snap.State != StateFailed {
		return nil
	}
	if n := len(snap.Errors); n > 0 && !snap.Errors[n-1].Recoverable {
		return fmt.Errorf("extraction %s failed with %s: %w", p.JobID, snap.Errors[n-1].Code, asynq.SkipRetry)
	}
	return fmt.Errorf("extraction %s failed", p.JobID)
}
