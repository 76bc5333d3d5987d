package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"harvester/internal/logger"
)

type Mux struct {
	mux *asynq.ServeMux
	log *logger.Logger
}

func NewMux() *Mux {
	m := &Mux{mux: asynq.NewServeMux(), log: logger.New("Worker")}
	m.mux.Use(m.logging)
	return m
}

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

func (m *Mux) logging(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		retried, _ := asynq.GetRetryCount(ctx)
		err := next.ProcessTask(ctx, t)
		if err != nil {
			m.log.LogWarnf("task %s failed after %v (retry %d): %v", t.Type(), time.Since(start), retried, err)
			return err
		}
		m.log.LogDebugf("task %s done in %v", t.Type(), time.Since(start))
		return nil
	})
}
