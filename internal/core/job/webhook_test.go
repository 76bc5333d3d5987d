package job

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
)

type hook struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.requests = append(h.requests, r)
	h.bodies = append(h.bodies, body)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookNotifier_SignsPayload(t *testing.T) {
	t.Parallel()
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "s3cret")
	defer w.Close()

	e := extraction.Event{
		Name:      extraction.EventCompleted,
		JobID:     "job-1",
		Timestamp: time.Now(),
		Payload:   extraction.CompletedPayload{Items: 3, Total: 3, Reason: extraction.ReasonCompleted},
	}
	require.NoError(t, w.Send(context.Background(), e))

	require.Len(t, h.requests, 1)
	r, body := h.requests[0], h.bodies[0]
	assert.Equal(t, "extraction-completed", r.Header.Get("X-Harvester-Event"))
	assert.Equal(t, "job-1", r.Header.Get("X-Harvester-Job-ID"))
	assert.Equal(t, Sign("s3cret", r.Header.Get("X-System-Timestamp"), body), r.Header.Get("X-System-Signature"))

	var got struct {
		JobID  string `json:"job_id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "extraction", got.Type)
	assert.Equal(t, "extraction-completed", got.Status)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "")
	defer w.Close()
	err := w.Send(context.Background(), extraction.Event{Name: extraction.EventStarted, JobID: "job-1"})
	assert.ErrorContains(t, err, "401")
}

func TestWebhookNotifier_ForwardsLifecycleOnly(t *testing.T) {
	t.Parallel()
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	bus := extraction.NewBus(logger.Nop())
	w := NewWebhookNotifier(srv.URL, "s3cret")
	detach := w.Attach(busReader{bus})

	bus.Publish(extraction.Event{Name: extraction.EventStarted, JobID: "job-1"})
	bus.Publish(extraction.Event{Name: extraction.EventProgress, JobID: "job-1"})
	bus.Publish(extraction.Event{Name: extraction.EventBatchStarted, JobID: "job-1"})
	bus.Publish(extraction.Event{Name: extraction.EventCompleted, JobID: "job-1"})
	detach()
	w.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.requests, 2)
	assert.Equal(t, "extraction-started", h.requests[0].Header.Get("X-Harvester-Event"))
	assert.Equal(t, "extraction-completed", h.requests[1].Header.Get("X-Harvester-Event"))
}

type busReader struct{ *extraction.Bus }

func (busReader) GetState() extraction.JobSnapshot { return extraction.JobSnapshot{} }

func TestWebhookNotifier_CloseDetaches(t *testing.T) {
	t.Parallel()
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	bus := extraction.NewBus(logger.Nop())
	w := NewWebhookNotifier(srv.URL, "s3cret")
	w.Attach(busReader{bus})

	var late []extraction.Event
	bus.Subscribe(extraction.AllEvents, func(e extraction.Event) { late = append(late, e) })

	w.Close()
	assert.NotPanics(t, func() {
		w.enqueue(extraction.Event{Name: extraction.EventCompleted, JobID: "job-1"})
	})
	bus.Publish(extraction.Event{Name: extraction.EventCompleted, JobID: "job-1"})
	w.Close()

	require.Len(t, late, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.requests)
}
