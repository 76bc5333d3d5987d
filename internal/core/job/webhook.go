package job

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
)

// lifecycle events are forwarded; per-item progress stays on redis and SSE
var webhookEvents = map[extraction.EventName]bool{
	extraction.EventStarted:   true,
	extraction.EventPaused:    true,
	extraction.EventResumed:   true,
	extraction.EventCompleted: true,
	extraction.EventError:     true,
}

// WebhookNotifier posts job lifecycle events to one URL, signed with the
// shared system secret. Delivery happens off the event bus.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	log    *logger.Logger

	mu     sync.Mutex
	closed bool
	detach []func()
	queue  chan extraction.Event
	wg     sync.WaitGroup
}

func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.New("Webhook"),
		queue:  make(chan extraction.Event, 64),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Attach forwards lifecycle events of c until detach or Close is called.
func (w *WebhookNotifier) Attach(c StateReader) (detach func()) {
	detach = c.Subscribe(extraction.AllEvents, w.enqueue)
	w.mu.Lock()
	w.detach = append(w.detach, detach)
	w.mu.Unlock()
	return detach
}

func (w *WebhookNotifier) enqueue(e extraction.Event) {
	if !webhookEvents[e.Name] {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		w.log.LogWarnf("webhook queue full, dropping %s for job %s", e.Name, e.JobID)
	}
}

// Close detaches from every bus, stops accepting events and waits for
// queued deliveries.
func (w *WebhookNotifier) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for _, d := range w.detach {
			d()
		}
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WebhookNotifier) loop() {
	defer w.wg.Done()
	for e := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := w.Send(ctx, e); err != nil {
			w.log.LogWarnf("webhook for job %s (%s): %v", e.JobID, e.Name, err)
		}
		cancel()
	}
}

// Send delivers one event synchronously.
func (w *WebhookNotifier) Send(ctx context.Context, e extraction.Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"job_id": e.JobID,
		"type":   "extraction",
		"status": e.Name,
		"data":   e,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Harvester/1.0")
	req.Header.Set("X-Harvester-Event", string(e.Name))
	req.Header.Set("X-Harvester-Job-ID", e.JobID)
	if w.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-System-Timestamp", ts)
		req.Header.Set("X-System-Signature", Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	w.log.LogDebugf("delivered %s for job %s", e.Name, e.JobID)
	return nil
}

// Sign is hex(HMAC-SHA256(secret, timestamp + body)).
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
