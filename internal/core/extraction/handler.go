package extraction

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"harvester/internal/logger"
	"harvester/internal/platform/tasks"
)

// SnapshotReader looks up stored snapshots of jobs this process no longer holds.
type SnapshotReader interface {
	GetJobStatus(ctx context.Context, jobID string) (*JobSnapshot, error)
}

type HandlerOptions struct {
	Defaults       JobConfig
	TaskMaxRetries int
	// ExportDir confines export files; only the base name of a requested path is used.
	ExportDir string
	// Tasks is optional; without it Start runs in-process.
	Tasks     tasks.Enqueuer
	Snapshots SnapshotReader
	// RemoteEvents streams the JSON events published for a job run by
	// another process. Optional.
	RemoteEvents func(ctx context.Context, jobID string) (<-chan []byte, error)
}

type HTTPHandler struct {
	ctrl *Controller
	opts HandlerOptions
	log  *logger.Logger
}

func NewHandler(ctrl *Controller, opts HandlerOptions) *HTTPHandler {
	return &HTTPHandler{ctrl: ctrl, opts: opts, log: logger.New("ExtractionHandler")}
}

type StartRequest struct {
	JobID  string           `json:"job_id"`
	Config *ConfigOverrides `json:"config,omitempty"`
}

type StartResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Queued  bool   `json:"queued"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type ExportRequest struct {
	Path string `json:"path"`
}

// StatusFor maps control errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotPaused):
		return fiber.StatusConflict
	case errors.Is(err, ErrNoActiveJob):
		return fiber.StatusNotFound
	case errors.Is(err, ErrInvalidConfig):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(ErrorResponse{Success: false, Error: err.Error()})
}

func (h *HTTPHandler) HandleCreate(c *fiber.Ctx) error {
	var req StartRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid body"})
		}
	}
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	cfg := req.Config.Apply(h.opts.Defaults)
	if err := cfg.Validate(); err != nil {
		return fail(c, err)
	}

	if h.opts.Tasks == nil {
		if err := h.ctrl.Start(req.JobID, cfg); err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(StartResponse{Success: true, JobID: req.JobID})
	}

	task, err := tasks.NewJSONTask(tasks.TaskTypeExtractionStart, StartTaskPayload{JobID: req.JobID, Config: cfg},
		asynq.Timeout(tasks.ExtractionTimeout))
	if err != nil {
		return fail(c, err)
	}
	if err := h.opts.Tasks.Enqueue(task, "default", h.opts.TaskMaxRetries); err != nil {
		return fail(c, fmt.Errorf("enqueue extraction: %w", err))
	}
	h.log.LogInfof("enqueued extraction %s (batch=%d concurrency=%d)", req.JobID, cfg.BatchSize, cfg.Concurrency)
	return c.Status(fiber.StatusAccepted).JSON(StartResponse{Success: true, JobID: req.JobID, Queued: true})
}

func (h *HTTPHandler) HandleGet(c *fiber.Ctx) error {
	return c.JSON(h.ctrl.GetState())
}

// HandleGetJob serves the in-memory job when ids match, otherwise the stored snapshot.
func (h *HTTPHandler) HandleGetJob(c *fiber.Ctx) error {
	id := c.Params("jobId")
	if snap := h.ctrl.GetState(); snap.ID == id {
		return c.JSON(snap)
	}
	if h.opts.Snapshots == nil {
		return fail(c, ErrNoActiveJob)
	}
	snap, err := h.opts.Snapshots.GetJobStatus(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "not_found"})
	}
	return c.JSON(snap)
}

func (h *HTTPHandler) control(op func() error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := op(); err != nil {
			return fail(c, err)
		}
		return c.JSON(h.ctrl.GetState())
	}
}

func (h *HTTPHandler) HandlePause() fiber.Handler  { return h.control(h.ctrl.Pause) }
func (h *HTTPHandler) HandleResume() fiber.Handler { return h.control(h.ctrl.Resume) }
func (h *HTTPHandler) HandleStop() fiber.Handler   { return h.control(h.ctrl.Stop) }
func (h *HTTPHandler) HandleReset() fiber.Handler  { return h.control(h.ctrl.Reset) }

func (h *HTTPHandler) HandleExport(c *fiber.Ctx) error {
	var req ExportRequest
	if err := c.BodyParser(&req); err != nil || req.Path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "path is required"})
	}
	name := filepath.Base(req.Path)
	if name == "." || name == string(filepath.Separator) {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid path"})
	}
	path := filepath.Join(h.opts.ExportDir, name)
	if err := h.ctrl.ExportResults(path); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "path": path})
}

func sseHeaders(c *fiber.Ctx) {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")
}

// HandleEvents streams bus events as server-sent events until the client goes away.
func (h *HTTPHandler) HandleEvents(c *fiber.Ctx) error {
	sseHeaders(c)

	events := make(chan Event, 256)
	unsubscribe := h.ctrl.Subscribe(AllEvents, func(e Event) {
		select {
		case events <- e:
		default:
			h.log.LogWarnf("sse client too slow, dropping %s", e.Name)
		}
	})

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		if err := writeEvent(w, "snapshot", h.ctrl.GetState()); err != nil {
			return
		}
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case e := <-events:
				if err := writeEvent(w, string(e.Name), e); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := writePing(w); err != nil {
					return
				}
			}
		}
	})
	return nil
}

// HandleJobEvents streams the events of one job. The local bus serves the job
// this process holds; any other id is relayed from redis pub/sub.
func (h *HTTPHandler) HandleJobEvents(c *fiber.Ctx) error {
	id := c.Params("jobId")
	if h.ctrl.GetState().ID == id {
		return h.HandleEvents(c)
	}
	if h.opts.RemoteEvents == nil {
		return fail(c, ErrNoActiveJob)
	}
	ctx, cancel := context.WithCancel(context.Background())
	payloads, err := h.opts.RemoteEvents(ctx, id)
	if err != nil {
		cancel()
		h.log.LogWarnf("subscribe to events of %s: %v", id, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "event stream unavailable"})
	}

	sseHeaders(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case b, ok := <-payloads:
				if !ok {
					return
				}
				var e struct {
					Name EventName `json:"event"`
				}
				if err := json.Unmarshal(b, &e); err != nil || e.Name == "" {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, b); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := writePing(w); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writePing(w *bufio.Writer) error {
	if _, err := w.WriteString(": ping\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeEvent(w *bufio.Writer, name string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	return w.Flush()
}

// RegisterRoutes mounts the control surface under /extractions on r.
func (h *HTTPHandler) RegisterRoutes(r fiber.Router) {
	g := r.Group("/extractions")
	g.Post("/", h.HandleCreate)
	g.Get("/", h.HandleGet)
	g.Get("/events", h.HandleEvents)
	g.Post("/pause", h.HandlePause())
	g.Post("/resume", h.HandleResume())
	g.Post("/stop", h.HandleStop())
	g.Post("/reset", h.HandleReset())
	g.Post("/export", h.HandleExport)
	g.Get("/:jobId", h.HandleGetJob)
	g.Get("/:jobId/events", h.HandleJobEvents)
}
