package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"harvester/internal/logger"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	log       *logger.Logger
	checks    map[string]Check
	startTime time.Time
	isReady   atomic.Bool
}

// NewHealthHandler creates a handler probing every named check (redis, storage, ...).
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		log:       logger.New("HealthCheck"),
		checks:    checks,
		startTime: time.Now(),
	}
}

// SetReady marks the application as ready to receive traffic
func (h *HealthHandler) SetReady() {
	h.isReady.Store(true)
	h.log.LogSuccessf("Application marked as ready for traffic after %v", time.Since(h.startTime))
}

// ComponentStatus is the result of one check.
type ComponentStatus struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type OverallHealth struct {
	OverallStatus string                     `json:"overall_status"`
	Timestamp     string                     `json:"timestamp"`
	Ready         bool                       `json:"ready"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// runChecks runs every check concurrently under one deadline.
func (h *HealthHandler) runChecks(ctx context.Context) (map[string]ComponentStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		healthy  = true
		statuses = make(map[string]ComponentStatus, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			began := time.Now()
			st := ComponentStatus{Status: "ok"}
			if err := check(ctx); err != nil {
				st.Status = "error"
				st.Error = err.Error()
				h.log.LogErrorf("%s check failed after %v: %v", name, time.Since(began), err)
			}
			st.LatencyMs = time.Since(began).Milliseconds()

			mu.Lock()
			defer mu.Unlock()
			statuses[name] = st
			healthy = healthy && st.Status == "ok"
		}(name, check)
	}
	wg.Wait()
	return statuses, healthy
}

// HandleHealth reports 200 only once the process is ready and every check passes.
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	statuses, healthy := h.runChecks(c.Context())
	ready := h.isReady.Load()
	resp := OverallHealth{
		OverallStatus: "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Ready:         ready,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components:    statuses,
	}
	switch {
	case !ready:
		resp.OverallStatus = "starting"
		return c.Status(http.StatusServiceUnavailable).JSON(resp)
	case !healthy:
		resp.OverallStatus = "error"
		h.log.LogWarnf("unhealthy: %d/%d components failing", failing(statuses), len(statuses))
		return c.Status(http.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func failing(statuses map[string]ComponentStatus) int {
	n := 0
	for _, st := range statuses {
		if st.Status != "ok" {
			n++
		}
	}
	return n
}

func HealthLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many health checks"})
		},
	})
}
